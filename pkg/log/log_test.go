package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, err := New(buf, "json", "debug")
	require.NoError(t, err)

	logger.Debug("vote cast", "reason", "HighCPULoad")

	rec := map[string]any{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "vote cast", rec["msg"])
	assert.Equal(t, "HighCPULoad", rec["reason"])
}

func TestNew_Errors(t *testing.T) {
	_, err := New(&bytes.Buffer{}, "xml", "info")
	assert.Error(t, err)
	_, err = New(&bytes.Buffer{}, "text", "loud")
	assert.Error(t, err)
}
