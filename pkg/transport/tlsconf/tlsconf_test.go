package tlsconf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name          string
		config        Config
		expectedError string
	}{
		{
			name:          "incomplete server certificate configuration",
			config:        Config{ServerKey: "key.pem"},
			expectedError: "incomplete server certificate configuration",
		},
		{
			name:          "no server CAs configured",
			config:        Config{ServerKey: "cert.key", ServerCert: "cert.pem"},
			expectedError: "no server CAs configured",
		},
		{
			name:          "incomplete client certificate configuration",
			config:        Config{ClientKey: "key.pem"},
			expectedError: "incomplete client certificate configuration",
		},
		{
			name:          "no client CAs configured",
			config:        Config{ClientKey: "cert.key", ClientCert: "cert.pem"},
			expectedError: "no client CAs configured",
		},
		{
			name: "valid configuration",
			config: Config{
				ServerKey:        "key.pem",
				ServerCert:       "cert.pem",
				ServerSkipVerify: true,
				ClientKey:        "client_key.pem",
				ClientCert:       "client_cert.pem",
				ClientSkipVerify: true,
			},
		},
		{
			name:   "empty configuration",
			config: Config{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.expectedError == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.expectedError)
		})
	}
}

func TestConfig_PlainWhenNoCertificates(t *testing.T) {
	c := &Config{}
	server, err := c.ServerTLS()
	require.NoError(t, err)
	assert.Nil(t, server)

	client, err := c.ClientTLS()
	require.NoError(t, err)
	assert.Nil(t, client)
}

func TestConfig_MissingCertificateFile(t *testing.T) {
	c := &Config{ServerCert: "/nonexistent/cert.pem", ServerKey: "/nonexistent/key.pem"}
	_, err := c.ServerTLS()
	assert.Error(t, err)
}
