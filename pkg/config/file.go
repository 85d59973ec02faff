package config

import (
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/danl5/loadelect/pkg/transport/tlsconf"
)

// File is the on-disk node configuration used by the command line tool.
type File struct {
	// Node is this node
	Node NodeConfig `mapstructure:"node"`
	// Transport is one of rpc, grpc, gossip
	Transport string `mapstructure:"transport"`
	// TLS applies to the rpc and grpc transports
	TLS tlsconf.Config `mapstructure:"tls"`
	// StatusAddress is where the http status server listens, empty disables it
	StatusAddress string `mapstructure:"status_address"`
	// Tracing enables the stdout span exporter
	Tracing bool `mapstructure:"tracing"`
	// LogFormat is text or json
	LogFormat string `mapstructure:"log_format"`
	// LogLevel is debug, info, warn or error
	LogLevel string `mapstructure:"log_level"`
	// Election holds the election policy and the peer list
	Election Config `mapstructure:"election"`
}

// Load reads a yaml file. Durations are written as Go duration strings, e.g. "500ms".
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes yaml bytes into a File.
func Parse(raw []byte) (*File, error) {
	doc := map[string]any{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	out := &File{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(doc); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return out, nil
}
