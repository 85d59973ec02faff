package rpc

import (
	"errors"
	"time"

	"github.com/danl5/loadelect/pkg/model"
	"github.com/danl5/loadelect/pkg/transport/tlsconf"
)

type Config struct {
	tlsconf.Config `mapstructure:",squash"`

	// ConnectTimeout is the maximum amount of time a dial will wait for
	// a connection to complete.
	ConnectTimeout time.Duration `json:"connect_timeout" mapstructure:"connect_timeout"`
	// Variant must match the metrics variant of the election config
	Variant model.MetricsVariant `json:"variant" mapstructure:"variant"`
}

func (c *Config) Validate() error {
	if c.ConnectTimeout < 0 {
		return errors.New("connect timeout must not be negative")
	}
	if c.Variant != "" {
		if err := c.Variant.Validate(); err != nil {
			return err
		}
	}
	return c.Config.Validate()
}
