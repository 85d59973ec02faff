// Package tlsconf holds the TLS settings shared by the network transports.
package tlsconf

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

type Config struct {
	// ServerCA defines the set of root certificate authorities
	// that servers use if required to verify a client certificate
	// by the policy in ClientAuth.
	ServerCAs        []string `json:"server_cas" mapstructure:"server_cas"`
	ServerKey        string   `json:"server_key" mapstructure:"server_key"`
	ServerCert       string   `json:"server_cert" mapstructure:"server_cert"`
	ServerSkipVerify bool     `json:"server_skip_verify" mapstructure:"server_skip_verify"`

	// ClientCAs defines the set of root certificate authorities
	// that clients use when verifying server certificates.
	// If ClientCAs is nil, TLS uses the host's root CA set.
	ClientCAs        []string `json:"client_cas" mapstructure:"client_cas"`
	ClientCert       string   `json:"client_cert" mapstructure:"client_cert"`
	ClientKey        string   `json:"client_key" mapstructure:"client_key"`
	ClientSkipVerify bool     `json:"client_skip_verify" mapstructure:"client_skip_verify"`
}

func (c *Config) Validate() error {
	cfgCount := 0
	if c.ServerKey != "" {
		cfgCount++
	}
	if c.ServerCert != "" {
		cfgCount++
	}

	if cfgCount == 1 {
		return errors.New("incomplete server certificate configuration")
	}

	// a server verifying client certificates needs server CAs
	if cfgCount == 2 && !c.ServerSkipVerify {
		if len(c.ServerCAs) == 0 {
			return errors.New("no server CAs configured")
		}
	}

	cfgCount = 0
	if c.ClientKey != "" {
		cfgCount++
	}
	if c.ClientCert != "" {
		cfgCount++
	}

	if cfgCount == 1 {
		return errors.New("incomplete client certificate configuration")
	}

	if cfgCount == 2 && !c.ClientSkipVerify {
		if len(c.ClientCAs) == 0 {
			return errors.New("no client CAs configured")
		}
	}

	return nil
}

// ServerTLS returns nil when no server certificate is configured.
func (c *Config) ServerTLS() (*tls.Config, error) {
	if c.ServerCert == "" || c.ServerKey == "" {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(c.ServerCert, c.ServerKey)
	if err != nil {
		return nil, err
	}
	config := &tls.Config{Certificates: []tls.Certificate{cert}}

	pool, err := loadCAs(c.ServerCAs)
	if err != nil {
		return nil, err
	}
	config.ClientCAs = pool
	config.ClientAuth = tls.RequireAndVerifyClientCert
	if c.ServerSkipVerify {
		config.ClientAuth = tls.NoClientCert
	}
	return config, nil
}

// ClientTLS returns nil when no client certificate is configured.
func (c *Config) ClientTLS() (*tls.Config, error) {
	if c.ClientCert == "" || c.ClientKey == "" {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, err
	}
	config := &tls.Config{Certificates: []tls.Certificate{cert}}

	pool, err := loadCAs(c.ClientCAs)
	if err != nil {
		return nil, err
	}
	config.RootCAs = pool
	config.InsecureSkipVerify = c.ClientSkipVerify
	return config, nil
}

func loadCAs(files []string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for _, f := range files {
		caCert, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		if ok := pool.AppendCertsFromPEM(caCert); !ok {
			return nil, fmt.Errorf("no certificates found in %s", f)
		}
	}
	return pool, nil
}
