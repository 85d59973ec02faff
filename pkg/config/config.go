package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/danl5/loadelect/pkg/model"
)

const (
	// DefaultHeartbeatInterval is the leader broadcast period
	DefaultHeartbeatInterval = time.Second
	// DefaultFollowerPollInterval is the follower inbox polling period
	DefaultFollowerPollInterval = 200 * time.Millisecond
	// DefaultHeartbeatTimeout is how long a follower waits before presuming the leader dead
	DefaultHeartbeatTimeout = 5 * time.Second
	// DefaultVoteThreshold is the number of distinct dissenting voters that makes a leader step down
	DefaultVoteThreshold = 2
	// DefaultSendTimeout bounds a single peer send
	DefaultSendTimeout = 2 * time.Second
	// DefaultConnectTimeout bounds establishing a transport connection
	DefaultConnectTimeout = 5 * time.Second
	// DefaultInboxSize is the capacity of the node inbox
	DefaultInboxSize = 256
)

// Config represents the elect config
type Config struct {
	// HeartbeatInterval is the interval between two leader heartbeat broadcasts
	HeartbeatInterval time.Duration `json:"heartbeat_interval,omitempty" mapstructure:"heartbeat_interval"`
	// FollowerPollInterval is the sleep between two follower inbox drains
	FollowerPollInterval time.Duration `json:"follower_poll_interval,omitempty" mapstructure:"follower_poll_interval"`
	// HeartbeatTimeout is the silence after which a follower starts an election
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout,omitempty" mapstructure:"heartbeat_timeout"`
	// VoteThreshold is the number of distinct negative voters that removes a leader
	VoteThreshold int `json:"vote_threshold,omitempty" mapstructure:"vote_threshold"`
	// SendTimeout bounds each peer send of a broadcast
	SendTimeout time.Duration `json:"send_timeout,omitempty" mapstructure:"send_timeout"`
	// ConnectTimeout represents the timeout duration for a transport connection
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty" mapstructure:"connect_timeout"`
	// InboxSize is the number of undelivered messages a node buffers
	InboxSize int `json:"inbox_size,omitempty" mapstructure:"inbox_size"`
	// MetricsVariant selects the basic or extended metrics schema
	MetricsVariant model.MetricsVariant `json:"metrics_variant,omitempty" mapstructure:"metrics_variant"`
	// Peers contain information about all nodes in the cluster.
	Peers []NodeConfig `json:"peers,omitempty" mapstructure:"peers"`
}

type NodeConfig struct {
	// ID of node
	ID string `json:"id" mapstructure:"id"`
	// Address of node, used for establishing connections
	Address string `json:"address" mapstructure:"address"`
	// Tags represent additional label information of the node
	Tags map[string]string `json:"tags" mapstructure:"tags"`
}

// WithDefaults returns a copy with every zero value replaced by its default.
func (c Config) WithDefaults() Config {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.FollowerPollInterval == 0 {
		c.FollowerPollInterval = DefaultFollowerPollInterval
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.VoteThreshold == 0 {
		c.VoteThreshold = DefaultVoteThreshold
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.InboxSize == 0 {
		c.InboxSize = DefaultInboxSize
	}
	if c.MetricsVariant == "" {
		c.MetricsVariant = model.MetricsExtended
	}
	return c
}

func (c *Config) Validate() error {
	if c.HeartbeatInterval < 0 || c.FollowerPollInterval < 0 || c.SendTimeout < 0 || c.ConnectTimeout < 0 {
		return errors.New("intervals and timeouts must not be negative")
	}
	if c.HeartbeatTimeout <= 0 {
		return errors.New("heartbeat timeout must be positive")
	}
	if c.VoteThreshold < 1 {
		return errors.New("vote threshold must be at least 1")
	}
	if c.InboxSize < 1 {
		return errors.New("inbox size must be at least 1")
	}
	if err := c.MetricsVariant.Validate(); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(c.Peers))
	for _, p := range c.Peers {
		if p.ID == "" {
			return errors.New("peer ID is required")
		}
		if p.Address == "" {
			return fmt.Errorf("peer %s has no address", p.ID)
		}
		if _, ok := seen[p.ID]; ok {
			return fmt.Errorf("duplicate peer %s", p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	return nil
}
