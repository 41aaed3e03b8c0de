// Package client implements the Burrow forwarder: the process that runs next
// to a local HTTP service, keeps a control channel to the relay, and answers
// tunneled requests against the local port.
package client

import (
	"errors"
	"fmt"
	"time"

	tunnel "github.com/burrowhq/burrow/internal"
)

// defaultMaxBodyBytes caps request and response bodies on the client side.
// It sits below the 16 MiB frame cap so a full body still fits in one frame
// after base64 expansion.
const defaultMaxBodyBytes = 10 << 20

// Config holds the forwarder settings. Zero duration and size fields select
// defaults in normalize; identity fields are validated strictly.
type Config struct {
	RelayHost     string `yaml:"relay_host"`
	RelayCtrlPort int    `yaml:"relay_ctrl_port"`
	Token         string `yaml:"token"`
	LocalPort     int    `yaml:"local_port"`

	RequestTimeout    time.Duration `yaml:"request_timeout"`    // default 30s
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // default 15s
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`  // default 45s
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`     // default 10 MiB
}

// Validate reports every problem with the config at once rather than one per
// run attempt.
func (c *Config) Validate() error {
	var errs []error
	if c.RelayHost == "" {
		errs = append(errs, errors.New("relay_host is required"))
	}
	if c.RelayCtrlPort < 1 || c.RelayCtrlPort > 65535 {
		errs = append(errs, fmt.Errorf("relay_ctrl_port %d out of range", c.RelayCtrlPort))
	}
	if !tunnel.ValidToken(c.Token) {
		errs = append(errs, errors.New("token must be 32 lowercase hex characters"))
	}
	if c.LocalPort < 1 || c.LocalPort > 65535 {
		errs = append(errs, fmt.Errorf("local_port %d out of range", c.LocalPort))
	}
	if c.HeartbeatInterval != 0 && c.HeartbeatTimeout != 0 && c.HeartbeatInterval >= c.HeartbeatTimeout {
		errs = append(errs, errors.New("heartbeat_interval must be shorter than heartbeat_timeout"))
	}
	return errors.Join(errs...)
}

func (c *Config) normalize() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 45 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
}
