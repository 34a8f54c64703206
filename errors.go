package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidIdentity is returned when a persisted or supplied identity is incomplete or inconsistent.
	ErrInvalidIdentity = errors.New("invalid identity")
	// ErrInvalidSwarmKey is returned when a swarm key is missing or is not a valid three-line key.
	ErrInvalidSwarmKey = errors.New("invalid swarm key")
	// ErrInvalidPort is returned when a port is outside the dynamic/user range.
	ErrInvalidPort = errors.New("invalid port")
	// ErrInvalidAddress is returned when a listen, announce or bootstrap address cannot be used.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrInvalidState is returned when a lifecycle transition is not allowed from the current state.
	ErrInvalidState = errors.New("invalid node state")
	// ErrNodeNotRunning is returned by pubsub operations issued before Start or after Stop.
	ErrNodeNotRunning = errors.New("node is not running")

	ErrInvalidTopic   = errors.New("invalid topic")
	ErrInvalidHandler = errors.New("invalid handler")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrPublish        = errors.New("publish failed")
	ErrSubscribe      = errors.New("subscribe failed")

	ErrNoPeers       = errors.New("no connected peer")
	ErrNoSubscribers = errors.New("no connected subscribers")
	ErrNoTopics      = errors.New("no subscribed topics")

	ErrNegativeDelay = errors.New("invalid delay")
)

// ConfigError names the first configuration field that failed validation.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("[Config] invalid %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func configError(field string, err error) error {
	return &ConfigError{Field: field, Err: err}
}
