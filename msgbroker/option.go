package msgbroker

import (
	"fmt"
	"time"
)

var DefaultRegisterHandlerConfig = RegisterHandlerConfig{
	AckDeadline: time.Second * 10,
}

type RegisterHandlerConfig struct {
	AckDeadline time.Duration
}

type Option func(*RegisterHandlerConfig) error

// WithACKDeadline configures the deadline for the message broker subscription.
func WithACKDeadline(deadline time.Duration) Option {
	return func(c *RegisterHandlerConfig) error {
		if deadline <= 0 {
			return fmt.Errorf("ack deadline should be positive, got %s", deadline)
		}
		c.AckDeadline = deadline
		return nil
	}
}

func ApplyRegisterHandlerOptions(opts ...Option) (RegisterHandlerConfig, error) {
	config := DefaultRegisterHandlerConfig
	for _, opt := range opts {
		if err := opt(&config); err != nil {
			return RegisterHandlerConfig{}, fmt.Errorf("applying option: %s", err)
		}
	}

	return config, nil
}
