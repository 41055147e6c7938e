package pipeline

import (
	"fmt"
	"time"
)

// Config defines the buffering between pipeline stages
type Config struct {
	// Write instructions per sink call
	BatchSize int `toml:"batch_size"`

	// Capacity of each inbox between two stages. Bounds memory and makes a
	// slow sink throttle the reader.
	BufferSize int `toml:"buffer_size"`

	// Concurrent sink writers
	Writers int `toml:"writers"`

	// How long a stage may wait on a full inbox before failing the run.
	// Zero waits until the run is cancelled.
	SendTimeout time.Duration `toml:"send_timeout"`
}

// DefaultConfig returns pipeline defaults
func DefaultConfig() Config {
	return Config{
		BatchSize:   500,
		BufferSize:  64,
		Writers:     2,
		SendTimeout: 0,
	}
}

// ValidateConfig validates pipeline configuration and returns error if invalid
func ValidateConfig(config Config) error {
	if config.BatchSize <= 0 {
		return fmt.Errorf("BatchSize must be positive, got %d", config.BatchSize)
	}

	if config.BufferSize <= 0 {
		return fmt.Errorf("BufferSize must be positive, got %d", config.BufferSize)
	}

	if config.Writers <= 0 {
		return fmt.Errorf("Writers must be positive, got %d", config.Writers)
	}

	if config.SendTimeout < 0 {
		return fmt.Errorf("SendTimeout must not be negative, got %v", config.SendTimeout)
	}

	return nil
}
