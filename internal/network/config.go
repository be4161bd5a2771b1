package network

import (
	"fmt"
	"runtime"
)

// Config describes the embedding network topology.
type Config struct {
	// InputSize is the side of the square single-channel input.
	InputSize int `json:"input_size"`

	// Channels holds the output channels of each conv block. Every block halves
	// the spatial size, so InputSize must be divisible by 2^len(Channels).
	Channels []int `json:"channels"`

	// Hidden is the width of the first fully connected layer.
	Hidden int `json:"hidden"`

	// EmbeddingDim is the size of the L2-normalized output.
	EmbeddingDim int `json:"embedding_dim"`

	// Dropout is the drop probability applied before each fully connected layer
	// in training mode.
	Dropout float64 `json:"dropout"`

	// Momentum of the batch norm running statistics.
	Momentum float64 `json:"momentum"`

	// Epsilon added to variances in batch norm.
	Epsilon float64 `json:"epsilon"`
}

// DefaultConfig returns the production topology: 64x64 input, three conv blocks
// of 32, 64 and 128 channels, an 8192 -> 512 -> 128 head.
func DefaultConfig() Config {
	return Config{
		InputSize:    64,
		Channels:     []int{32, 64, 128},
		Hidden:       512,
		EmbeddingDim: 128,
		Dropout:      0.3,
		Momentum:     0.1,
		Epsilon:      1e-5,
	}
}

// Validate checks that the topology is consistent.
func (c Config) Validate() error {
	if c.InputSize <= 0 {
		return fmt.Errorf("input size must be positive, got %d", c.InputSize)
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("at least one conv block is required")
	}
	for i, ch := range c.Channels {
		if ch <= 0 {
			return fmt.Errorf("block %d: channels must be positive, got %d", i, ch)
		}
	}
	if c.InputSize%(1<<len(c.Channels)) != 0 {
		return fmt.Errorf("input size %d is not divisible by %d", c.InputSize, 1<<len(c.Channels))
	}
	if c.Hidden <= 0 || c.EmbeddingDim <= 0 {
		return fmt.Errorf("hidden and embedding sizes must be positive")
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("dropout must be in [0, 1), got %v", c.Dropout)
	}
	if c.Momentum <= 0 || c.Momentum > 1 {
		return fmt.Errorf("momentum must be in (0, 1], got %v", c.Momentum)
	}
	if c.Epsilon <= 0 {
		return fmt.Errorf("epsilon must be positive, got %v", c.Epsilon)
	}
	return nil
}

// FlatSize is the length of the flattened output of the last conv block.
func (c Config) FlatSize() int {
	side := c.InputSize >> len(c.Channels)
	return c.Channels[len(c.Channels)-1] * side * side
}

// Exec is the execution context threaded through network construction. It
// replaces any process-wide device selection.
type Exec struct {
	// Workers bounds per-sample parallelism. Zero or negative means GOMAXPROCS.
	Workers int
}

func (e Exec) workers() int {
	if e.Workers > 0 {
		return e.Workers
	}
	return runtime.GOMAXPROCS(0)
}
