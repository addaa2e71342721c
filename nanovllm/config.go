package nanovllm

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is returned by NewConfig when an option is out of range
var ErrInvalidConfig = errors.New("invalid engine config")

// Config holds the configuration for the LLM engine
type Config struct {
	MaxNumBatchedTokens int
	MaxNumSeqs          int
	MaxModelLen         int
	EOS                 int
	KVCacheBlockSize    int
	NumKVCacheBlocks    int
}

// ConfigOption is a functional option for Config
type ConfigOption func(*Config)

// NewConfig creates a new Config with default values
func NewConfig(opts ...ConfigOption) (*Config, error) {
	c := &Config{
		MaxNumBatchedTokens: 16384,
		MaxNumSeqs:          512,
		MaxModelLen:         2048,
		EOS:                 -1,
		KVCacheBlockSize:    256,
		NumKVCacheBlocks:    1024,
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.KVCacheBlockSize <= 0 || c.KVCacheBlockSize%16 != 0 {
		return fmt.Errorf("%w: kvcache block size must be a positive multiple of 16, got %d", ErrInvalidConfig, c.KVCacheBlockSize)
	}
	if c.NumKVCacheBlocks < 1 {
		return fmt.Errorf("%w: need at least one kvcache block", ErrInvalidConfig)
	}
	if c.MaxNumSeqs < 1 {
		return fmt.Errorf("%w: max num seqs must be >= 1", ErrInvalidConfig)
	}
	if c.MaxModelLen < 1 {
		return fmt.Errorf("%w: max model len must be >= 1", ErrInvalidConfig)
	}
	if c.MaxNumBatchedTokens < c.MaxModelLen {
		return fmt.Errorf("%w: max num batched tokens (%d) must be >= max model len (%d)",
			ErrInvalidConfig, c.MaxNumBatchedTokens, c.MaxModelLen)
	}
	return nil
}

// WithMaxNumBatchedTokens sets the maximum number of batched tokens
func WithMaxNumBatchedTokens(n int) ConfigOption {
	return func(c *Config) {
		c.MaxNumBatchedTokens = n
	}
}

// WithMaxNumSeqs sets the maximum number of sequences
func WithMaxNumSeqs(n int) ConfigOption {
	return func(c *Config) {
		c.MaxNumSeqs = n
	}
}

// WithMaxModelLen sets the maximum context length of the model
func WithMaxModelLen(n int) ConfigOption {
	return func(c *Config) {
		c.MaxModelLen = n
	}
}

// WithEOS sets the EOS token ID
func WithEOS(id int) ConfigOption {
	return func(c *Config) {
		c.EOS = id
	}
}

// WithKVCacheBlockSize sets the KV cache block size
func WithKVCacheBlockSize(n int) ConfigOption {
	return func(c *Config) {
		c.KVCacheBlockSize = n
	}
}

// WithNumKVCacheBlocks sets the number of KV cache blocks
func WithNumKVCacheBlocks(n int) ConfigOption {
	return func(c *Config) {
		c.NumKVCacheBlocks = n
	}
}
