package capture

import (
	"context"
	"fmt"
	"sync"
)

// Input is an acquired microphone handle.
type Input struct {
	Device string
}

// Microphone grants access to an audio input device.
type Microphone interface {
	Acquire(ctx context.Context) (Input, error)
	Release() error
}

// MicCache holds the single process-wide microphone handle. The first Get
// acquires it (which may prompt for permission); later calls reuse it.
// Failed acquisitions are not cached so the user can retry.
type MicCache struct {
	mu       sync.Mutex
	mic      Microphone
	input    Input
	acquired bool
}

// NewMicCache wraps mic.
func NewMicCache(mic Microphone) *MicCache {
	return &MicCache{mic: mic}
}

// Get returns the cached handle, acquiring it on first use.
func (c *MicCache) Get(ctx context.Context) (Input, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.acquired {
		return c.input, nil
	}
	in, err := c.mic.Acquire(ctx)
	if err != nil {
		return Input{}, err
	}
	c.input = in
	c.acquired = true
	return in, nil
}

// Acquired reports whether a handle is currently held.
func (c *MicCache) Acquired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquired
}

// Close releases the handle if one is held.
func (c *MicCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.acquired {
		return nil
	}
	c.acquired = false
	c.input = Input{}
	if err := c.mic.Release(); err != nil {
		return fmt.Errorf("release microphone: %w", err)
	}
	return nil
}
