package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrNoPicker is returned by RequestActivation when the host offers no way
// to choose a credential.
var ErrNoPicker = errors.New("no credential picker available")

// Picker is the host-provided flow that lets the user choose a credential.
type Picker interface {
	OpenPicker(ctx context.Context) (string, error)
}

// PickerFunc adapts a function to Picker.
type PickerFunc func(ctx context.Context) (string, error)

func (f PickerFunc) OpenPicker(ctx context.Context) (string, error) { return f(ctx) }

// Gate tracks whether a usable credential is available for generation calls.
// It is safe for concurrent use.
type Gate struct {
	mu     sync.RWMutex
	key    string
	picker Picker
}

// NewGate starts with initialKey (may be empty). picker may be nil.
func NewGate(initialKey string, picker Picker) *Gate {
	return &Gate{key: strings.TrimSpace(initialKey), picker: picker}
}

func (g *Gate) HasCredential() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.key != ""
}

func (g *Gate) Credential() (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.key, g.key != ""
}

func (g *Gate) SetCredential(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.key = strings.TrimSpace(key)
}

// Revoke drops the current credential, typically after the endpoint rejected it.
// A key that changed since rejected was read is left alone.
func (g *Gate) Revoke(rejected string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.key == rejected {
		g.key = ""
	}
}

// RequestActivation opens the host picker and stores the chosen credential.
func (g *Gate) RequestActivation(ctx context.Context) error {
	if g.picker == nil {
		return ErrNoPicker
	}
	key, err := g.picker.OpenPicker(ctx)
	if err != nil {
		return fmt.Errorf("credential picker failed: %w", err)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrActivationNeeded
	}
	g.SetCredential(key)
	return nil
}
