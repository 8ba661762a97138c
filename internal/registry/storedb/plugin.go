// Package storedb is the backend-selection registry for internal/store
// implementations: each backend registers itself via init(), and the
// engine picks one by config.DatastoreType at startup instead of
// importing a concrete backend directly.
package storedb

import (
	"context"
	"fmt"

	"github.com/0wnerDied/Homomorphic-SecureDB/internal/store"
)

// Loader opens a store.Store using settings read from ctx (see
// internal/config.FromContext).
type Loader func(ctx context.Context) (store.Store, error)

// Plugin is one registered store backend.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store backend plugin. Called from each backend
// package's init().
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered backend names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named backend.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store backend %q; valid: %v", name, Names())
}
