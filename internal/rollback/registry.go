// Copyright 2025 Velo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rollback unwinds partially-completed operations. The controller
// registers a compensating action as each external resource is acquired;
// on failure the registry runs them in reverse, on success it is cleared.
package rollback

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// Kind labels what a compensating action undoes.
type Kind string

const (
	DestroyDataset  Kind = "destroy-dataset"
	DestroySnapshot Kind = "destroy-snapshot"
	RemoveContainer Kind = "remove-container"
)

// Action is one compensating step.
type Action struct {
	Kind     Kind
	Resource string // dataset name, snapshot full name, container name
	Run      func(ctx context.Context) error
}

// Registry is a LIFO of compensating actions.
type Registry struct {
	actions []Action
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{}
}

// Add pushes a compensating action.
func (r *Registry) Add(kind Kind, resource string, run func(ctx context.Context) error) {
	r.actions = append(r.actions, Action{Kind: kind, Resource: resource, Run: run})
}

// Clear drops all registered actions (called after success).
func (r *Registry) Clear() {
	r.actions = nil
}

// Len returns the number of pending actions.
func (r *Registry) Len() int {
	return len(r.actions)
}

// Execute runs all actions in reverse insertion order. Each action's
// error is swallowed and logged so unwinding always completes.
func (r *Registry) Execute(ctx context.Context) {
	for i := len(r.actions) - 1; i >= 0; i-- {
		a := r.actions[i]
		log.Warnf("rolling back: %s %s", a.Kind, a.Resource)
		if err := a.Run(ctx); err != nil {
			log.Errorf("rollback %s %s failed: %v", a.Kind, a.Resource, err)
		}
	}
	r.actions = nil
}
