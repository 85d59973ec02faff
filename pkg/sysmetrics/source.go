// Package sysmetrics provides the local metrics sources a node measures
// itself with.
package sysmetrics

import (
	"context"
	"sync"

	"github.com/danl5/loadelect/pkg/model"
)

// Source measures the local node on demand.
type Source interface {
	Measure(ctx context.Context) (model.SystemMetrics, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (model.SystemMetrics, error)

func (f SourceFunc) Measure(ctx context.Context) (model.SystemMetrics, error) {
	return f(ctx)
}

// Static always reports the same snapshot.
type Static model.SystemMetrics

func (s Static) Measure(context.Context) (model.SystemMetrics, error) {
	return model.SystemMetrics(s), nil
}

// Injectable reports an injected snapshot while one is set and falls back to
// the wrapped source otherwise. It is safe for concurrent use.
type Injectable struct {
	Source

	mu       sync.RWMutex
	override *model.SystemMetrics
}

func NewInjectable(src Source) *Injectable {
	return &Injectable{Source: src}
}

// Override pins m until Clear is called.
func (i *Injectable) Override(m model.SystemMetrics) {
	i.mu.Lock()
	i.override = &m
	i.mu.Unlock()
}

// Clear returns to measured metrics.
func (i *Injectable) Clear() {
	i.mu.Lock()
	i.override = nil
	i.mu.Unlock()
}

// Injected reports whether an override is active.
func (i *Injectable) Injected() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.override != nil
}

func (i *Injectable) Measure(ctx context.Context) (model.SystemMetrics, error) {
	i.mu.RLock()
	override := i.override
	i.mu.RUnlock()
	if override != nil {
		return *override, nil
	}
	return i.Source.Measure(ctx)
}
