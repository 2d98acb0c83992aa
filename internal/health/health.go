// Package health owns the process-wide pipeline health record.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"leadradar/internal/model"
	"leadradar/internal/storage"
)

// StaleAfter is how old the last heartbeat may get before the pipeline is
// reported unhealthy.
const StaleAfter = 5 * time.Minute

// Store persists the health record.
type Store interface {
	SaveHealth(ctx context.Context, h model.Health) error
	LoadHealth(ctx context.Context) (*model.Health, error)
}

// Service is the single owner of the health record. Workers report into it
// and the supervisor persists it on every heartbeat.
type Service struct {
	mu    sync.Mutex
	h     model.Health
	store Store
	now   func() time.Time
}

// New creates a Service. A nil now uses time.Now.
func New(store Store, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, now: now}
}

// Start restores lifetime counters from the store, marks the pipeline
// running and persists the record.
func (s *Service) Start(ctx context.Context) error {
	prev, err := s.store.LoadHealth(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load health: %w", err)
	}

	s.mu.Lock()
	now := s.now().UTC()
	if prev != nil {
		s.h.MessagesTotal = prev.MessagesTotal
		s.h.Errors = prev.Errors
		if sameDay(prev.LastHeartbeat, now) {
			s.h.MessagesToday = prev.MessagesToday
		}
	}
	s.h.Running = true
	s.h.StartedAt = now
	s.h.LastHeartbeat = now
	snap := s.h
	s.mu.Unlock()

	return s.store.SaveHealth(ctx, snap)
}

// Beat records a heartbeat and persists the record.
func (s *Service) Beat(ctx context.Context) error {
	s.mu.Lock()
	s.h.LastHeartbeat = s.now().UTC()
	snap := s.h
	s.mu.Unlock()
	return s.store.SaveHealth(ctx, snap)
}

// Stop marks the pipeline stopped and persists the record.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.h.Running = false
	snap := s.h
	s.mu.Unlock()
	return s.store.SaveHealth(ctx, snap)
}

// SetCounts updates the channel and tenant gauges.
func (s *Service) SetCounts(channels, tenants int) {
	s.mu.Lock()
	s.h.Channels = channels
	s.h.Tenants = tenants
	s.mu.Unlock()
}

// SetChannels updates the channel gauge.
func (s *Service) SetChannels(n int) {
	s.mu.Lock()
	s.h.Channels = n
	s.mu.Unlock()
}

// SetTenants updates the tenant gauge.
func (s *Service) SetTenants(n int) {
	s.mu.Lock()
	s.h.Tenants = n
	s.mu.Unlock()
}

// RecordMessage counts one processed message.
func (s *Service) RecordMessage() {
	s.mu.Lock()
	s.h.MessagesToday++
	s.h.MessagesTotal++
	s.mu.Unlock()
}

// RecordError counts an error and remembers it as the latest one.
func (s *Service) RecordError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	now := s.now().UTC()
	s.h.Errors++
	s.h.LastError = err.Error()
	s.h.LastErrorAt = &now
	s.mu.Unlock()
}

// ResetDaily zeroes the daily message counter.
func (s *Service) ResetDaily() {
	s.mu.Lock()
	s.h.MessagesToday = 0
	s.mu.Unlock()
}

// Healthy reports whether the pipeline is running and its last heartbeat is
// fresh.
func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h.Running && s.now().Sub(s.h.LastHeartbeat) < StaleAfter
}

// Snapshot returns a copy of the current record.
func (s *Service) Snapshot() model.Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.h
	if s.h.LastErrorAt != nil {
		t := *s.h.LastErrorAt
		snap.LastErrorAt = &t
	}
	return snap
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
