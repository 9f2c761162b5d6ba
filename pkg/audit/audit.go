// Package audit holds the pluggable sinks receiving the trail of persisted changes
// and the errors raised by persistence operations.
package audit

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// ChangeKind is the kind of a persisted change
type ChangeKind string

const (
	Insert ChangeKind = "insert"
	Update ChangeKind = "update"
	Delete ChangeKind = "delete"
)

// PropertyChange is one property of the trail. Collections carry their member id
// strings in Old and New.
type PropertyChange struct {
	Property string `json:"property"`
	Old      any    `json:"old,omitempty"`
	New      any    `json:"new,omitempty"`
}

// Entry is one audited change of one entity
type Entry struct {
	Type    string           `json:"type"`
	ID      string           `json:"id"`
	Kind    ChangeKind       `json:"kind"`
	Changes []PropertyChange `json:"changes"`
}

// Sink receives the audit trail
type Sink interface {
	Record(ctx context.Context, entry Entry) error
}

// ErrorSink receives errors of failed operations
type ErrorSink interface {
	RecordError(ctx context.Context, err error)
}

// Nop discards everything
type Nop struct{}

func (Nop) Record(context.Context, Entry) error { return nil }
func (Nop) RecordError(context.Context, error) {}

// ZapSink writes entries as structured log lines
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink creates a sink logging at info level under the "audit" name
func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger.Named("audit")}
}

func (s *ZapSink) Record(_ context.Context, e Entry) error {
	s.logger.Info("entity changed",
		zap.String("type", e.Type),
		zap.String("id", e.ID),
		zap.String("kind", string(e.Kind)),
		zap.Any("changes", e.Changes))
	return nil
}

// ZapErrorSink writes errors as structured log lines
type ZapErrorSink struct {
	logger *zap.Logger
}

// NewZapErrorSink creates an error sink logging at error level
func NewZapErrorSink(logger *zap.Logger) *ZapErrorSink {
	return &ZapErrorSink{logger: logger.Named("errors")}
}

func (s *ZapErrorSink) RecordError(_ context.Context, err error) {
	s.logger.Error("persistence operation failed", zap.Error(err))
}

// Memory keeps entries and errors in memory
type Memory struct {
	mu      sync.Mutex
	entries []Entry
	errors  []error
}

func (m *Memory) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *Memory) RecordError(_ context.Context, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, err)
}

// Entries returns the recorded entries in order
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// Errors returns the recorded errors in order
func (m *Memory) Errors() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]error(nil), m.errors...)
}

// Reset forgets everything recorded
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
	m.errors = nil
}
