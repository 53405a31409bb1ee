// Package audit records terminal evaluations of actions: blocks, failures,
// and successful commits. The pipeline is strictly best-effort — a slow,
// broken, or panicking sink never delays or fails enforcement — so Sink.Log
// returns nothing and implementations swallow their own errors.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/kashaf12/mandate/pkg/contracts"
)

// Sink consumes audit entries. Implementations must be safe for concurrent
// use and must not retain the entry past the call (copy it if needed).
type Sink interface {
	Log(ctx context.Context, e *contracts.AuditEntry)
}

// ConsoleSink writes one JSON object per line.
type ConsoleSink struct {
	mu  sync.Mutex
	w   io.Writer
	log *slog.Logger
}

// NewConsoleSink writes entries to stdout.
func NewConsoleSink() *ConsoleSink {
	return NewConsoleSinkTo(os.Stdout)
}

// NewConsoleSinkTo writes entries to the given writer.
func NewConsoleSinkTo(w io.Writer) *ConsoleSink {
	return &ConsoleSink{w: w, log: slog.Default().With("component", "audit.ConsoleSink")}
}

func (s *ConsoleSink) Log(_ context.Context, e *contracts.AuditEntry) {
	raw, err := json.Marshal(e)
	if err != nil {
		s.log.Warn("encode audit entry", "entryId", e.EntryID, "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(raw, '\n')); err != nil {
		s.log.Warn("write audit entry", "entryId", e.EntryID, "error", err)
	}
}

// MemorySink retains entries in memory. Useful in tests and for the
// introspection endpoints of embedding processes.
type MemorySink struct {
	mu      sync.Mutex
	entries []*contracts.AuditEntry
}

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Log(_ context.Context, e *contracts.AuditEntry) {
	cp := *e
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &cp)
}

// Entries returns a snapshot of everything logged so far.
func (s *MemorySink) Entries() []*contracts.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*contracts.AuditEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len reports the number of entries logged.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Reset drops all retained entries.
func (s *MemorySink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}

// FileSink appends JSON lines to a file. The file opens lazily on the first
// entry; if opening or writing ever fails the sink logs one warning and
// goes quiet, because audit must never take the kernel down with it.
type FileSink struct {
	mu       sync.Mutex
	path     string
	f        *os.File
	disabled bool
	log      *slog.Logger
}

// NewFileSink appends to the file at path, creating it if needed.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path, log: slog.Default().With("component", "audit.FileSink")}
}

func (s *FileSink) Log(_ context.Context, e *contracts.AuditEntry) {
	raw, err := json.Marshal(e)
	if err != nil {
		s.log.Warn("encode audit entry", "entryId", e.EntryID, "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled {
		return
	}
	if s.f == nil {
		f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			s.disabled = true
			s.log.Warn("audit file disabled", "path", s.path, "error", err)
			return
		}
		s.f = f
	}
	if _, err := s.f.Write(append(raw, '\n')); err != nil {
		s.disabled = true
		s.log.Warn("audit file disabled", "path", s.path, "error", err)
	}
}

// Close flushes and closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	s.disabled = true
	return err
}

// NoopSink discards everything.
type NoopSink struct{}

// NewNoopSink returns a sink that discards everything.
func NewNoopSink() NoopSink { return NoopSink{} }

func (NoopSink) Log(context.Context, *contracts.AuditEntry) {}

// Fanout delivers each entry to every sink in order. A panicking sink is
// contained and skipped for that entry.
type Fanout struct {
	sinks []Sink
	log   *slog.Logger
}

// NewFanout combines sinks. Nil sinks are dropped.
func NewFanout(sinks ...Sink) *Fanout {
	kept := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &Fanout{sinks: kept, log: slog.Default().With("component", "audit.Fanout")}
}

func (f *Fanout) Log(ctx context.Context, e *contracts.AuditEntry) {
	for _, s := range f.sinks {
		func() {
			defer func() {
				if p := recover(); p != nil {
					f.log.Warn("audit sink panicked", "entryId", e.EntryID, "panic", p)
				}
			}()
			s.Log(ctx, e)
		}()
	}
}
