// Package tslogtest provides utilities for using [tslog] in tests.
package tslogtest

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/database64128/vl1-go/tslog"
)

// Config is [tslog.Config] for use in tests.
type Config tslog.Config

// NewTestLogger creates a new [*Logger] for use in tests.
func (c Config) NewTestLogger(t testingLogger) *tslog.Logger {
	cfg := tslog.Config(c)
	return cfg.NewLogger(newTestingWriter(t))
}

// NewRecordingTestLogger is like [Config.NewTestLogger], but also records
// the message of every handled record.
func (c Config) NewRecordingTestLogger(t testingLogger) (*tslog.Logger, *Recorder) {
	cfg := tslog.Config(c)
	r := &Recorder{
		state: &recorderState{},
		next:  cfg.NewHandler(newTestingWriter(t)),
	}
	return cfg.NewLoggerWithHandler(r), r
}

type testingLogger interface {
	Logf(format string, args ...any)
}

type testingWriter struct {
	t testingLogger
}

func newTestingWriter(t testingLogger) testingWriter {
	return testingWriter{t}
}

func (w testingWriter) Write(p []byte) (n int, err error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

type recorderState struct {
	mu   sync.Mutex
	msgs []string
}

// Recorder is a [slog.Handler] that records messages before passing records on.
type Recorder struct {
	state *recorderState
	next  slog.Handler
}

// Enabled implements [slog.Handler.Enabled].
func (r *Recorder) Enabled(ctx context.Context, level slog.Level) bool {
	return r.next.Enabled(ctx, level)
}

// Handle implements [slog.Handler.Handle].
func (r *Recorder) Handle(ctx context.Context, record slog.Record) error {
	r.state.mu.Lock()
	r.state.msgs = append(r.state.msgs, record.Message)
	r.state.mu.Unlock()
	return r.next.Handle(ctx, record)
}

// WithAttrs implements [slog.Handler.WithAttrs].
func (r *Recorder) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Recorder{state: r.state, next: r.next.WithAttrs(attrs)}
}

// WithGroup implements [slog.Handler.WithGroup].
func (r *Recorder) WithGroup(name string) slog.Handler {
	return &Recorder{state: r.state, next: r.next.WithGroup(name)}
}

// Messages returns the recorded messages in order.
func (r *Recorder) Messages() []string {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	return slices.Clone(r.state.msgs)
}

// Count returns how many times msg was recorded.
func (r *Recorder) Count(msg string) (n int) {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	for _, m := range r.state.msgs {
		if m == msg {
			n++
		}
	}
	return n
}
