// Package events provides the emitter that assigns sequence numbers to core
// events and fans them out to the configured sinks.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/veilbet/internal/domain"
)

// Emitter assigns a globally monotonic sequence to every event and delivers
// it to each sink. Sink failures are logged, not propagated: the in-process
// ledgers are authoritative and their mutations must not be rolled back
// because a mirror is unreachable.
type Emitter struct {
	mu     sync.Mutex
	seq    uint64
	sinks  []domain.EventSink
	logger *slog.Logger
}

// NewEmitter creates an Emitter delivering to the given sinks. A nil logger
// falls back to slog.Default().
func NewEmitter(logger *slog.Logger, sinks ...domain.EventSink) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{sinks: sinks, logger: logger}
}

// AddSink registers an additional sink. Not safe to call concurrently with
// Emit during wiring; call before the app starts serving.
func (e *Emitter) AddSink(s domain.EventSink) {
	e.sinks = append(e.sinks, s)
}

// Emit stamps the event with an ID, the next sequence number, and the
// current time, then delivers it to every sink.
func (e *Emitter) Emit(ctx context.Context, ev domain.Event) {
	e.mu.Lock()
	e.seq++
	ev.Seq = e.seq
	e.mu.Unlock()

	ev.ID = uuid.New()
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	for _, s := range e.sinks {
		if err := s.Append(ctx, ev); err != nil {
			e.logger.WarnContext(ctx, "events: sink append failed",
				slog.String("type", string(ev.Type)),
				slog.Uint64("seq", ev.Seq),
				slog.String("error", err.Error()),
			)
		}
	}
}
