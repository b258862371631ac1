// Package notify delivers short human-readable announcements about
// builders and builds. Delivery is best effort: a failing sink is logged
// and never blocks scheduling.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haikuports/kitchen/pkg/build"
)

// Notifier accepts one announcement.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// BuilderBroken is the announcement for a builder marked broken.
func BuilderBroken(name, owner string) string {
	return fmt.Sprintf("Oh no! Builder '%s' BROKE. Somebody contact %q so they can fix it!", name, owner)
}

// BuildFinished returns the announcement for a build that did not fully
// succeed, or "" when there is nothing to say.
func BuildFinished(b build.Build) string {
	switch b.Status {
	case build.StatusFailed:
		return fmt.Sprintf("Heads up! Build #%d ('%s') FAILED on step %d out of %d. Someone please investigate!",
			b.ID, b.Description, b.NextStep+1, len(b.Steps))
	case build.StatusPartiallySucceeded:
		failed := 0
		for _, step := range b.Steps {
			if step.Status == build.StatusFailed {
				failed++
			}
		}
		return fmt.Sprintf("Heads up! Build #%d ('%s') finished with %d of %d steps FAILED.",
			b.ID, b.Description, failed, len(b.Steps))
	}
	return ""
}

// LogNotifier writes announcements to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, message string) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "message", message)
	return nil
}

// Multi fans an announcement out to every notifier and returns the first
// error.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, message string) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, message); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Queue holds announcements until its sink is ready, then forwards them
// in order from a single goroutine.
type Queue struct {
	sink   Notifier
	logger *slog.Logger

	mu      sync.Mutex
	ready   bool
	pending []string
	wake    chan struct{}
}

func NewQueue(sink Notifier, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{sink: sink, logger: logger, wake: make(chan struct{}, 1)}
}

// Notify enqueues message and returns immediately.
func (q *Queue) Notify(_ context.Context, message string) error {
	q.mu.Lock()
	q.pending = append(q.pending, message)
	q.mu.Unlock()
	q.signal()
	return nil
}

// Ready lets queued announcements flow to the sink.
func (q *Queue) Ready() {
	q.mu.Lock()
	q.ready = true
	q.mu.Unlock()
	q.signal()
}

// Pending returns the number of undelivered announcements.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run delivers announcements until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}
		for {
			q.mu.Lock()
			if !q.ready || len(q.pending) == 0 {
				q.mu.Unlock()
				break
			}
			message := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()

			if err := q.sink.Notify(ctx, message); err != nil {
				q.logger.Warn("notification not delivered", "error", err)
			}
		}
	}
}
