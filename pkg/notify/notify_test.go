package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haikuports/kitchen/pkg/build"
)

type recorder struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (r *recorder) Notify(_ context.Context, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
	return r.err
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

func TestQueueBuffersUntilReady(t *testing.T) {
	sink := &recorder{}
	q := NewQueue(sink, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	_ = q.Notify(ctx, "first")
	_ = q.Notify(ctx, "second")
	time.Sleep(20 * time.Millisecond)
	if len(sink.got()) != 0 || q.Pending() != 2 {
		t.Fatalf("messages should wait for Ready")
	}

	q.Ready()
	deadline := time.Now().Add(2 * time.Second)
	for q.Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	_ = q.Notify(ctx, "third")
	for len(sink.got()) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := sink.got(); !reflect.DeepEqual(got, []string{"first", "second", "third"}) {
		t.Fatalf("unexpected delivery %v", got)
	}
}

func TestMultiReturnsFirstError(t *testing.T) {
	a := &recorder{err: errors.New("down")}
	b := &recorder{}
	if err := (Multi{a, b}).Notify(context.Background(), "hi"); err == nil {
		t.Fatalf("expected error")
	}
	if len(b.got()) != 1 {
		t.Fatalf("every notifier should be tried")
	}
}

func TestMessages(t *testing.T) {
	if msg := BuilderBroken("shredder", "kallisti5"); !strings.Contains(msg, "shredder") || !strings.Contains(msg, "kallisti5") {
		t.Fatalf("unexpected message %q", msg)
	}
	failed := build.Build{ID: 7, Description: "lint", Status: build.StatusFailed, NextStep: 1, Steps: make([]*build.Step, 3)}
	if msg := BuildFinished(failed); !strings.Contains(msg, "#7") || !strings.Contains(msg, "step 2 out of 3") {
		t.Fatalf("unexpected message %q", msg)
	}
	if msg := BuildFinished(build.Build{Status: build.StatusSucceeded}); msg != "" {
		t.Fatalf("succeeded builds are not announced, got %q", msg)
	}
}
