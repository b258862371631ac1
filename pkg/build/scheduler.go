// Package build schedules multi-step jobs onto builders, runs their steps
// in order and keeps the job history.
package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/haikuports/kitchen/pkg/session"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("kitchen/build")

// DefaultRetention is how many builds are kept in the hot set before the
// oldest are archived.
const DefaultRetention = 100

var (
	ErrNoSteps  = errors.New("build has no steps")
	ErrNotFound = errors.New("build not found")
)

// Options configures a Scheduler.
type Options struct {
	Store     Store
	Logger    *slog.Logger
	Retention int
	Now       func() time.Time
}

// Scheduler owns every build. It is safe for concurrent use; each running
// build executes on its own goroutine.
type Scheduler struct {
	builders Builders
	store    Store
	logger   *slog.Logger
	keep     int
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	builds     map[int]*Build
	nextID     int
	onFinished []func(Build)
}

func NewScheduler(builders Builders, opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		builders: builders,
		store:    opts.Store,
		logger:   logger,
		keep:     opts.Retention,
		now:      opts.Now,
		ctx:      ctx,
		cancel:   cancel,
		builds:   make(map[int]*Build),
		nextID:   1,
	}
}

// Load restores finished builds from the store. Builds that were still
// pending, running or stalled are dropped: their callbacks only existed
// in memory.
func (s *Scheduler) Load() error {
	if s.store == nil {
		return nil
	}
	builds, nextID, err := s.store.Load()
	if err != nil {
		return fmt.Errorf("load builds: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	discarded := 0
	for i := range builds {
		b := builds[i]
		if b.ID >= nextID {
			nextID = b.ID + 1
		}
		if !b.Status.Terminal() {
			discarded++
			continue
		}
		s.builds[b.ID] = &b
	}
	if nextID > s.nextID {
		s.nextID = nextID
	}
	s.logger.Info("loaded builds", "kept", len(s.builds), "discarded", discarded, "next_id", s.nextID)
	if discarded > 0 {
		s.persistLocked()
	}
	return nil
}

// Close cancels running builds and waits for their goroutines. Builds
// interrupted this way are left stalled.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

// OnFinished registers fn to receive a copy of every build that reaches a
// terminal status.
func (s *Scheduler) OnFinished(fn func(Build)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFinished = append(s.onFinished, fn)
}

// AddBuild schedules spec and immediately tries to dispatch it.
func (s *Scheduler) AddBuild(spec Spec) (int, error) {
	if len(spec.Steps) == 0 {
		return 0, ErrNoSteps
	}
	steps := make([]*Step, len(spec.Steps))
	for i := range spec.Steps {
		step := spec.Steps[i]
		if err := step.valid(); err != nil {
			return 0, err
		}
		step.Status = StatusPending
		step.ExitCode = nil
		step.Output = ""
		steps[i] = &step
	}
	arch := spec.Architecture
	if arch == "" {
		arch = ArchAny
	}

	s.mu.Lock()
	now := s.now()
	b := &Build{
		ID:           s.nextID,
		Description:  spec.Description,
		Architecture: arch,
		Status:       StatusPending,
		Steps:        steps,
		CreatedAt:    now,
		LastTime:     now,
		handleResult: spec.HandleResult,
		onSuccess:    spec.OnSuccess,
		graph:        spec.Graph,
	}
	s.nextID++
	s.builds[b.ID] = b
	s.persistLocked()
	s.mu.Unlock()

	s.logger.Info("build created", "build", b.ID, "description", b.Description, "arch", arch, "steps", len(steps))
	s.TryRunBuilds()
	return b.ID, nil
}

// TryRunBuilds hands work to idle builders: first stalled builds whose
// builder is back, then pending builds in creation order. It returns the
// ids of pending builds that found no builder.
func (s *Scheduler) TryRunBuilds() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	available := s.builders.Online()
	used := make(map[string]bool)

	for _, name := range available {
		for _, b := range s.sortedLocked() {
			if b.Status != StatusStalled || b.Builder != name {
				continue
			}
			if !s.builders.TryAcquire(name) {
				break
			}
			used[name] = true
			s.logger.Info("resuming stalled build", "build", b.ID, "builder", name, "step", b.NextStep)
			s.startLocked(b, name)
			break
		}
	}

	var unscheduled []int
	for _, b := range s.sortedLocked() {
		if b.Status != StatusPending {
			continue
		}
		assigned := ""
		for _, name := range available {
			if used[name] {
				continue
			}
			if b.Architecture != ArchAny && s.builders.Architecture(name) != b.Architecture {
				continue
			}
			if !s.builders.TryAcquire(name) {
				used[name] = true
				continue
			}
			assigned = name
			break
		}
		if assigned == "" {
			unscheduled = append(unscheduled, b.ID)
			continue
		}
		used[assigned] = true
		s.logger.Info("starting build", "build", b.ID, "builder", assigned)
		s.startLocked(b, assigned)
	}
	if len(unscheduled) > 0 {
		s.logger.Debug("builds waiting for a builder", "builds", unscheduled)
	}
	return unscheduled
}

func (s *Scheduler) startLocked(b *Build, builder string) {
	now := s.now()
	b.Builder = builder
	b.Status = StatusRunning
	if b.StartTime == nil {
		b.StartTime = &now
	}
	b.LastTime = now
	s.persistLocked()

	s.wg.Add(1)
	go s.run(b)
}

// run executes the remaining steps of b on its builder.
func (s *Scheduler) run(b *Build) {
	defer s.wg.Done()
	ctx, span := tracer.Start(s.ctx, "build.run")
	span.SetAttributes(attribute.Int("kitchen.build", b.ID), attribute.String("kitchen.builder", b.Builder))
	defer span.End()

	sess, ok := s.builders.Session(b.Builder)
	if !ok {
		s.stall(b, nil)
		return
	}

	for {
		s.mu.Lock()
		for b.NextStep < len(b.Steps) && b.Steps[b.NextStep].Status.Terminal() {
			b.NextStep++
		}
		if b.NextStep == len(b.Steps) {
			s.mu.Unlock()
			s.finish(ctx, b)
			return
		}
		step := b.Steps[b.NextStep]
		step.Status = StatusRunning
		b.LastTime = s.now()
		env := ActionEnv{BuildID: b.ID, Architecture: b.Architecture, Builder: b.Builder, Session: sess}
		s.persistLocked()
		s.mu.Unlock()

		stepCtx, stepSpan := tracer.Start(ctx, "build.step", trace.WithSpanKind(trace.SpanKindClient))
		stepSpan.SetAttributes(attribute.String("kitchen.step", step.Describe()))
		code, output, err := s.execute(stepCtx, step, env)
		if err != nil {
			stepSpan.RecordError(err)
			stepSpan.SetStatus(codes.Error, "step did not complete")
		}
		stepSpan.End()
		if err != nil && (errors.Is(err, session.ErrDisconnected) || ctx.Err() != nil || step.Command != nil) {
			s.logger.Warn("build stalled", "build", b.ID, "builder", b.Builder, "step", step.Describe(), "error", err)
			s.stall(b, step)
			return
		}
		if err != nil {
			if code == 0 {
				code = 1
			}
			output += err.Error()
		}

		passed := s.judge(b, step, code, output)

		s.mu.Lock()
		step.ExitCode = &code
		step.Output = output
		b.LastTime = s.now()
		if passed {
			step.Status = StatusSucceeded
			b.SucceededSteps++
			s.persistLocked()
			s.mu.Unlock()
			continue
		}
		step.Status = StatusFailed
		cascaded := s.cascadeLocked(b, step)
		s.logger.Warn("build step failed", "build", b.ID, "step", b.NextStep+1, "of", len(b.Steps),
			"command", step.Describe(), "exitcode", code, "optional", step.Optional, "cascaded", cascaded)
		if !step.Optional {
			b.Status = StatusFailed
			s.mu.Unlock()
			s.finish(ctx, b)
			return
		}
		s.persistLocked()
		s.mu.Unlock()
	}
}

func (s *Scheduler) execute(ctx context.Context, step *Step, env ActionEnv) (int, string, error) {
	if step.Action != nil {
		return step.Action.Handler(ctx, env)
	}
	text := step.Command.Text
	if step.Command.AppendParallelism {
		if cores := s.builders.Cores(env.Builder); cores > 0 {
			text += " -j" + strconv.Itoa(cores)
		}
	}
	res, err := env.Session.RunCommand(ctx, text)
	return res.ExitCode, res.Output, err
}

// judge applies the build's result policy. A panicking policy fails the
// step.
func (s *Scheduler) judge(b *Build, step *Step, code int, output string) (passed bool) {
	if b.handleResult == nil {
		return code == 0
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handleResult panicked", "build", b.ID, "step", step.Describe(), "panic", r)
			passed = false
		}
	}()
	return b.handleResult(step, code, output)
}

// cascadeLocked fails every not-yet-finished step that belongs to the
// failed step's node or to a node depending on it.
func (s *Scheduler) cascadeLocked(b *Build, failed *Step) int {
	if b.graph == nil || failed.Node == "" || !b.graph.HasNode(failed.Node) {
		return 0
	}
	dependants := map[string]bool{failed.Node: true}
	for _, node := range b.graph.DependantsOf(failed.Node) {
		dependants[node] = true
	}
	n := 0
	for _, step := range b.Steps {
		if step == failed || step.Status.Terminal() || !dependants[step.Node] {
			continue
		}
		step.Status = StatusFailed
		step.Output = "dependency " + failed.Node + " failed"
		n++
	}
	return n
}

func (s *Scheduler) stall(b *Build, step *Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if step != nil && step.Status == StatusRunning {
		step.Status = StatusPending
	}
	b.Status = StatusStalled
	b.LastTime = s.now()
	s.persistLocked()
}

// finish computes the final status, releases the builder, runs the
// success hook and notifies listeners.
func (s *Scheduler) finish(ctx context.Context, b *Build) {
	s.mu.Lock()
	requiredPassed := true
	allPassed := true
	for _, step := range b.Steps {
		if step.Status == StatusSucceeded {
			continue
		}
		allPassed = false
		if !step.Optional {
			requiredPassed = false
		}
	}
	switch {
	case b.Status == StatusFailed:
	case allPassed:
		b.Status = StatusSucceeded
	case requiredPassed:
		b.Status = StatusPartiallySucceeded
	default:
		b.Status = StatusFailed
	}
	b.LastTime = s.now()
	builder := b.Builder
	runSuccess := b.Status != StatusFailed && requiredPassed && b.onSuccess != nil
	onSuccess := b.onSuccess
	s.builders.Release(builder)
	s.persistLocked()
	s.evictLocked()
	snapshot := b.clone()
	listeners := append([]func(Build){}, s.onFinished...)
	s.mu.Unlock()

	s.logger.Info("build finished", "build", b.ID, "status", snapshot.Status, "builder", builder)
	if runSuccess {
		s.runSuccess(ctx, onSuccess, snapshot)
	}
	for _, fn := range listeners {
		fn(snapshot)
	}
	s.TryRunBuilds()
}

func (s *Scheduler) runSuccess(ctx context.Context, fn func(context.Context, Build), b Build) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("onSuccess panicked", "build", b.ID, "panic", r)
		}
	}()
	fn(ctx, b)
}

// Builds lists the hot set ordered by id.
func (s *Scheduler) Builds() []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Summary, 0, len(s.builds))
	for _, b := range s.sortedLocked() {
		out = append(out, b.summary())
	}
	return out
}

// Get returns a copy of build id, looking in the archive when it has
// been evicted.
func (s *Scheduler) Get(id int) (Build, error) {
	s.mu.Lock()
	b, ok := s.builds[id]
	var out Build
	if ok {
		out = b.clone()
	}
	s.mu.Unlock()
	if ok {
		return out, nil
	}
	if s.store == nil {
		return Build{}, ErrNotFound
	}
	return s.store.Archived(id)
}

// Find returns copies of the builds for which match reports true.
func (s *Scheduler) Find(match func(Summary) bool) []Build {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Build
	for _, b := range s.sortedLocked() {
		if match(b.summary()) {
			out = append(out, b.clone())
		}
	}
	return out
}

func (s *Scheduler) sortedLocked() []*Build {
	out := make([]*Build, 0, len(s.builds))
	for _, b := range s.builds {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Scheduler) persistLocked() {
	if s.store == nil {
		return
	}
	builds := make([]Build, 0, len(s.builds))
	for _, b := range s.sortedLocked() {
		builds = append(builds, b.clone())
	}
	if err := s.store.Save(builds, s.nextID); err != nil {
		s.logger.Error("persisting builds failed", "error", err)
	}
}

// evictLocked archives the least recently active finished builds once the
// hot set grows past the retention limit.
func (s *Scheduler) evictLocked() {
	excess := len(s.builds) - s.keep
	if excess <= 0 {
		return
	}
	var finished []*Build
	for _, b := range s.builds {
		if b.Status.Terminal() {
			finished = append(finished, b)
		}
	}
	sort.Slice(finished, func(i, j int) bool {
		if !finished[i].LastTime.Equal(finished[j].LastTime) {
			return finished[i].LastTime.Before(finished[j].LastTime)
		}
		return finished[i].ID < finished[j].ID
	})
	if excess > len(finished) {
		excess = len(finished)
	}
	evicted := 0
	for _, b := range finished[:excess] {
		if s.store != nil {
			if err := s.store.Archive(b.clone()); err != nil {
				s.logger.Error("archiving build failed", "build", b.ID, "error", err)
				continue
			}
		}
		delete(s.builds, b.ID)
		evicted++
	}
	if evicted == 0 {
		return
	}
	s.logger.Info("archived old builds", "count", evicted)
	s.persistLocked()
}
