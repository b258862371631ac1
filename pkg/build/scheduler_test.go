package build

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

	"github.com/haikuports/kitchen/pkg/depgraph"
	"github.com/haikuports/kitchen/pkg/session"
	"github.com/haikuports/kitchen/pkg/transfer"
)

type fakeSession struct {
	mu       sync.Mutex
	commands []string
	handler  func(cmd string) (session.Result, error)
}

func (f *fakeSession) RunCommand(_ context.Context, cmd string) (session.Result, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	handler := f.handler
	f.mu.Unlock()
	if handler == nil {
		return session.Result{ExitCode: 0, Output: "ok"}, nil
	}
	return handler(cmd)
}

func (f *fakeSession) TransferFile(context.Context, string, string) (transfer.Result, error) {
	return transfer.Result{}, nil
}

func (f *fakeSession) ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

type fakeBuilder struct {
	arch   string
	cores  int
	status string
	sess   *fakeSession
}

type fakeBuilders struct {
	mu    sync.Mutex
	names []string
	all   map[string]*fakeBuilder
}

func newFakeBuilders() *fakeBuilders {
	return &fakeBuilders{all: make(map[string]*fakeBuilder)}
}

func (f *fakeBuilders) add(name, arch string) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess := &fakeSession{}
	f.names = append(f.names, name)
	f.all[name] = &fakeBuilder{arch: arch, cores: 4, status: "online", sess: sess}
	return sess
}

func (f *fakeBuilders) setStatus(name, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.all[name].status = status
}

func (f *fakeBuilders) statusOf(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.all[name].status
}

func (f *fakeBuilders) Online() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, name := range f.names {
		if f.all[name].status == "online" {
			out = append(out, name)
		}
	}
	return out
}

func (f *fakeBuilders) Architecture(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.all[name].arch
}

func (f *fakeBuilders) Cores(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.all[name].cores
}

func (f *fakeBuilders) TryAcquire(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.all[name]
	if b.status != "online" {
		return false
	}
	b.status = "busy"
	return true
}

func (f *fakeBuilders) Release(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b := f.all[name]; b.status == "busy" {
		b.status = "online"
	}
}

func (f *fakeBuilders) Session(name string) (Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.all[name]
	if !ok || b.status == "offline" {
		return nil, false
	}
	return b.sess, true
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestScheduler(t *testing.T, builders Builders, opts Options) (*Scheduler, chan Build) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = (&clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}).Now
	}
	s := NewScheduler(builders, opts)
	finished := make(chan Build, 16)
	s.OnFinished(func(b Build) { finished <- b })
	t.Cleanup(s.Close)
	return s, finished
}

func commands(texts ...string) []Step {
	steps := make([]Step, len(texts))
	for i, text := range texts {
		steps[i] = Step{Command: &CommandStep{Text: text}}
	}
	return steps
}

func awaitFinished(t *testing.T, ch chan Build) Build {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for build to finish")
	}
	return Build{}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestBuildRunsStepsInOrder(t *testing.T) {
	builders := newFakeBuilders()
	sess := builders.add("shredder", "x86_64")
	s, finished := newTestScheduler(t, builders, Options{})

	steps := commands("echo one", "make")
	steps[1].Command.AppendParallelism = true
	id, err := s.AddBuild(Spec{Description: "two steps", Steps: steps})
	if err != nil {
		t.Fatalf("add build: %v", err)
	}
	b := awaitFinished(t, finished)
	if b.ID != id || b.Status != StatusSucceeded || b.SucceededSteps != 2 {
		t.Fatalf("unexpected build %+v", b)
	}
	if got := sess.ran(); !reflect.DeepEqual(got, []string{"echo one", "make -j4"}) {
		t.Fatalf("unexpected commands %v", got)
	}
	if b.Builder != "shredder" || b.StartTime == nil {
		t.Fatalf("builder and start time should be recorded: %+v", b)
	}
	if builders.statusOf("shredder") != "online" {
		t.Fatalf("builder should be released")
	}
}

func TestFailedStepFailsBuild(t *testing.T) {
	builders := newFakeBuilders()
	sess := builders.add("shredder", "x86_64")
	sess.handler = func(cmd string) (session.Result, error) {
		if cmd == "false" {
			return session.Result{ExitCode: 1, Output: "nope"}, nil
		}
		return session.Result{}, nil
	}
	s, finished := newTestScheduler(t, builders, Options{})

	if _, err := s.AddBuild(Spec{Steps: commands("true", "false", "true")}); err != nil {
		t.Fatalf("add build: %v", err)
	}
	b := awaitFinished(t, finished)
	if b.Status != StatusFailed || b.NextStep != 1 {
		t.Fatalf("unexpected build %+v", b)
	}
	if b.Steps[1].Status != StatusFailed || *b.Steps[1].ExitCode != 1 || b.Steps[1].Output != "nope" {
		t.Fatalf("unexpected failed step %+v", b.Steps[1])
	}
	if b.Steps[2].Status != StatusPending {
		t.Fatalf("third step should not run, got %s", b.Steps[2].Status)
	}
	if got := sess.ran(); len(got) != 2 {
		t.Fatalf("expected two commands, got %v", got)
	}
}

func TestOptionalFailureCascadesToDependants(t *testing.T) {
	builders := newFakeBuilders()
	sess := builders.add("shredder", "x86_64")
	sess.handler = func(cmd string) (session.Result, error) {
		if cmd == "build a" {
			return session.Result{ExitCode: 2}, nil
		}
		return session.Result{}, nil
	}

	graph := depgraph.New()
	for _, n := range []string{"a", "b", "c"} {
		graph.AddNode(n)
	}
	if err := graph.AddDependency("b", "a"); err != nil {
		t.Fatalf("add dependency: %v", err)
	}
	steps := []Step{
		{Command: &CommandStep{Text: "prepare"}},
		{Command: &CommandStep{Text: "build a"}, Node: "a", Optional: true},
		{Command: &CommandStep{Text: "build b"}, Node: "b", Optional: true},
		{Command: &CommandStep{Text: "build c"}, Node: "c", Optional: true},
	}

	var successes int
	var mu sync.Mutex
	s, finished := newTestScheduler(t, builders, Options{})
	_, err := s.AddBuild(Spec{
		Steps: steps,
		Graph: graph,
		OnSuccess: func(context.Context, Build) {
			mu.Lock()
			successes++
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("add build: %v", err)
	}
	b := awaitFinished(t, finished)
	if b.Status != StatusPartiallySucceeded {
		t.Fatalf("expected partially-succeeded, got %s", b.Status)
	}
	if b.Steps[2].Status != StatusFailed || b.Steps[2].ExitCode != nil {
		t.Fatalf("dependant step should fail without running: %+v", b.Steps[2])
	}
	if b.Steps[3].Status != StatusSucceeded {
		t.Fatalf("independent step should run: %+v", b.Steps[3])
	}
	if got := sess.ran(); !reflect.DeepEqual(got, []string{"prepare", "build a", "build c"}) {
		t.Fatalf("unexpected commands %v", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if successes != 1 {
		t.Fatalf("onSuccess should run once, ran %d times", successes)
	}
}

func TestDisconnectStallsAndResumes(t *testing.T) {
	builders := newFakeBuilders()
	sess := builders.add("shredder", "x86_64")
	var once sync.Once
	sess.handler = func(cmd string) (session.Result, error) {
		if cmd == "step two" {
			var err error
			once.Do(func() { err = session.ErrDisconnected })
			if err != nil {
				return session.Disconnected(), err
			}
		}
		return session.Result{}, nil
	}
	s, finished := newTestScheduler(t, builders, Options{})

	id, err := s.AddBuild(Spec{Steps: commands("step one", "step two", "step three")})
	if err != nil {
		t.Fatalf("add build: %v", err)
	}
	waitFor(t, func() bool {
		b, _ := s.Get(id)
		return b.Status == StatusStalled
	})
	b, _ := s.Get(id)
	if b.NextStep != 1 || b.Steps[1].Status != StatusPending || b.Builder != "shredder" {
		t.Fatalf("unexpected stalled build %+v", b)
	}

	// The registry drops the builder to offline on disconnect and back to
	// online after it reconnects.
	builders.setStatus("shredder", "offline")
	if pending := s.TryRunBuilds(); len(pending) != 0 {
		t.Fatalf("stalled builds are not pending: %v", pending)
	}
	builders.setStatus("shredder", "online")
	s.TryRunBuilds()

	b = awaitFinished(t, finished)
	if b.Status != StatusSucceeded {
		t.Fatalf("expected resumed build to succeed, got %s", b.Status)
	}
	want := []string{"step one", "step two", "step two", "step three"}
	if got := sess.ran(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected commands %v", got)
	}
}

func TestAddBuildValidatesSteps(t *testing.T) {
	builders := newFakeBuilders()
	s, _ := newTestScheduler(t, builders, Options{})
	if _, err := s.AddBuild(Spec{Description: "empty"}); !errors.Is(err, ErrNoSteps) {
		t.Fatalf("expected ErrNoSteps, got %v", err)
	}
	bad := Step{Command: &CommandStep{Text: "x"}, Action: &ActionStep{Name: "y", Handler: func(context.Context, ActionEnv) (int, string, error) { return 0, "", nil }}}
	if _, err := s.AddBuild(Spec{Steps: []Step{bad}}); err == nil {
		t.Fatalf("expected error for ambiguous step")
	}
	if len(s.Builds()) != 0 {
		t.Fatalf("rejected builds must not be recorded")
	}
}

func TestArchitectureMatching(t *testing.T) {
	builders := newFakeBuilders()
	builders.add("modern", "x86_64")
	s, finished := newTestScheduler(t, builders, Options{})

	gcc2, err := s.AddBuild(Spec{Architecture: "x86_gcc2", Steps: commands("true")})
	if err != nil {
		t.Fatalf("add build: %v", err)
	}
	if _, err := s.AddBuild(Spec{Steps: commands("true")}); err != nil {
		t.Fatalf("add build: %v", err)
	}
	b := awaitFinished(t, finished)
	if b.Architecture != ArchAny || b.Status != StatusSucceeded {
		t.Fatalf("unexpected build %+v", b)
	}
	waitFor(t, func() bool { return builders.statusOf("modern") == "online" })
	if pending := s.TryRunBuilds(); !reflect.DeepEqual(pending, []int{gcc2}) {
		t.Fatalf("gcc2 build should stay pending, got %v", pending)
	}

	builders.add("legacy", "x86_gcc2")
	s.TryRunBuilds()
	b = awaitFinished(t, finished)
	if b.ID != gcc2 || b.Builder != "legacy" {
		t.Fatalf("unexpected build %+v", b)
	}
}

func TestActionSteps(t *testing.T) {
	builders := newFakeBuilders()
	builders.add("shredder", "x86_64")
	s, finished := newTestScheduler(t, builders, Options{})

	var seen ActionEnv
	fetch := func(_ context.Context, env ActionEnv) (int, string, error) {
		seen = env
		return 0, "fetched", nil
	}
	broken := func(context.Context, ActionEnv) (int, string, error) {
		return 0, "", errors.New("disk full")
	}
	id, _ := s.AddBuild(Spec{Architecture: "x86_64", Steps: []Step{
		{Action: &ActionStep{Name: "fetch", Handler: fetch}},
		{Action: &ActionStep{Name: "store", Handler: broken}},
	}})
	b := awaitFinished(t, finished)
	if seen.BuildID != id || seen.Builder != "shredder" || seen.Architecture != "x86_64" || seen.Session == nil {
		t.Fatalf("unexpected action env %+v", seen)
	}
	if b.Status != StatusFailed || !strings.Contains(b.Steps[1].Output, "disk full") || *b.Steps[1].ExitCode != 1 {
		t.Fatalf("action error should fail the step: %+v", b.Steps[1])
	}
}

func TestHandleResultPanicFailsStep(t *testing.T) {
	builders := newFakeBuilders()
	builders.add("shredder", "x86_64")
	s, finished := newTestScheduler(t, builders, Options{})
	_, err := s.AddBuild(Spec{
		Steps:        commands("true"),
		HandleResult: func(*Step, int, string) bool { panic("boom") },
	})
	if err != nil {
		t.Fatalf("add build: %v", err)
	}
	if b := awaitFinished(t, finished); b.Status != StatusFailed {
		t.Fatalf("expected failed build, got %s", b.Status)
	}
}

func TestRetentionArchivesOldestBuilds(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	builders := newFakeBuilders()
	builders.add("shredder", "x86_64")
	s, finished := newTestScheduler(t, builders, Options{Store: store, Retention: 2})

	for i := 0; i < 3; i++ {
		if _, err := s.AddBuild(Spec{Description: "job", Steps: commands("true")}); err != nil {
			t.Fatalf("add build: %v", err)
		}
		awaitFinished(t, finished)
		waitFor(t, func() bool { return builders.statusOf("shredder") == "online" })
	}

	summaries := s.Builds()
	if len(summaries) != 2 || summaries[0].ID != 2 || summaries[1].ID != 3 {
		t.Fatalf("unexpected hot set %+v", summaries)
	}
	old, err := s.Get(1)
	if err != nil {
		t.Fatalf("archived build should still be readable: %v", err)
	}
	if old.Status != StatusSucceeded || len(old.Steps) != 1 {
		t.Fatalf("unexpected archived build %+v", old)
	}
	if _, err := s.Get(42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// stubbornStore refuses to archive one build.
type stubbornStore struct {
	*FileStore
	refuse int
}

func (s stubbornStore) Archive(b Build) error {
	if b.ID == s.refuse {
		return errors.New("disk full")
	}
	return s.FileStore.Archive(b)
}

func TestRetentionKeepsBuildsThatFailToArchive(t *testing.T) {
	files, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	logs := &lockedBuffer{}
	builders := newFakeBuilders()
	builders.add("shredder", "x86_64")
	s, finished := newTestScheduler(t, builders, Options{
		Store:     stubbornStore{FileStore: files, refuse: 1},
		Retention: 1,
		Logger:    slog.New(slog.NewTextHandler(logs, nil)),
	})

	for i := 0; i < 3; i++ {
		if _, err := s.AddBuild(Spec{Description: "job", Steps: commands("true")}); err != nil {
			t.Fatalf("add build: %v", err)
		}
		awaitFinished(t, finished)
		waitFor(t, func() bool { return builders.statusOf("shredder") == "online" })
	}

	summaries := s.Builds()
	if len(summaries) != 2 || summaries[0].ID != 1 || summaries[1].ID != 3 {
		t.Fatalf("build 1 should stay in the hot set, got %+v", summaries)
	}
	out := logs.String()
	if strings.Count(out, "archived old builds") != 1 || !strings.Contains(out, `msg="archived old builds" count=1`) {
		t.Fatalf("eviction count should cover archived builds only:\n%s", out)
	}
	if _, err := files.Archived(2); err != nil {
		t.Fatalf("build 2 should be archived: %v", err)
	}
}

func TestLoadDiscardsUnfinishedBuilds(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	code := 0
	done := Build{ID: 1, Status: StatusSucceeded, Steps: []*Step{{Command: &CommandStep{Text: "true"}, Status: StatusSucceeded, ExitCode: &code}}}
	running := Build{ID: 4, Status: StatusRunning, Steps: []*Step{{Command: &CommandStep{Text: "sleep"}, Status: StatusRunning}}}
	if err := store.Save([]Build{done, running}, 3); err != nil {
		t.Fatalf("save: %v", err)
	}

	s, _ := newTestScheduler(t, newFakeBuilders(), Options{Store: store})
	if err := s.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	summaries := s.Builds()
	if len(summaries) != 1 || summaries[0].ID != 1 {
		t.Fatalf("unexpected builds after load %+v", summaries)
	}
	id, err := s.AddBuild(Spec{Steps: commands("true")})
	if err != nil {
		t.Fatalf("add build: %v", err)
	}
	if id != 5 {
		t.Fatalf("ids must not be reused, got %d", id)
	}

	builds, _, err := store.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	for _, b := range builds {
		if b.ID == 4 {
			t.Fatalf("discarded build should not be persisted")
		}
	}
}
