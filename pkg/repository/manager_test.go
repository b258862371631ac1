package repository

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/haikuports/kitchen/pkg/build"
	"github.com/haikuports/kitchen/pkg/recipe"
	"github.com/haikuports/kitchen/pkg/resolver"
	"github.com/haikuports/kitchen/pkg/session"
	"github.com/haikuports/kitchen/pkg/transfer"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeTree struct {
	recipes []*recipe.Recipe
	lint    map[string]bool
	saves   int
}

func (f *fakeTree) Recipes() []*recipe.Recipe { return f.recipes }

func (f *fakeTree) Unlinted() []string {
	var out []string
	for _, r := range f.recipes {
		if _, ok := f.lint[r.Key()]; !ok {
			out = append(out, r.Key())
		}
	}
	return out
}

func (f *fakeTree) SetLint(key string, ok bool) bool {
	if f.lint == nil {
		f.lint = make(map[string]bool)
	}
	f.lint[key] = ok
	return true
}

func (f *fakeTree) Save() error {
	f.saves++
	return nil
}

type fakeScheduler struct {
	specs    []build.Spec
	inFlight []build.Build
}

func (f *fakeScheduler) AddBuild(spec build.Spec) (int, error) {
	f.specs = append(f.specs, spec)
	return len(f.specs), nil
}

func (f *fakeScheduler) Find(match func(build.Summary) bool) []build.Build {
	var out []build.Build
	for _, b := range f.inFlight {
		if match(build.Summary{ID: b.ID, Description: b.Description, Status: b.Status}) {
			out = append(out, b)
		}
	}
	return out
}

type failingPlanner struct{}

func (failingPlanner) Resolve(context.Context, resolver.Input) (resolver.Plan, error) {
	return resolver.Plan{}, errors.New("open /srv/kitchen/secret/recipe: permission denied")
}

type recorder struct {
	mu       sync.Mutex
	messages []string
}

func (r *recorder) Notify(_ context.Context, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
	return nil
}

func port(name, version string, provides, buildRequires []string) *recipe.Recipe {
	return &recipe.Recipe{
		Name:          name,
		Version:       version,
		Revision:      "1",
		Architectures: []string{"x86_64"},
		Provides:      provides,
		BuildRequires: buildRequires,
	}
}

func touch(t *testing.T, dir string, files ...string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f), []byte(f), 0o644); err != nil {
			t.Fatalf("write %s: %v", f, err)
		}
	}
}

func newTestManager(t *testing.T, tree Tree, sched Scheduler, opts Options) *Manager {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	opts.Logger = quiet
	return NewManager(tree, sched, resolver.New(resolver.DefaultPolicy(), quiet), opts)
}

func TestParsePackageFile(t *testing.T) {
	pkg, ok := ParsePackageFile("libpng16_x86_devel-1.6.37-2-x86_gcc2.hpkg")
	if !ok {
		t.Fatalf("expected package file to parse")
	}
	want := Package{File: "libpng16_x86_devel-1.6.37-2-x86_gcc2.hpkg", Name: "libpng16_x86_devel", Version: "1.6.37", Revision: "2", Architecture: "x86_gcc2"}
	if pkg != want {
		t.Fatalf("unexpected package %+v", pkg)
	}
	for _, bad := range []string{"repo", "a-1-x86_64.hpkg", "foo-1-2-x86_64.tar"} {
		if _, ok := ParsePackageFile(bad); ok {
			t.Fatalf("%q should not parse", bad)
		}
	}
}

func TestIndexPortFiles(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir,
		"libpng-1.6-1-x86_gcc2.hpkg",
		"libpng_devel-1.6-1-x86_gcc2.hpkg",
		"libpng_x86-1.6-1-x86_gcc2.hpkg",
		"libpng_x86_devel-1.6-1-x86_gcc2.hpkg",
		"libpng-1.5-1-x86_gcc2.hpkg",
		"notes.txt",
	)
	idx, err := LoadIndex(dir)
	if err != nil {
		t.Fatalf("load index: %v", err)
	}
	if got := idx.PortFiles("libpng", "1.6", "1", "x86"); !reflect.DeepEqual(got, []string{"libpng-1.6-1-x86_gcc2.hpkg", "libpng_devel-1.6-1-x86_gcc2.hpkg"}) {
		t.Fatalf("unexpected primary files %v", got)
	}
	if got := idx.PortFiles("libpng_x86", "1.6", "1", "x86"); !reflect.DeepEqual(got, []string{"libpng_x86-1.6-1-x86_gcc2.hpkg", "libpng_x86_devel-1.6-1-x86_gcc2.hpkg"}) {
		t.Fatalf("unexpected secondary files %v", got)
	}
	if !idx.Available()["libpng-1.5-1"] || idx.Available()["libpng-1.7-1"] {
		t.Fatalf("unexpected availability %v", idx.Available())
	}
	if empty, err := LoadIndex(filepath.Join(dir, "missing")); err != nil || len(empty.Packages) != 0 {
		t.Fatalf("missing directory should be an empty index: %v", err)
	}
}

func TestBuildEverythingCreatesJob(t *testing.T) {
	tree := &fakeTree{recipes: []*recipe.Recipe{
		port("zlib", "1.3", []string{"zlib", "devel:libz"}, nil),
		port("libpng", "1.6", []string{"libpng"}, []string{"devel:libz"}),
		port("viewer", "1.0", []string{"viewer"}, []string{"libpng"}),
	}}
	sched := &fakeScheduler{}
	m := newTestManager(t, tree, sched, Options{Architectures: []string{"x86_64"}, PackageBaseURL: "https://kitchen.example/packages/"})
	touch(t, m.PackagesDir("x86_64"), "zlib-1.3-1-x86_64.hpkg", "zlib_devel-1.3-1-x86_64.hpkg")

	ids := m.BuildEverything(context.Background())
	if len(ids) != 1 || len(sched.specs) != 1 {
		t.Fatalf("expected one job, got %v", ids)
	}
	spec := sched.specs[0]
	if spec.Architecture != "x86_64" || spec.Description != "build everything (x86_64)" || spec.Graph == nil || spec.OnSuccess == nil {
		t.Fatalf("unexpected spec %+v", spec)
	}
	var texts []string
	for _, step := range spec.Steps {
		texts = append(texts, step.Describe())
	}
	want := []string{
		"mkdir -p ~/haikuports/packages && cd ~/haikuports/packages && curl -fsSL" +
			" -O https://kitchen.example/packages/x86_64/packages/zlib-1.3-1-x86_64.hpkg" +
			" -O https://kitchen.example/packages/x86_64/packages/zlib_devel-1.3-1-x86_64.hpkg",
		"haikuporter --no-dependencies libpng",
		"action: fetch libpng-1.6-1",
		"haikuporter --no-dependencies viewer",
		"action: fetch viewer-1.0-1",
	}
	if !reflect.DeepEqual(texts, want) {
		t.Fatalf("unexpected steps:\n%s", strings.Join(texts, "\n"))
	}
	if spec.Steps[0].Optional || !spec.Steps[1].Optional || !spec.Steps[1].Command.AppendParallelism || spec.Steps[2].Node != "libpng" {
		t.Fatalf("unexpected step flags %+v %+v %+v", spec.Steps[0], spec.Steps[1], spec.Steps[2])
	}

	sched.inFlight = []build.Build{{ID: 1, Description: "build everything (x86_64)", Status: build.StatusRunning}}
	if ids := m.BuildEverything(context.Background()); len(ids) != 0 {
		t.Fatalf("no second job while one is in flight, got %v", ids)
	}
}

func TestBuildEverythingSkipsWhenNothingToDo(t *testing.T) {
	tree := &fakeTree{recipes: []*recipe.Recipe{port("zlib", "1.3", []string{"zlib"}, nil)}}
	sched := &fakeScheduler{}
	m := newTestManager(t, tree, sched, Options{Architectures: []string{"x86_64"}})
	touch(t, m.PackagesDir("x86_64"), "zlib-1.3-1-x86_64.hpkg")
	if ids := m.BuildEverything(context.Background()); len(ids) != 0 || len(sched.specs) != 0 {
		t.Fatalf("expected no job, got %v", ids)
	}
}

func TestResolverFailureIsNotifiedWithoutDetail(t *testing.T) {
	notes := &recorder{}
	m := NewManager(&fakeTree{}, &fakeScheduler{}, failingPlanner{}, Options{
		Dir: t.TempDir(), Architectures: []string{"x86_64"}, Notifier: notes, Logger: quiet,
	})
	if ids := m.BuildEverything(context.Background()); len(ids) != 0 {
		t.Fatalf("expected no job")
	}
	if len(notes.messages) != 1 {
		t.Fatalf("expected one notification, got %v", notes.messages)
	}
	if strings.Contains(notes.messages[0], "/srv") || !strings.Contains(notes.messages[0], "x86_64") {
		t.Fatalf("notification should name the arch only: %q", notes.messages[0])
	}
}

type fakeSession struct {
	listing   string
	transfers map[string]string
}

func (f *fakeSession) RunCommand(context.Context, string) (session.Result, error) {
	return session.Result{Output: f.listing}, nil
}

func (f *fakeSession) TransferFile(_ context.Context, remote, local string) (transfer.Result, error) {
	if f.transfers == nil {
		f.transfers = make(map[string]string)
	}
	f.transfers[remote] = local
	return transfer.Result{Path: local}, nil
}

func TestFetchActionTransfersPortPackages(t *testing.T) {
	m := newTestManager(t, &fakeTree{}, &fakeScheduler{}, Options{})
	p := &resolver.Port{Node: "libpng", Recipe: port("libpng", "1.6", nil, nil)}
	sess := &fakeSession{listing: "/boot/home/haikuports/packages\n" +
		"libpng-1.6-1-x86_64.hpkg\nlibpng_devel-1.6-1-x86_64.hpkg\nzlib-1.3-1-x86_64.hpkg\nlibpng-1.5-1-x86_64.hpkg\n"}

	code, output, err := m.fetchAction("x86_64", "", p)(context.Background(), build.ActionEnv{Session: sess})
	if err != nil || code != 0 {
		t.Fatalf("fetch failed: %d %v", code, err)
	}
	want := map[string]string{
		"/boot/home/haikuports/packages/libpng-1.6-1-x86_64.hpkg":       filepath.Join(m.PackagesDir("x86_64"), "libpng-1.6-1-x86_64.hpkg"),
		"/boot/home/haikuports/packages/libpng_devel-1.6-1-x86_64.hpkg": filepath.Join(m.PackagesDir("x86_64"), "libpng_devel-1.6-1-x86_64.hpkg"),
	}
	if !reflect.DeepEqual(sess.transfers, want) {
		t.Fatalf("unexpected transfers %v", sess.transfers)
	}
	if !strings.Contains(output, "libpng_devel-1.6-1-x86_64.hpkg") {
		t.Fatalf("output should list fetched files: %q", output)
	}

	empty := &fakeSession{listing: "/boot/home/haikuports/packages\n"}
	if code, _, _ := m.fetchAction("x86_64", "", p)(context.Background(), build.ActionEnv{Session: empty}); code == 0 {
		t.Fatalf("fetching nothing should fail the step")
	}
}

func TestLintJob(t *testing.T) {
	tree := &fakeTree{recipes: []*recipe.Recipe{port("a", "1", nil, nil), port("b", "2", nil, nil)}}
	sched := &fakeScheduler{}
	m := newTestManager(t, tree, sched, Options{})

	if _, created := m.LintUnlinted(); !created {
		t.Fatalf("expected lint job")
	}
	spec := sched.specs[0]
	if spec.Description != LintDescription || spec.Architecture != build.ArchAny || len(spec.Steps) != 2 {
		t.Fatalf("unexpected spec %+v", spec)
	}
	if spec.Steps[0].Command.Text != "haikuporter --lint a-1" {
		t.Fatalf("unexpected command %q", spec.Steps[0].Command.Text)
	}
	if !spec.HandleResult(&spec.Steps[0], 0, "") || !spec.HandleResult(&spec.Steps[1], 1, "") {
		t.Fatalf("exit codes 0 and 1 are lint results")
	}
	if spec.HandleResult(&spec.Steps[1], 127, "command not found") {
		t.Fatalf("other exit codes fail the step")
	}
	if !tree.lint["a-1"] || tree.lint["b-2"] {
		t.Fatalf("unexpected lint results %v", tree.lint)
	}
	spec.OnSuccess(context.Background(), build.Build{})
	if tree.saves != 1 {
		t.Fatalf("lint results should be saved")
	}

	sched.inFlight = []build.Build{{ID: 1, Description: LintDescription, Status: build.StatusPending}}
	tree.lint = nil
	if id, created := m.LintUnlinted(); created || id != 1 {
		t.Fatalf("pending lint job should be reused, got %d %v", id, created)
	}
}

type fakeAssembler struct{ archs []string }

func (f *fakeAssembler) Assemble(_ context.Context, arch, _ string) error {
	f.archs = append(f.archs, arch)
	if arch == "x86" {
		return errors.New("package_repo: bad package")
	}
	return nil
}

type fakePublisher struct{ archs []string }

func (f *fakePublisher) Publish(_ context.Context, arch, _ string) error {
	f.archs = append(f.archs, arch)
	return nil
}

func TestUpdateRepository(t *testing.T) {
	asm := &fakeAssembler{}
	pub := &fakePublisher{}
	notes := &recorder{}
	m := newTestManager(t, &fakeTree{}, &fakeScheduler{}, Options{Assembler: asm, Publisher: pub, Notifier: notes})

	m.UpdateRepository(context.Background(), "x86_64")
	m.UpdateRepository(context.Background(), "x86")
	if !reflect.DeepEqual(asm.archs, []string{"x86_64", "x86"}) || !reflect.DeepEqual(pub.archs, []string{"x86_64"}) {
		t.Fatalf("unexpected calls: assembled %v published %v", asm.archs, pub.archs)
	}
	if len(notes.messages) != 1 || strings.Contains(notes.messages[0], "bad package") {
		t.Fatalf("unexpected notifications %v", notes.messages)
	}
}
