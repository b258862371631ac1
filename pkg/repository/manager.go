// Package repository decides what to build, turns build plans into jobs
// and keeps the per-architecture package repositories up to date.
package repository

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/haikuports/kitchen/pkg/build"
	"github.com/haikuports/kitchen/pkg/notify"
	"github.com/haikuports/kitchen/pkg/recipe"
	"github.com/haikuports/kitchen/pkg/resolver"
)

const (
	LintDescription = "lint unlinted recipes"
	lintCommand     = "haikuporter --lint "
	buildCommand    = "haikuporter --no-dependencies "

	// remotePackages is where haikuporter leaves built packages on a
	// builder.
	remotePackages = "~/haikuports/packages"
)

// Tree is the recipe source.
type Tree interface {
	Recipes() []*recipe.Recipe
	Unlinted() []string
	SetLint(key string, ok bool) bool
	Save() error
}

// Scheduler accepts jobs.
type Scheduler interface {
	AddBuild(spec build.Spec) (int, error)
	Find(match func(build.Summary) bool) []build.Build
}

// Planner computes build plans.
type Planner interface {
	Resolve(ctx context.Context, in resolver.Input) (resolver.Plan, error)
}

// Options configures a Manager.
type Options struct {
	// Dir holds <arch>/packages and the assembled repositories.
	Dir           string
	Architectures []string
	// PackageBaseURL is where builders download packages from; it serves
	// Dir.
	PackageBaseURL string
	Assembler      Assembler
	Publisher      Publisher
	Notifier       notify.Notifier
	Logger         *slog.Logger
}

// Manager ties the recipe tree, the resolver and the scheduler together.
type Manager struct {
	tree      Tree
	scheduler Scheduler
	planner   Planner
	opts      Options
	logger    *slog.Logger

	// repoMu serializes repository assembly per process.
	repoMu sync.Mutex
}

func NewManager(tree Tree, scheduler Scheduler, planner Planner, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.LogNotifier{Logger: logger}
	}
	return &Manager{tree: tree, scheduler: scheduler, planner: planner, opts: opts, logger: logger}
}

// PackagesDir is the local package directory of arch.
func (m *Manager) PackagesDir(arch string) string {
	return filepath.Join(m.opts.Dir, arch, "packages")
}

// DeterminePortsToBuild resolves the recipe pool for arch against the
// packages already built for it.
func (m *Manager) DeterminePortsToBuild(ctx context.Context, arch string) (resolver.Plan, Index, error) {
	idx, err := LoadIndex(m.PackagesDir(arch))
	if err != nil {
		return resolver.Plan{}, idx, fmt.Errorf("read package index for %s: %w", arch, err)
	}
	plan, err := m.planner.Resolve(ctx, resolver.Input{
		Recipes:               m.tree.Recipes(),
		Architecture:          arch,
		SecondaryArchitecture: resolver.SecondaryArchitectureFor(arch),
		Available:             idx.Available(),
	})
	if err != nil {
		m.logger.Error("dependency resolution failed", "arch", arch, "error", err)
		_ = m.opts.Notifier.Notify(ctx, fmt.Sprintf("Dependency resolution for %s failed; build scheduling for it is skipped this round. See the server log for details.", arch))
		return resolver.Plan{}, idx, err
	}
	return plan, idx, nil
}

func buildEverythingDescription(arch string) string {
	return "build everything (" + arch + ")"
}

// BuildEverything creates a build job for every configured architecture
// that has something to build and no such job in flight already.
func (m *Manager) BuildEverything(ctx context.Context) []int {
	var created []int
	for _, arch := range m.opts.Architectures {
		desc := buildEverythingDescription(arch)
		inFlight := m.scheduler.Find(func(s build.Summary) bool {
			return s.Description == desc && !s.Status.Terminal()
		})
		if len(inFlight) > 0 {
			m.logger.Info("build job already queued", "arch", arch, "build", inFlight[0].ID)
			continue
		}
		plan, idx, err := m.DeterminePortsToBuild(ctx, arch)
		if err != nil {
			continue
		}
		if plan.Empty() {
			m.logger.Info("nothing to build", "arch", arch)
			continue
		}
		id, err := m.CreateJobToBuildRecipes(plan, idx, desc)
		if err != nil {
			m.logger.Error("creating build job failed", "arch", arch, "error", err)
			continue
		}
		created = append(created, id)
	}
	return created
}

// CreateJobToBuildRecipes turns plan into a job: install the packages to
// download, then build and fetch every port in order.
func (m *Manager) CreateJobToBuildRecipes(plan resolver.Plan, idx Index, desc string) (int, error) {
	if desc == "" {
		desc = "build recipes"
	}
	arch := plan.Architecture
	var steps []build.Step
	if cmd := m.downloadCommand(plan, idx); cmd != "" {
		steps = append(steps, build.Step{Command: &build.CommandStep{Text: cmd}})
	}
	for _, port := range plan.Order {
		port := port
		steps = append(steps,
			build.Step{
				Command:  &build.CommandStep{Text: buildCommand + port.Node, AppendParallelism: true},
				Node:     port.Node,
				Optional: true,
			},
			build.Step{
				Action:   &build.ActionStep{Name: "fetch " + port.PackageID(), Handler: m.fetchAction(arch, plan.SecondaryArchitecture, port)},
				Node:     port.Node,
				Optional: true,
			},
		)
	}
	return m.scheduler.AddBuild(build.Spec{
		Description:  desc,
		Architecture: arch,
		Steps:        steps,
		Graph:        plan.Graph,
		OnSuccess: func(ctx context.Context, b build.Build) {
			m.UpdateRepository(ctx, arch)
		},
	})
}

// downloadCommand fetches every package of the ports in plan.Download
// into the builder's package directory.
func (m *Manager) downloadCommand(plan resolver.Plan, idx Index) string {
	base := strings.TrimRight(m.opts.PackageBaseURL, "/")
	var urls []string
	for _, port := range plan.Download {
		for _, file := range idx.PortFiles(port.Node, port.Recipe.Version, port.Recipe.Revision, plan.SecondaryArchitecture) {
			urls = append(urls, base+"/"+path.Join(plan.Architecture, "packages", file))
		}
	}
	if len(urls) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("mkdir -p " + remotePackages + " && cd " + remotePackages + " && curl -fsSL")
	for _, u := range urls {
		b.WriteString(" -O " + u)
	}
	return b.String()
}

// fetchAction copies the packages a port produced from the builder into
// the local package directory.
func (m *Manager) fetchAction(arch, secondaryArch string, port *resolver.Port) build.Action {
	version, revision := port.Recipe.Version, port.Recipe.Revision
	return func(ctx context.Context, env build.ActionEnv) (int, string, error) {
		res, err := env.Session.RunCommand(ctx, "cd "+remotePackages+" && pwd && ls -1")
		if err != nil {
			return res.ExitCode, res.Output, err
		}
		if res.ExitCode != 0 {
			return res.ExitCode, res.Output, nil
		}
		lines := strings.Split(strings.TrimSpace(res.Output), "\n")
		remoteDir := strings.TrimSpace(lines[0])

		var fetched []string
		for _, line := range lines[1:] {
			pkg, ok := ParsePackageFile(strings.TrimSpace(line))
			if !ok || !producedBy(pkg, port.Node, version, revision, secondaryArch) {
				continue
			}
			local := filepath.Join(m.PackagesDir(arch), pkg.File)
			if _, err := env.Session.TransferFile(ctx, remoteDir+"/"+pkg.File, local); err != nil {
				return 1, strings.Join(fetched, "\n"), err
			}
			fetched = append(fetched, pkg.File)
		}
		if len(fetched) == 0 {
			return 1, "no packages found for " + port.PackageID(), nil
		}
		m.logger.Info("fetched packages", "build", env.BuildID, "port", port.Node, "files", len(fetched))
		return 0, strings.Join(fetched, "\n"), nil
	}
}

// UpdateRepository assembles the repository of arch and publishes it
// when a publisher is configured.
func (m *Manager) UpdateRepository(ctx context.Context, arch string) {
	m.repoMu.Lock()
	defer m.repoMu.Unlock()

	archDir := filepath.Join(m.opts.Dir, arch)
	if m.opts.Assembler != nil {
		if err := m.opts.Assembler.Assemble(ctx, arch, archDir); err != nil {
			m.logger.Error("assembling repository failed", "arch", arch, "error", err)
			_ = m.opts.Notifier.Notify(ctx, fmt.Sprintf("Assembling the %s repository failed. Someone please investigate!", arch))
			return
		}
		m.logger.Info("repository assembled", "arch", arch)
	}
	if m.opts.Publisher != nil {
		if err := m.opts.Publisher.Publish(ctx, arch, archDir); err != nil {
			m.logger.Error("publishing repository failed", "arch", arch, "error", err)
			_ = m.opts.Notifier.Notify(ctx, fmt.Sprintf("Publishing the %s repository failed.", arch))
			return
		}
		m.logger.Info("repository published", "arch", arch)
	}
}

// CreateJobToLintRecipes lints keys on any builder. Exit code 0 marks a
// recipe clean and 1 marks it failing; anything else fails the step.
func (m *Manager) CreateJobToLintRecipes(keys []string, desc string) (int, error) {
	if desc == "" {
		desc = LintDescription
	}
	steps := make([]build.Step, 0, len(keys))
	for _, key := range keys {
		steps = append(steps, build.Step{Command: &build.CommandStep{Text: lintCommand + key}})
	}
	return m.scheduler.AddBuild(build.Spec{
		Description:  desc,
		Architecture: build.ArchAny,
		Steps:        steps,
		HandleResult: func(step *build.Step, exitCode int, _ string) bool {
			if exitCode != 0 && exitCode != 1 {
				return false
			}
			key := strings.TrimPrefix(step.Command.Text, lintCommand)
			m.tree.SetLint(key, exitCode == 0)
			return true
		},
		OnSuccess: func(context.Context, build.Build) {
			if err := m.tree.Save(); err != nil {
				m.logger.Error("saving lint results failed", "error", err)
			}
		},
	})
}

// LintUnlinted queues a lint job for every recipe without a lint result,
// unless one is already pending.
func (m *Manager) LintUnlinted() (int, bool) {
	pending := m.scheduler.Find(func(s build.Summary) bool {
		return s.Description == LintDescription && s.Status == build.StatusPending
	})
	if len(pending) > 0 {
		return pending[0].ID, false
	}
	keys := m.tree.Unlinted()
	if len(keys) == 0 {
		return 0, false
	}
	id, err := m.CreateJobToLintRecipes(keys, "")
	if err != nil {
		m.logger.Error("creating lint job failed", "error", err)
		return 0, false
	}
	return id, true
}
