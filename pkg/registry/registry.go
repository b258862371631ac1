package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haikuports/kitchen/pkg/builder"
	"github.com/haikuports/kitchen/pkg/session"
	"github.com/haikuports/kitchen/pkg/transfer"
)

// Options configures a Registry.
type Options struct {
	Logger      *slog.Logger
	Keepalive   time.Duration
	AuthTimeout time.Duration
	Transfers   *transfer.Server
	Tree        TreeConfig
}

// entry joins a builder's persistent configuration with its runtime state.
type entry struct {
	name    string
	config  builder.Config
	status  builder.Status
	info    builder.Info
	session *session.Session
}

// View is a read-only snapshot of one builder.
type View struct {
	Name   string         `json:"name"`
	Owner  string         `json:"owner"`
	Status builder.Status `json:"status"`
	builder.Info
}

// Registry holds every configured builder, its live session (if any) and
// its derived status. It is safe for concurrent use.
type Registry struct {
	logger *slog.Logger
	opts   Options

	mu          sync.RWMutex
	builders    map[string]*entry
	names       []string
	onAvailable []func(name string)
	onBroken    []func(name string)
}

// New builds a registry from the configured builders. Every builder
// starts offline.
func New(configs *builder.ConfigStore, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 30 * time.Second
	}
	opts.Tree = opts.Tree.withDefaults()

	r := &Registry{
		logger:   logger,
		opts:     opts,
		builders: make(map[string]*entry),
	}
	for _, name := range configs.Names() {
		cfg, _ := configs.Get(name)
		r.builders[name] = &entry{name: name, config: cfg, status: builder.StatusOffline}
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r
}

// OnAvailable registers fn to be called whenever a builder becomes online
// after connecting or after maintenance.
func (r *Registry) OnAvailable(fn func(name string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAvailable = append(r.onAvailable, fn)
}

// OnBroken registers fn to be called when a builder is marked broken.
func (r *Registry) OnBroken(fn func(name string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onBroken = append(r.onBroken, fn)
}

func (r *Registry) fireAvailable(name string) {
	r.mu.RLock()
	callbacks := append([]func(string){}, r.onAvailable...)
	r.mu.RUnlock()
	for _, fn := range callbacks {
		fn(name)
	}
}

func (r *Registry) fireBroken(name string) {
	r.mu.RLock()
	callbacks := append([]func(string){}, r.onBroken...)
	r.mu.RUnlock()
	for _, fn := range callbacks {
		fn(name)
	}
}

// Names returns all builder names in builder-id order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.names...)
}

// Status returns the current status of name.
func (r *Registry) Status(name string) builder.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.builders[name]
	if !ok {
		return builder.StatusOffline
	}
	return e.status
}

// SetStatus changes the status of name. Broken is sticky: once set, only
// ResetBroken can clear it. Returns the resulting status.
func (r *Registry) SetStatus(name string, status builder.Status) builder.Status {
	r.mu.Lock()
	e, ok := r.builders[name]
	if !ok {
		r.mu.Unlock()
		return builder.StatusOffline
	}
	if e.status == builder.StatusBroken {
		r.mu.Unlock()
		return builder.StatusBroken
	}
	e.status = status
	r.mu.Unlock()

	if status == builder.StatusBroken {
		r.logger.Warn("builder marked broken", "builder", name)
		r.fireBroken(name)
	}
	return status
}

// ResetBroken is the operator intervention that clears a broken builder.
// It returns to online if a session is attached, otherwise offline.
func (r *Registry) ResetBroken(name string) bool {
	r.mu.Lock()
	e, ok := r.builders[name]
	if !ok || e.status != builder.StatusBroken {
		r.mu.Unlock()
		return false
	}
	online := e.session != nil
	if online {
		e.status = builder.StatusOnline
	} else {
		e.status = builder.StatusOffline
	}
	r.mu.Unlock()

	r.logger.Info("broken status cleared by operator", "builder", name)
	if online {
		r.fireAvailable(name)
	}
	return true
}

// TryAcquire moves an online builder to busy. It reports false if the
// builder was not online.
func (r *Registry) TryAcquire(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.builders[name]
	if !ok || e.status != builder.StatusOnline || e.session == nil {
		return false
	}
	e.status = builder.StatusBusy
	return true
}

// Release returns a busy builder to online. Broken and offline builders
// are left alone.
func (r *Registry) Release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.builders[name]
	if !ok || e.status != builder.StatusBusy {
		return
	}
	if e.session == nil {
		e.status = builder.StatusOffline
		return
	}
	e.status = builder.StatusOnline
}

// Online returns the names of online builders in builder-id order.
func (r *Registry) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, name := range r.names {
		if r.builders[name].status == builder.StatusOnline {
			out = append(out, name)
		}
	}
	return out
}

// Architecture returns the primary architecture reported by the builder,
// falling back to its configured one.
func (r *Registry) Architecture(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.builders[name]
	if !ok {
		return ""
	}
	if e.info.Architecture != "" {
		return e.info.Architecture
	}
	return e.config.Architecture
}

// Cores returns the reported core count, or 0 when unknown.
func (r *Registry) Cores(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.builders[name]; ok {
		return e.info.Cores
	}
	return 0
}

// Owner returns the configured owner of name.
func (r *Registry) Owner(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.builders[name]; ok {
		return e.config.Owner
	}
	return ""
}

// Session returns the live session for name.
func (r *Registry) Session(name string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.builders[name]
	if !ok || e.session == nil {
		return nil, false
	}
	return e.session, true
}

// Snapshot returns a view of every builder in builder-id order.
func (r *Registry) Snapshot() []View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	views := make([]View, 0, len(r.names))
	for _, name := range r.names {
		e := r.builders[name]
		views = append(views, View{Name: name, Owner: e.config.Owner, Status: e.status, Info: e.info})
	}
	return views
}

func (r *Registry) updateInfo(name string, sess *session.Session, fn func(info *builder.Info)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.builders[name]; ok && e.session == sess {
		fn(&e.info)
	}
}
