// Package portstree keeps a local haikuports checkout and a parsed cache
// of every recipe in it.
package portstree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/haikuports/kitchen/pkg/recipe"
)

const (
	DefaultURL = "https://github.com/haikuports/haikuports.git"

	recipesFile = "recipes.json"
	headFile    = "recipes-HEAD.json"
	checkout    = "haikuports"
)

var errIncremental = errors.New("incremental cache update not possible")

// Options configures a Tree.
type Options struct {
	// Dir holds the checkout and the cache files.
	Dir    string
	URL    string
	Logger *slog.Logger
}

// Summary is the per-recipe entry served to dashboards.
type Summary struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Version  string `json:"version"`
	Revision string `json:"revision"`
	Lint     *bool  `json:"lint,omitempty"`
}

// Tree is the server's view of haikuports. It is safe for concurrent use.
type Tree struct {
	logger *slog.Logger
	dir    string
	url    string
	repo   *Repository

	updateMu sync.Mutex

	mu        sync.RWMutex
	recipes   map[string]*recipe.Recipe
	head      string
	listeners []func(keys []string)
}

// Open loads the recipe cache from disk, or builds it (cloning the tree
// first if needed) when no cache exists.
func Open(ctx context.Context, opts Options) (*Tree, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	t := &Tree{
		logger:  logger,
		dir:     opts.Dir,
		url:     opts.URL,
		repo:    NewRepository(filepath.Join(opts.Dir, checkout)),
		recipes: make(map[string]*recipe.Recipe),
	}

	if err := t.loadCache(); err == nil {
		t.logger.Info("loaded recipe cache", "recipes", len(t.recipes), "head", t.head)
		return t, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		t.logger.Warn("recipe cache unreadable, rebuilding", "error", err)
	}

	if _, err := os.Stat(t.repo.Dir()); err != nil {
		if err := t.recreate(ctx); err != nil {
			return nil, err
		}
		return t, nil
	}
	if err := t.rebuild(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// OnRecipesChanged registers fn to receive the keys of recipes added or
// modified by an incremental Update.
func (t *Tree) OnRecipesChanged(fn func(keys []string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Head returns the commit the cache reflects.
func (t *Tree) Head() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.head
}

// Recipes returns every cached recipe ordered by key.
func (t *Tree) Recipes() []*recipe.Recipe {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*recipe.Recipe, 0, len(t.recipes))
	for _, r := range t.recipes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (t *Tree) Recipe(key string) (*recipe.Recipe, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.recipes[key]
	return r, ok
}

// Unlinted returns the keys of recipes whose lint state is unknown.
func (t *Tree) Unlinted() []string {
	var keys []string
	for _, r := range t.Recipes() {
		if r.Lint == nil {
			keys = append(keys, r.Key())
		}
	}
	return keys
}

// SetLint records a lint verdict. Recipes are immutable, so the entry is
// replaced with an updated copy.
func (t *Tree) SetLint(key string, ok bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, found := t.recipes[key]
	if !found {
		return false
	}
	updated := *r
	updated.Lint = &ok
	t.recipes[key] = &updated
	return true
}

// ClientRecipes returns the dashboard summary of every recipe.
func (t *Tree) ClientRecipes() []Summary {
	recipes := t.Recipes()
	out := make([]Summary, 0, len(recipes))
	for _, r := range recipes {
		out = append(out, Summary{Name: r.Name, Category: r.Category, Version: r.Version, Revision: r.Revision, Lint: r.Lint})
	}
	return out
}

// Update pulls the tree and refreshes the cache from the changed files.
// If the pull or the incremental refresh fails, the checkout and cache are
// recreated from scratch.
func (t *Tree) Update(ctx context.Context) error {
	t.updateMu.Lock()
	defer t.updateMu.Unlock()

	t.logger.Info("running git-pull")
	if _, err := t.repo.Run(ctx, "pull", "--ff-only"); err != nil {
		t.logger.Warn("git-pull failed, recreating cache", "error", err)
		return t.recreate(ctx)
	}
	head, err := t.repo.Head(ctx)
	if err != nil {
		return err
	}
	if head == t.Head() {
		t.logger.Info("git-pull finished, no changes")
		return nil
	}

	changed, err := t.incremental(ctx, head)
	if err != nil {
		t.logger.Warn("incremental cache update failed, doing full update", "error", err)
		return t.recreate(ctx)
	}
	if err := t.Save(); err != nil {
		t.logger.Warn("recipe cache could not be written", "error", err)
	}

	if len(changed) > 0 {
		t.mu.RLock()
		listeners := append([]func([]string){}, t.listeners...)
		t.mu.RUnlock()
		for _, fn := range listeners {
			fn(changed)
		}
	}
	return nil
}

func (t *Tree) incremental(ctx context.Context, head string) ([]string, error) {
	old := t.Head()
	out, err := t.repo.Run(ctx, "diff", old+"..HEAD", "--numstat", "--no-renames")
	if err != nil {
		return nil, err
	}

	var update []string
	var remove []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(strings.TrimRight(line, "\r"), "\t")
		if len(fields) != 3 || !strings.HasSuffix(fields[2], ".recipe") {
			continue
		}
		path := filepath.Join(t.repo.Dir(), filepath.FromSlash(fields[2]))
		if deletions, _ := strconv.Atoi(fields[1]); deletions == 0 {
			update = append(update, path)
			continue
		}
		if _, err := os.Stat(path); err == nil {
			update = append(update, path)
			continue
		}
		key, err := recipe.FileKey(path)
		if err != nil {
			return nil, err
		}
		if _, ok := t.Recipe(key); !ok {
			return nil, fmt.Errorf("%w: %s missing from cache", errIncremental, key)
		}
		remove = append(remove, key)
	}

	parsed := t.parseAll(update)
	t.mu.Lock()
	for _, key := range remove {
		delete(t.recipes, key)
	}
	changed := make([]string, 0, len(parsed))
	for _, r := range parsed {
		t.recipes[r.Key()] = r
		changed = append(changed, r.Key())
	}
	t.head = head
	t.mu.Unlock()

	t.logger.Info("incremental cache update complete", "updated", len(changed), "deleted", len(remove), "head", head)
	return changed, nil
}

// recreate throws away the checkout, clones it again and rebuilds the
// whole cache.
func (t *Tree) recreate(ctx context.Context) error {
	t.logger.Info("cloning haikuports", "url", t.url)
	if err := os.RemoveAll(t.repo.Dir()); err != nil {
		return fmt.Errorf("remove checkout: %w", err)
	}
	repo, err := Clone(ctx, t.url, t.repo.Dir())
	if err != nil {
		return fmt.Errorf("clone haikuports: %w", err)
	}
	t.repo = repo
	return t.rebuild(ctx)
}

func (t *Tree) rebuild(ctx context.Context) error {
	head, err := t.repo.Head(ctx)
	if err != nil {
		return err
	}
	paths, err := filepath.Glob(filepath.Join(t.repo.Dir(), "*-*", "*", "*.recipe"))
	if err != nil {
		return err
	}
	recipes := make(map[string]*recipe.Recipe, len(paths))
	for _, r := range t.parseAll(paths) {
		recipes[r.Key()] = r
	}

	t.mu.Lock()
	t.recipes = recipes
	t.head = head
	t.mu.Unlock()
	t.logger.Info("recipe cache rebuilt", "recipes", len(recipes), "head", head)
	return t.Save()
}

func (t *Tree) parseAll(paths []string) []*recipe.Recipe {
	out := make([]*recipe.Recipe, 0, len(paths))
	for _, path := range paths {
		r, err := recipe.Parse(path)
		if err != nil {
			t.logger.Warn("skipping unreadable recipe", "path", path, "error", err)
			continue
		}
		out = append(out, r)
	}
	return out
}

func (t *Tree) loadCache() error {
	raw, err := os.ReadFile(filepath.Join(t.dir, recipesFile))
	if err != nil {
		return err
	}
	rawHead, err := os.ReadFile(filepath.Join(t.dir, headFile))
	if err != nil {
		return err
	}
	recipes := make(map[string]*recipe.Recipe)
	if err := json.Unmarshal(raw, &recipes); err != nil {
		return fmt.Errorf("decode %s: %w", recipesFile, err)
	}
	var head string
	if err := json.Unmarshal(rawHead, &head); err != nil {
		return fmt.Errorf("decode %s: %w", headFile, err)
	}
	t.recipes = recipes
	t.head = head
	return nil
}

// Save writes the recipe cache and the commit it reflects.
func (t *Tree) Save() error {
	t.mu.RLock()
	recipes, err := json.Marshal(t.recipes)
	head, _ := json.Marshal(t.head)
	t.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := writeFile(filepath.Join(t.dir, recipesFile), recipes); err != nil {
		return err
	}
	return writeFile(filepath.Join(t.dir, headFile), head)
}

func writeFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
