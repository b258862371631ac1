package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/haikuports/kitchen/pkg/build"
	"github.com/haikuports/kitchen/pkg/builder"
	"github.com/haikuports/kitchen/pkg/portstree"
	"github.com/haikuports/kitchen/pkg/registry"
)

type stubRecipes []portstree.Summary

func (s stubRecipes) ClientRecipes() []portstree.Summary { return s }

type stubBuilders struct {
	views []registry.View
	reset []string
}

func (s *stubBuilders) Snapshot() []registry.View { return s.views }

func (s *stubBuilders) ResetBroken(name string) bool {
	s.reset = append(s.reset, name)
	return name == "shredder"
}

type stubBuilds map[int]build.Build

func (s stubBuilds) Builds() []build.Summary {
	var out []build.Summary
	for id, b := range s {
		out = append(out, build.Summary{ID: id, Status: b.Status, Description: b.Description})
	}
	return out
}

func (s stubBuilds) Get(id int) (build.Build, error) {
	b, ok := s[id]
	if !ok {
		return build.Build{}, build.ErrNotFound
	}
	return b, nil
}

func newTestHandler(t *testing.T, builders *stubBuilders) http.Handler {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "x86_64", "packages"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "x86_64", "packages", "zlib-1.3-1-x86_64.hpkg"), []byte("hpkg"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return NewHandler(Options{
		Recipes:     stubRecipes{{Name: "zlib", Category: "sys-libs", Version: "1.3", Revision: "1"}},
		Builders:    builders,
		Builds:      stubBuilds{3: {ID: 3, Description: "lint unlinted recipes", Status: build.StatusFailed}},
		PackagesDir: dir,
		AdminToken:  "sesame",
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func get(h http.Handler, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRecipesAreGzipped(t *testing.T) {
	h := newTestHandler(t, &stubBuilders{})
	rec := get(h, "/api/recipes", map[string]string{"Accept-Encoding": "gzip"})
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("unexpected response %d %v", rec.Code, rec.Header())
	}
	gz, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	var recipes []portstree.Summary
	if err := json.NewDecoder(gz).Decode(&recipes); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recipes) != 1 || recipes[0].Name != "zlib" {
		t.Fatalf("unexpected recipes %+v", recipes)
	}

	plain := get(h, "/api/recipes", nil)
	if plain.Header().Get("Content-Encoding") != "" {
		t.Fatalf("clients without gzip get plain JSON")
	}
}

func TestBuildersAndBuilds(t *testing.T) {
	builders := &stubBuilders{views: []registry.View{{
		Name: "shredder", Owner: "kallisti5", Status: builder.StatusOnline,
		Info: builder.Info{Cores: 8, Hrev: "hrev49432", Architecture: "x86_64", Flavor: builder.FlavorPure},
	}}}
	h := newTestHandler(t, builders)

	var views map[string]builderView
	if err := json.NewDecoder(get(h, "/api/builders", nil).Body).Decode(&views); err != nil {
		t.Fatalf("decode builders: %v", err)
	}
	if v := views["shredder"]; v.Owner != "kallisti5" || v.Cores != 8 || v.Status != "online" || v.Flavor != "pure" {
		t.Fatalf("unexpected builder view %+v", v)
	}

	var b build.Build
	if err := json.NewDecoder(get(h, "/api/build/3", nil).Body).Decode(&b); err != nil {
		t.Fatalf("decode build: %v", err)
	}
	if b.ID != 3 || b.Status != build.StatusFailed {
		t.Fatalf("unexpected build %+v", b)
	}
	for _, path := range []string{"/api/build/99", "/api/build/abc"} {
		if rec := get(h, path, nil); rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, rec.Code)
		}
	}
}

func TestPackagesAreServed(t *testing.T) {
	h := newTestHandler(t, &stubBuilders{})
	rec := get(h, "/packages/x86_64/packages/zlib-1.3-1-x86_64.hpkg", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "hpkg" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
}

func TestResetRequiresToken(t *testing.T) {
	builders := &stubBuilders{}
	h := newTestHandler(t, builders)

	req := httptest.NewRequest(http.MethodPost, "/api/builders/shredder/reset", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized || len(builders.reset) != 0 {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/builders/shredder/reset", nil)
	req.Header.Set("Authorization", "Bearer sesame")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || len(builders.reset) != 1 {
		t.Fatalf("expected reset, got %d", rec.Code)
	}
}

func TestResetRejectsMalformedTokens(t *testing.T) {
	builders := &stubBuilders{}
	h := newTestHandler(t, builders)

	for _, header := range []string{"sesame", "Bearer sesam", "Bearer sesame2", "Basic sesame"} {
		req := httptest.NewRequest(http.MethodPost, "/api/builders/shredder/reset", nil)
		req.Header.Set("Authorization", header)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%q: expected 401, got %d", header, rec.Code)
		}
	}
	if len(builders.reset) != 0 {
		t.Fatalf("reset must not run without a valid token, got %v", builders.reset)
	}
}
