// Package api serves the read-only status surface used by the dashboard
// and the package files builders download.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzip"

	"github.com/haikuports/kitchen/pkg/build"
	"github.com/haikuports/kitchen/pkg/portstree"
	"github.com/haikuports/kitchen/pkg/registry"
)

type Recipes interface {
	ClientRecipes() []portstree.Summary
}

type Builders interface {
	Snapshot() []registry.View
	ResetBroken(name string) bool
}

type Builds interface {
	Builds() []build.Summary
	Get(id int) (build.Build, error)
}

// Options configures the handler.
type Options struct {
	Recipes  Recipes
	Builders Builders
	Builds   Builds
	// PackagesDir is served under /packages/.
	PackagesDir string
	// AdminToken enables the operator routes when set.
	AdminToken string
	Logger     *slog.Logger
}

type server struct {
	opts   Options
	logger *slog.Logger
}

// builderView is the per-builder entry of /api/builders.
type builderView struct {
	Owner                 string `json:"owner"`
	Hrev                  string `json:"hrev,omitempty"`
	Cores                 int    `json:"cores,omitempty"`
	Architecture          string `json:"architecture,omitempty"`
	SecondaryArchitecture string `json:"secondaryArchitecture,omitempty"`
	Flavor                string `json:"flavor,omitempty"`
	Status                string `json:"status"`
}

// NewHandler returns the HTTP routes.
func NewHandler(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &server{opts: opts, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/recipes", srv.handleRecipes)
		r.Get("/builders", srv.handleBuilders)
		r.Get("/builds", srv.handleBuilds)
		r.Get("/build/{buildID}", srv.handleBuild)
		if opts.AdminToken != "" {
			r.With(srv.requireAdmin).Post("/builders/{name}/reset", srv.handleResetBuilder)
		}
	})
	if opts.PackagesDir != "" {
		r.Handle("/packages/*", http.StripPrefix("/packages/", http.FileServer(http.Dir(opts.PackagesDir))))
	}
	return r
}

func (s *server) handleRecipes(w http.ResponseWriter, r *http.Request) {
	s.respondCompressed(w, r, s.opts.Recipes.ClientRecipes())
}

func (s *server) handleBuilders(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]builderView)
	for _, v := range s.opts.Builders.Snapshot() {
		out[v.Name] = builderView{
			Owner:                 v.Owner,
			Hrev:                  v.Hrev,
			Cores:                 v.Cores,
			Architecture:          v.Architecture,
			SecondaryArchitecture: v.SecondaryArchitecture,
			Flavor:                string(v.Flavor),
			Status:                string(v.Status),
		}
	}
	respondJSON(w, out, http.StatusOK)
}

func (s *server) handleBuilds(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.opts.Builds.Builds(), http.StatusOK)
}

func (s *server) handleBuild(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "buildID"))
	if err != nil {
		respondError(w, http.StatusNotFound, "404 File Not Found")
		return
	}
	b, err := s.opts.Builds.Get(id)
	if errors.Is(err, build.ErrNotFound) {
		respondError(w, http.StatusNotFound, "404 File Not Found")
		return
	}
	if err != nil {
		s.logger.Error("reading build failed", "build", id, "error", err)
		respondError(w, http.StatusInternalServerError, "could not read build")
		return
	}
	s.respondCompressed(w, r, b)
}

func (s *server) handleResetBuilder(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.opts.Builders.ResetBroken(name) {
		respondError(w, http.StatusConflict, "builder is not broken")
		return
	}
	respondJSON(w, map[string]string{"status": "reset"}, http.StatusOK)
}

func (s *server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AdminToken)) != 1 {
			respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// respondCompressed gzips large documents for clients that accept it.
func (s *server) respondCompressed(w http.ResponseWriter, r *http.Request, payload any) {
	if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		respondJSON(w, payload, http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Add("Vary", "Accept-Encoding")
	w.WriteHeader(http.StatusOK)
	gz := gzip.NewWriter(w)
	if err := json.NewEncoder(gz).Encode(payload); err != nil {
		s.logger.Warn("writing response failed", "path", r.URL.Path, "error", err)
	}
	_ = gz.Close()
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, map[string]string{"error": message}, status)
}
