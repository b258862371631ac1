// Package recipe reads haikuports .recipe files. Only the handful of
// variables the kitchen needs are extracted, and the scanner understands
// just enough shell quoting to find them.
package recipe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

var ErrNotRecipe = errors.New("not a .recipe file")

// Recipe is the parsed metadata of one port version. Recipes are keyed by
// Key and replaced wholesale when their file changes.
type Recipe struct {
	Name                   string   `json:"name"`
	Version                string   `json:"version"`
	Revision               string   `json:"revision"`
	Category               string   `json:"category"`
	Architectures          []string `json:"architectures"`
	SecondaryArchitectures []string `json:"secondaryArchitectures"`
	Provides               []string `json:"provides"`
	Requires               []string `json:"requires"`
	BuildRequires          []string `json:"build_requires"`
	Lint                   *bool    `json:"lint,omitempty"`
}

// Key identifies a recipe in the pool.
func (r *Recipe) Key() string {
	return r.Name + "-" + r.Version
}

// LintState reports "true", "false" or "unknown".
func (r *Recipe) LintState() string {
	switch {
	case r.Lint == nil:
		return "unknown"
	case *r.Lint:
		return "true"
	default:
		return "false"
	}
}

// SupportsArchitecture reports whether the recipe can be built for arch as
// a primary architecture. Entries prefixed with '?' are untested but
// allowed; entries prefixed with '!' exclude the architecture.
func (r *Recipe) SupportsArchitecture(arch string) bool {
	return supports(r.Architectures, arch)
}

// SupportsSecondary reports whether the recipe can be built as a
// secondary-architecture package for arch.
func (r *Recipe) SupportsSecondary(arch string) bool {
	return supports(r.SecondaryArchitectures, arch)
}

func supports(list []string, arch string) bool {
	ok := false
	for _, entry := range list {
		switch {
		case entry == "!"+arch:
			return false
		case entry == arch, entry == "?"+arch, entry == "any":
			ok = true
		}
	}
	return ok
}

// FileKey derives the pool key from a recipe path without reading it.
func FileKey(path string) (string, error) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".recipe") {
		return "", fmt.Errorf("%s: %w", path, ErrNotRecipe)
	}
	return strings.TrimSuffix(base, ".recipe"), nil
}

// Parse reads the recipe at path. The port name and version come from the
// file name (name-version.recipe) and the category from the grandparent
// directory (category/port/name-version.recipe).
func Parse(path string) (*Recipe, error) {
	key, err := FileKey(path)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recipe: %w", err)
	}

	r := &Recipe{Revision: "0"}
	r.Name, r.Version, _ = strings.Cut(key, "-")
	r.Category = filepath.Base(filepath.Dir(filepath.Dir(path)))
	if r.Category == "." || r.Category == string(filepath.Separator) {
		r.Category = ""
	}
	scan(string(raw), r)
	return r, nil
}

// Variables are matched by prefix so that PROVIDES_devel and friends are
// folded into the main lists.
var variables = []string{
	"REVISION",
	"SECONDARY_ARCHITECTURES",
	"ARCHITECTURES",
	"PROVIDES",
	"REQUIRES",
	"BUILD_REQUIRES",
	"BUILD_PREREQUIRES",
}

func scan(src string, r *Recipe) {
	depth := 0
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case c == '#' && (i == 0 || isSpace(src[i-1])):
			i = skipLine(src, i)
			continue
		case c == '{':
			depth++
			continue
		case c == '}':
			if depth > 0 {
				depth--
			}
			continue
		case c == '"' || c == '\'':
			// Values of variables we don't track, and strings inside
			// function bodies, must not be scanned for names.
			_, i = readQuoted(src, i)
			continue
		}
		if depth > 0 || (i > 0 && !isSpace(src[i-1])) {
			continue
		}
		for _, name := range variables {
			if !strings.HasPrefix(src[i:], name) {
				continue
			}
			start := i + len(name)
			open := strings.IndexAny(src[start:], `"'`)
			if open < 0 {
				return
			}
			value, end := readQuoted(src, start+open)
			assign(r, name, value)
			i = end
			break
		}
	}
}

// readQuoted returns the contents of the string opening at src[at] and the
// index of its closing quote. Backslash escapes the next character.
func readQuoted(src string, at int) (string, int) {
	quote := src[at]
	var b strings.Builder
	i := at + 1
	for ; i < len(src) && src[i] != quote; i++ {
		if src[i] == '\\' && quote == '"' && i+1 < len(src) {
			i++
		}
		b.WriteByte(src[i])
	}
	return b.String(), i
}

func skipLine(src string, at int) int {
	if nl := strings.IndexByte(src[at:], '\n'); nl >= 0 {
		return at + nl
	}
	return len(src)
}

func isSpace(c byte) bool {
	return unicode.IsSpace(rune(c))
}

func assign(r *Recipe, name, value string) {
	switch {
	case name == "REVISION":
		r.Revision = strings.TrimSpace(value)
	case name == "SECONDARY_ARCHITECTURES":
		r.SecondaryArchitectures = append(r.SecondaryArchitectures, strings.Fields(value)...)
	case name == "ARCHITECTURES":
		r.Architectures = append(r.Architectures, strings.Fields(value)...)
	case strings.HasPrefix(name, "PROVIDES"):
		r.Provides = append(r.Provides, entries(value)...)
	case strings.HasPrefix(name, "REQUIRES"):
		r.Requires = append(r.Requires, entries(value)...)
	case strings.HasPrefix(name, "BUILD_"):
		r.BuildRequires = append(r.BuildRequires, entries(value)...)
	}
}

// entries splits a newline separated capability list, dropping blank
// lines and shell comments.
func entries(value string) []string {
	var out []string
	for _, line := range strings.Split(value, "\n") {
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
