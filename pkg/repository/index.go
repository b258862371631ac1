package repository

import (
	"errors"
	"os"
	"sort"
	"strings"
)

const packageExt = ".hpkg"

// Package is one built package file.
type Package struct {
	File         string
	Name         string
	Version      string
	Revision     string
	Architecture string
}

// ID is the name-version-revision triple the resolver matches against.
func (p Package) ID() string {
	return p.Name + "-" + p.Version + "-" + p.Revision
}

// ParsePackageFile splits a file name of the form
// name-version-revision-arch.hpkg.
func ParsePackageFile(file string) (Package, bool) {
	base, ok := strings.CutSuffix(file, packageExt)
	if !ok {
		return Package{}, false
	}
	parts := strings.Split(base, "-")
	if len(parts) < 4 {
		return Package{}, false
	}
	n := len(parts)
	pkg := Package{
		File:         file,
		Name:         strings.Join(parts[:n-3], "-"),
		Version:      parts[n-3],
		Revision:     parts[n-2],
		Architecture: parts[n-1],
	}
	if pkg.Name == "" || pkg.Version == "" || pkg.Revision == "" || pkg.Architecture == "" {
		return Package{}, false
	}
	return pkg, true
}

// producedBy reports whether pkg is one of the packages haikuporter emits
// for the port node at version-revision: the main package and its
// subpackages (node_devel, node_source and so on). Subpackages of the
// secondary-architecture build of the same port are excluded.
func producedBy(pkg Package, node, version, revision, secondaryArch string) bool {
	if pkg.Version != version || pkg.Revision != revision {
		return false
	}
	if pkg.Name == node {
		return true
	}
	if !strings.HasPrefix(pkg.Name, node+"_") {
		return false
	}
	if secondaryArch != "" && strings.HasPrefix(pkg.Name, node+"_"+secondaryArch) {
		return false
	}
	return true
}

// Index lists the packages stored for one architecture.
type Index struct {
	Dir      string
	Packages []Package
}

// LoadIndex reads dir. A missing directory is an empty index.
func LoadIndex(dir string) (Index, error) {
	idx := Index{Dir: dir}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return idx, nil
	}
	if err != nil {
		return idx, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if pkg, ok := ParsePackageFile(entry.Name()); ok {
			idx.Packages = append(idx.Packages, pkg)
		}
	}
	sort.Slice(idx.Packages, func(i, j int) bool { return idx.Packages[i].File < idx.Packages[j].File })
	return idx, nil
}

// Available returns the set of package ids on disk.
func (idx Index) Available() map[string]bool {
	out := make(map[string]bool, len(idx.Packages))
	for _, pkg := range idx.Packages {
		out[pkg.ID()] = true
	}
	return out
}

// PortFiles returns the files produced by the given port.
func (idx Index) PortFiles(node, version, revision, secondaryArch string) []string {
	var files []string
	for _, pkg := range idx.Packages {
		if producedBy(pkg, node, version, revision, secondaryArch) {
			files = append(files, pkg.File)
		}
	}
	return files
}
