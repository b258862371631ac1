package recipe

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

const genericRecipe = `SUMMARY="A generic port"
DESCRIPTION="Nothing here REQUIRES attention."
HOMEPAGE="http://example.org"
REVISION="1"
ARCHITECTURES="x86_gcc2 ?x86 ?x86_64"

PROVIDES="
	projectx = $portVersion
	cmd:projectx = $portVersion
	"
REQUIRES="
	haiku
	"
BUILD_REQUIRES="
	haiku_devel
	"
BUILD_PREREQUIRES="
	cmd:make
	cmd:gcc
	"

BUILD()
{
	REQUIRES="not a real variable"
	make $jobArgs
}
`

const nogcc2Recipe = `REVISION="1"
ARCHITECTURES="x86 ?x86_64 !x86_gcc2"
SECONDARY_ARCHITECTURES="x86"
PROVIDES="generic_nogcc2$secondaryArchSuffix = $portVersion"
`

const qemacsRecipe = `REVISION="1"
ARCHITECTURES="x86_gcc2 x86"
PROVIDES="
	qemacs$secondaryArchSuffix = $portVersion
	app:qemacs$secondaryArchSuffix = $portVersion
	cmd:qemacs$secondaryArchSuffix = $portVersion
	cmd:qe$secondaryArchSuffix = $portVersion
	cmd:html2png$secondaryArchSuffix = $portVersion
	"
REQUIRES="
	haiku$secondaryArchSuffix
	lib:libpng$secondaryArchSuffix
#	lib:libiconv$secondaryArchSuffix
	lib:libjpeg$secondaryArchSuffix # for the image viewer
	"
`

func writeRecipe(t *testing.T, rel, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write recipe: %v", err)
	}
	return path
}

func TestParseGeneric(t *testing.T) {
	r, err := Parse(writeRecipe(t, "dev-util/generic/generic-1.0.1.recipe", genericRecipe))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r.Name != "generic" || r.Version != "1.0.1" || r.Revision != "1" || r.Category != "dev-util" {
		t.Fatalf("unexpected identity: %+v", r)
	}
	if r.Key() != "generic-1.0.1" {
		t.Fatalf("unexpected key %s", r.Key())
	}
	checkList(t, "provides", r.Provides, []string{"projectx = $portVersion", "cmd:projectx = $portVersion"})
	checkList(t, "requires", r.Requires, []string{"haiku"})
	checkList(t, "build_requires", r.BuildRequires, []string{"haiku_devel", "cmd:make", "cmd:gcc"})
	checkList(t, "architectures", r.Architectures, []string{"x86_gcc2", "?x86", "?x86_64"})
}

func TestParseSecondaryArchitectures(t *testing.T) {
	r, err := Parse(writeRecipe(t, "misc/generic_nogcc2/generic_nogcc2-1.0.1.recipe", nogcc2Recipe))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	checkList(t, "architectures", r.Architectures, []string{"x86", "?x86_64", "!x86_gcc2"})
	checkList(t, "secondary", r.SecondaryArchitectures, []string{"x86"})

	if !r.SupportsArchitecture("x86") || !r.SupportsArchitecture("x86_64") {
		t.Fatalf("plain and untested architectures should be supported")
	}
	if r.SupportsArchitecture("x86_gcc2") {
		t.Fatalf("excluded architecture reported as supported")
	}
	if r.SupportsArchitecture("arm") {
		t.Fatalf("unlisted architecture reported as supported")
	}
	if !r.SupportsSecondary("x86") || r.SupportsSecondary("x86_gcc2") {
		t.Fatalf("unexpected secondary support")
	}
}

func TestParseSkipsComments(t *testing.T) {
	r, err := Parse(writeRecipe(t, "app-editors/qemacs/qemacs-0.3.3.recipe", qemacsRecipe))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	checkList(t, "requires", r.Requires, []string{
		"haiku$secondaryArchSuffix",
		"lib:libpng$secondaryArchSuffix",
		"lib:libjpeg$secondaryArchSuffix",
	})
	if len(r.Provides) != 5 {
		t.Fatalf("expected 5 provides, got %v", r.Provides)
	}
}

func TestParseErrors(t *testing.T) {
	if _, err := Parse(filepath.Join(t.TempDir(), "missing-1.0.recipe")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := Parse("README.md"); !errors.Is(err, ErrNotRecipe) {
		t.Fatalf("expected ErrNotRecipe, got %v", err)
	}
}

func TestLintState(t *testing.T) {
	r := &Recipe{}
	if r.LintState() != "unknown" {
		t.Fatalf("expected unknown")
	}
	ok := false
	r.Lint = &ok
	if r.LintState() != "false" {
		t.Fatalf("expected false")
	}
}

func checkList(t *testing.T, what string, got, want []string) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("%s: got %q, want %q", what, got, want)
	}
}
