package resolver

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy holds the fixed knowledge the resolver needs about the build
// environment.
type Policy struct {
	// AssumeSatisfied names base toolchain ports. Their own requirements
	// are not resolved, and requirements on them are skipped.
	AssumeSatisfied []string `yaml:"assume_satisfied"`
	// BaseProvides lists capabilities shipped with the base OS.
	BaseProvides []string `yaml:"base_provides"`
	// RuntimeRequires also resolves REQUIRES, not just the build
	// requirements.
	RuntimeRequires bool `yaml:"runtime_requires"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{
		AssumeSatisfied: []string{"gcc", "binutils", "libtool", "gawk", "make", "grep", "sed", "tar"},
		BaseProvides: []string{
			"haiku",
			"haiku_devel",
			"cmd:sh",
			"cmd:bash",
			"cmd:cat",
			"cmd:cp",
			"cmd:find",
			"cmd:ln",
			"cmd:mkdir",
			"cmd:rm",
			"cmd:xres",
			"cmd:mkdepend",
			"cmd:unzip",
			"cmd:zip",
			"cmd:bzip2",
			"cmd:gzip",
			"cmd:xz",
			"cmd:git",
			"cmd:perl",
			"cmd:python",
			"cmd:awk",
			"cmd:diff",
			"cmd:patch",
			"cmd:m4",
			"cmd:flex",
			"cmd:bison",
		},
	}
}

// LoadPolicy reads a YAML policy file. Lists present in the file replace
// the defaults; absent ones keep them.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()
	raw, err := os.ReadFile(path)
	if err != nil {
		return policy, fmt.Errorf("read resolver policy: %w", err)
	}
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		return policy, fmt.Errorf("parse resolver policy %s: %w", path, err)
	}
	return policy, nil
}

func (p Policy) assumed() map[string]bool {
	set := make(map[string]bool, len(p.AssumeSatisfied)*2)
	for _, name := range p.AssumeSatisfied {
		set[name] = true
		set["cmd:"+name] = true
	}
	return set
}

func (p Policy) base() map[string]bool {
	set := make(map[string]bool, len(p.BaseProvides))
	for _, c := range p.BaseProvides {
		set[c] = true
	}
	return set
}
