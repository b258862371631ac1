// Package resolver turns the recipe pool into a build plan for one
// architecture: the ports that have to be built, in dependency order, and
// the already-built packages their builders need to download first.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/haikuports/kitchen/pkg/depgraph"
	"github.com/haikuports/kitchen/pkg/recipe"
)

const (
	brokenNode    = "__broken"
	availableNode = "__available"
)

// architectures pairs every primary architecture with the secondary one
// hybrid builders carry.
var architectures = [][]string{
	{"x86_gcc2", "x86"},
	{"x86", "x86_gcc2"},
	{"x86_64"},
}

// PrimaryArchitectures lists every architecture the farm builds for.
func PrimaryArchitectures() []string {
	out := make([]string, 0, len(architectures))
	for _, pair := range architectures {
		out = append(out, pair[0])
	}
	return out
}

// SecondaryArchitectureFor returns the secondary architecture of arch, or
// "" if arch has none.
func SecondaryArchitectureFor(arch string) string {
	for _, pair := range architectures {
		if pair[0] == arch && len(pair) > 1 {
			return pair[1]
		}
	}
	return ""
}

// PackageID is how a built package is identified on disk.
func PackageID(node, version, revision string) string {
	return node + "-" + version + "-" + revision
}

// Input is everything one resolution pass looks at.
type Input struct {
	Recipes               []*recipe.Recipe
	Architecture          string
	SecondaryArchitecture string
	// Available holds the PackageIDs already built for Architecture.
	Available map[string]bool
}

// Port is one selected recipe as it appears in the plan.
type Port struct {
	// Node is the haikuporter target: the recipe name, suffixed with
	// _<arch> for secondary-architecture builds.
	Node      string
	Recipe    *recipe.Recipe
	Secondary bool
	Provides  []string
	Requires  []string
	Available bool

	suffix string
}

func (p *Port) PackageID() string {
	return PackageID(p.Node, p.Recipe.Version, p.Recipe.Revision)
}

// Plan is the result of a resolution pass.
type Plan struct {
	Architecture          string
	SecondaryArchitecture string
	// Order lists the ports to build; every port comes after the ports it
	// depends on.
	Order []*Port
	// Download lists built packages the build needs installed first.
	Download []*Port
	// Broken lists the ports left out because a requirement could not be
	// satisfied.
	Broken []string
	// Graph holds the dependency edges between the ports in Order.
	Graph *depgraph.Graph
}

// Empty reports whether there is nothing to build.
func (p Plan) Empty() bool {
	return len(p.Order) == 0
}

// Resolver computes build plans.
type Resolver struct {
	policy Policy
	logger *slog.Logger
}

func New(policy Policy, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{policy: policy, logger: logger}
}

// Resolve builds the plan for in. Any panic raised while processing
// malformed recipe data is returned as an error.
func (r *Resolver) Resolve(ctx context.Context, in Input) (plan Plan, err error) {
	_, span := otel.Tracer("kitchen/resolver").Start(ctx, "resolver.Resolve")
	span.SetAttributes(
		attribute.String("kitchen.arch", in.Architecture),
		attribute.String("kitchen.secondary_arch", in.SecondaryArchitecture),
		attribute.Int("kitchen.recipes", len(in.Recipes)),
	)
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("resolver panic: %v", rec)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "resolve failed")
		} else {
			span.SetAttributes(attribute.Int("kitchen.build", len(plan.Order)), attribute.Int("kitchen.download", len(plan.Download)))
		}
		span.End()
	}()

	res := &resolution{
		policy:  r.policy,
		assumed: r.policy.assumed(),
		base:    r.policy.base(),
		in:      in,
		graph:   depgraph.New(),
		ports:   make(map[string]*Port),
	}
	plan, err = res.run()
	if err != nil {
		return Plan{}, err
	}
	if len(plan.Broken) > 0 {
		r.logger.Debug("ports left out of build plan", "arch", in.Architecture, "ports", plan.Broken)
	}
	r.logger.Info("resolved build plan",
		"arch", in.Architecture, "build", len(plan.Order), "download", len(plan.Download), "broken", len(plan.Broken))
	return plan, nil
}

// resolution carries the state of a single pass.
type resolution struct {
	policy  Policy
	assumed map[string]bool
	base    map[string]bool
	in      Input

	graph     *depgraph.Graph
	ports     map[string]*Port
	order     []*Port
	downloads map[string][]string

	closures map[string]*closure
}

// closure is what installing an available package drags in: more
// available packages, and unavailable ports that must be built first.
type closure struct {
	download []string
	build    []string
	broken   bool
	done     bool
}

func (res *resolution) run() (Plan, error) {
	res.selectPorts(res.in.Architecture, false)
	if sec := res.in.SecondaryArchitecture; sec != "" {
		res.selectPorts(sec, true)
	}
	sort.Slice(res.order, func(i, j int) bool { return res.order[i].Node < res.order[j].Node })

	res.graph.AddNode(brokenNode)
	res.graph.AddNode(availableNode)
	for _, p := range res.order {
		res.graph.AddNode(p.Node)
		if p.Available {
			if err := res.graph.AddDependency(p.Node, availableNode); err != nil {
				return Plan{}, err
			}
		}
	}

	res.downloads = make(map[string][]string)
	for _, p := range res.order {
		if p.Available || res.assumed[p.Recipe.Name] {
			continue
		}
		if err := res.link(p); err != nil {
			return Plan{}, err
		}
	}

	for _, cycle := range res.graph.Cycles() {
		for _, node := range cycle {
			if err := res.graph.AddDependency(node, brokenNode); err != nil {
				return Plan{}, err
			}
		}
	}

	var broken []string
	for _, node := range res.graph.DependantsOf(brokenNode) {
		broken = append(broken, node)
		res.graph.RemoveNode(node)
	}
	res.graph.RemoveNode(brokenNode)
	for _, node := range res.graph.DirectDependantsOf(availableNode) {
		res.graph.RemoveNode(node)
	}
	res.graph.RemoveNode(availableNode)

	names, err := res.graph.OverallOrder()
	if err != nil {
		return Plan{}, err
	}
	plan := Plan{
		Architecture:          res.in.Architecture,
		SecondaryArchitecture: res.in.SecondaryArchitecture,
		Broken:                broken,
		Graph:                 res.graph,
	}
	wanted := make(map[string]bool)
	for _, name := range names {
		plan.Order = append(plan.Order, res.ports[name])
		for _, d := range res.downloads[name] {
			wanted[d] = true
			for _, extra := range res.closures[d].download {
				wanted[extra] = true
			}
		}
	}
	for _, p := range res.order {
		if wanted[p.Node] {
			plan.Download = append(plan.Download, p)
		}
	}
	return plan, nil
}

// selectPorts picks the newest recipe per name that supports arch.
func (res *resolution) selectPorts(arch string, secondary bool) {
	newest := make(map[string]*recipe.Recipe)
	for _, r := range res.in.Recipes {
		supported := r.SupportsArchitecture(arch)
		if secondary {
			supported = r.SupportsSecondary(arch)
		}
		if !supported {
			continue
		}
		if cur, ok := newest[r.Name]; !ok || VersionGreaterThan(r.Version, cur.Version) {
			newest[r.Name] = r
		}
	}

	suffix := ""
	if secondary {
		suffix = "_" + arch
	}
	for _, r := range newest {
		p := &Port{
			Node:      r.Name + suffix,
			Recipe:    r,
			Secondary: secondary,
			Provides:  normalizeAll(r.Provides, r, suffix),
			suffix:    suffix,
		}
		reqs := r.BuildRequires
		if res.policy.RuntimeRequires {
			reqs = append(append([]string(nil), r.Requires...), r.BuildRequires...)
		}
		p.Requires = normalizeAll(reqs, r, suffix)
		p.Available = res.in.Available[p.PackageID()]
		res.ports[p.Node] = p
		res.order = append(res.order, p)
	}
}

// link adds the edges for one port that has to be built.
func (res *resolution) link(p *Port) error {
	for _, req := range p.Requires {
		if res.satisfiedByEnvironment(req, p) {
			continue
		}
		provider := res.provider(req, p)
		switch {
		case provider == nil:
			if err := res.graph.AddDependency(p.Node, brokenNode); err != nil {
				return err
			}
		case provider == p:
		case provider.Available:
			res.downloads[p.Node] = appendUnique(res.downloads[p.Node], provider.Node)
			c := res.closureOf(provider)
			if c.broken {
				if err := res.graph.AddDependency(p.Node, brokenNode); err != nil {
					return err
				}
			}
			for _, dep := range c.build {
				if dep == p.Node {
					continue
				}
				if err := res.graph.AddDependency(p.Node, dep); err != nil {
					return err
				}
			}
		default:
			if err := res.graph.AddDependency(p.Node, provider.Node); err != nil {
				return err
			}
		}
	}
	return nil
}

// closureOf walks the requirements of an available package.
func (res *resolution) closureOf(p *Port) *closure {
	if res.closures == nil {
		res.closures = make(map[string]*closure)
	}
	if c, ok := res.closures[p.Node]; ok {
		return c
	}
	c := &closure{}
	res.closures[p.Node] = c
	if res.assumed[p.Recipe.Name] {
		c.done = true
		return c
	}
	for _, req := range p.Requires {
		if res.satisfiedByEnvironment(req, p) {
			continue
		}
		provider := res.provider(req, p)
		switch {
		case provider == nil:
			c.broken = true
		case provider == p:
		case provider.Available:
			c.download = appendUnique(c.download, provider.Node)
			inner := res.closureOf(provider)
			if !inner.done {
				// Still being expanded further up the stack.
				continue
			}
			c.broken = c.broken || inner.broken
			for _, d := range inner.download {
				c.download = appendUnique(c.download, d)
			}
			for _, b := range inner.build {
				c.build = appendUnique(c.build, b)
			}
		default:
			c.build = appendUnique(c.build, provider.Node)
		}
	}
	c.done = true
	return c
}

func (res *resolution) satisfiedByEnvironment(req string, p *Port) bool {
	if res.assumed[req] || res.base[req] {
		return true
	}
	if p.suffix == "" {
		return false
	}
	generic := strings.Replace(req, p.suffix, "", 1)
	return res.assumed[generic] || res.base[generic]
}

// provider finds the port providing req. A port whose node name equals the
// capability name wins; otherwise the first in node order does.
func (res *resolution) provider(req string, from *Port) *Port {
	name := req
	if _, after, ok := strings.Cut(req, ":"); ok {
		name = after
	}
	var first *Port
	for _, p := range res.order {
		if !contains(p.Provides, req) {
			continue
		}
		if p.Node == name {
			return p
		}
		if first == nil {
			first = p
		}
	}
	return first
}

var (
	secondarySuffixRe = regexp.MustCompile(`\$\{secondaryArchSuffix\}|\$secondaryArchSuffix\b`)
	portVersionRe     = regexp.MustCompile(`\$\{portVersion\}|\$portVersion\b`)
	portNameRe        = regexp.MustCompile(`\$\{portName\}|\$portName\b`)
)

// normalize substitutes recipe placeholders and keeps only the lower-cased
// capability token, dropping any version constraint.
func normalize(s string, r *recipe.Recipe, suffix string) string {
	s = secondarySuffixRe.ReplaceAllLiteralString(s, suffix)
	s = portVersionRe.ReplaceAllLiteralString(s, r.Version)
	s = portNameRe.ReplaceAllLiteralString(s, r.Name)
	s = strings.TrimSpace(s)
	if idx := strings.IndexAny(s, " \t"); idx >= 0 {
		s = s[:idx]
	}
	return strings.ToLower(s)
}

func normalizeAll(list []string, r *recipe.Recipe, suffix string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if n := normalize(s, r, suffix); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func appendUnique(list []string, s string) []string {
	if contains(list, s) {
		return list
	}
	return append(list, s)
}
