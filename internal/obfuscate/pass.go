// Package obfuscate rewrites direct calls into indirect calls through a
// per-module function-pointer table that the module initializer fills by
// resolving each callee from its original metadata token.
package obfuscate

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"

	"callobf/internal/image"
	"callobf/internal/trace"
)

// Options configures a run.
type Options struct {
	// Rand supplies random operands and the table field name. Nil means a fresh seeded source.
	Rand RandSource
}

// Report summarizes a run.
type Report struct {
	Methods   int
	CallSites int
	Rewritten int
	Slots     int
	Skipped   map[SkipReason]int

	// Field is the pointer table, nil when nothing was rewritten.
	Field *image.FieldDef
	// Initializer is the patched <Module>::.cctor, nil when nothing was rewritten.
	Initializer *image.MethodDef
	Targets     []*Target
}

func (r *Report) skip(reason SkipReason) {
	if r.Skipped == nil {
		r.Skipped = make(map[SkipReason]int)
	}
	r.Skipped[reason]++
}

// SkipSummary renders skip counts as "reason=n" in reason order.
func (r *Report) SkipSummary() string {
	out := ""
	for _, reason := range slices.Sorted(maps.Keys(r.Skipped)) {
		if out != "" {
			out += " "
		}
		out += reason.String() + "=" + strconv.Itoa(r.Skipped[reason])
	}
	return out
}

// Run rewrites every method body of mod once and patches the module
// initializer. Declaring types and runtime methods resolve through res. Any
// error leaves the module unusable; the caller must not write it.
func Run(ctx context.Context, mod *image.Module, res *image.Resolver, opts Options) (*Report, error) {
	tracer := trace.FromContext(ctx)
	root := trace.Begin(tracer, trace.ScopePass, "obfuscate", trace.CurrentSpan(ctx).SpanID)
	defer root.End("")

	pre := trace.Begin(tracer, trace.ScopePass, "preflight", root.ID())
	rt, err := lookupRuntime(res)
	if err == nil {
		err = checkInitializer(mod)
	}
	pre.End("")
	if err != nil {
		return nil, err
	}

	rnd := opts.Rand
	consts := NewConstants(rnd)
	if rnd == nil {
		rnd = consts.rnd
	}
	report := &Report{}
	table := newTable(mod, rt, consts, rnd)
	rw := &rewriter{
		filter: NewFilter(res),
		table:  table,
		consts: consts,
		sigs:   make(map[string]*image.StandAloneSig),
		tracer: tracer,
		report: report,
	}

	rewrite := trace.Begin(tracer, trace.ScopePass, "rewrite", root.ID())
	for _, md := range mod.MethodsWithBodies() {
		if err := ctx.Err(); err != nil {
			rewrite.End("canceled")
			return nil, err
		}
		span := trace.Begin(tracer, trace.ScopeMethod, "method:"+md.DeclaringType.FullName()+"::"+md.Name, rewrite.ID())
		n := rw.method(md, span.ID())
		span.WithExtra("rewritten", strconv.Itoa(n)).End("")
		report.Methods++
		report.Rewritten += n
	}
	rewrite.WithExtra("sites", strconv.Itoa(report.Rewritten)).
		WithExtra("slots", strconv.Itoa(table.Len())).
		End("")

	report.Slots = table.Len()
	report.Targets = table.Targets()
	if table.Len() == 0 {
		return report, nil
	}

	patch := trace.Begin(tracer, trace.ScopePass, "initializer", root.ID())
	cctor, err := patchInitializer(mod, table)
	patch.End("")
	if err != nil {
		return nil, err
	}
	report.Field = table.Field()
	report.Initializer = cctor
	return report, nil
}

// String renders a one-line summary.
func (r *Report) String() string {
	s := fmt.Sprintf("%d methods, %d/%d call sites indirected, %d slots", r.Methods, r.Rewritten, r.CallSites, r.Slots)
	if len(r.Skipped) > 0 {
		s += " (skipped: " + r.SkipSummary() + ")"
	}
	return s
}
