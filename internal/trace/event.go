package trace

import "time"

// Kind is what an event marks.
type Kind uint8

const (
	KindSpanBegin Kind = iota + 1
	KindSpanEnd
	KindPoint
	KindHeartbeat
)

var kindNames = [...]string{
	KindSpanBegin: "begin",
	KindSpanEnd:   "end",
	KindPoint:     "point",
	KindHeartbeat: "heartbeat",
}

func (k Kind) String() string {
	if k == 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Scope is the granularity of an event. Coarser scopes have smaller values,
// so a level admits every scope up to its finest one.
type Scope uint8

const (
	// ScopeDriver covers whole commands and per-file stages.
	ScopeDriver Scope = iota + 1
	// ScopePass covers the phases of one obfuscation pass.
	ScopePass
	// ScopeMethod covers per-method rewriting.
	ScopeMethod
	// ScopeSite covers individual call sites.
	ScopeSite
)

var scopeNames = [...]string{
	ScopeDriver: "driver",
	ScopePass:   "pass",
	ScopeMethod: "method",
	ScopeSite:   "site",
}

func (s Scope) String() string {
	if s == 0 || int(s) >= len(scopeNames) {
		return "unknown"
	}
	return scopeNames[s]
}

// Event is one trace record. Tracers copy events they keep, so callers may
// reuse the pointer after Emit returns.
type Event struct {
	Time     time.Time
	Seq      uint64 // assigned by the tracer that stores the event
	Kind     Kind
	Scope    Scope
	SpanID   uint64
	ParentID uint64 // zero for roots
	Name     string // "batch", "file:app.dll", "rewrite", "method:Program::Main"
	Detail   string
	Extra    map[string]string
}
