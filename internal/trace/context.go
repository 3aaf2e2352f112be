package trace

import "context"

type ctxKey struct{}

// ctxState is what a context carries: the tracer and the innermost open span.
type ctxState struct {
	tracer Tracer
	span   SpanContext
}

func stateOf(ctx context.Context) ctxState {
	if ctx == nil {
		return ctxState{tracer: Nop}
	}
	st, ok := ctx.Value(ctxKey{}).(ctxState)
	if !ok || st.tracer == nil {
		st.tracer = Nop
	}
	return st
}

// FromContext returns the tracer attached to ctx, or Nop.
func FromContext(ctx context.Context) Tracer {
	return stateOf(ctx).tracer
}

// WithTracer attaches t to ctx, keeping any span already recorded there.
func WithTracer(ctx context.Context, t Tracer) context.Context {
	if t == nil {
		t = Nop
	}
	st := stateOf(ctx)
	st.tracer = t
	return context.WithValue(ctx, ctxKey{}, st)
}

// SpanContext identifies the span new child spans should hang under.
type SpanContext struct {
	SpanID uint64
}

// CurrentSpan returns the span recorded in ctx. The zero value means root.
func CurrentSpan(ctx context.Context) SpanContext {
	return stateOf(ctx).span
}

// WithSpanContext records sc as the parent for spans begun under ctx.
func WithSpanContext(ctx context.Context, sc SpanContext) context.Context {
	if ctx == nil {
		return nil
	}
	st := stateOf(ctx)
	st.span = sc
	return context.WithValue(ctx, ctxKey{}, st)
}

// Within is WithSpanContext for an open span.
func Within(ctx context.Context, s *Span) context.Context {
	return WithSpanContext(ctx, SpanContext{SpanID: s.ID()})
}
