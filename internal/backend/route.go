package backend

import "context"

// Route sends object ops and index ops to different executors.
type Route struct {
	Objects Executor
	Indexes Executor
}

// Compile-time check to ensure Route implements Executor
var _ Executor = (*Route)(nil)

func (r *Route) Execute(ctx context.Context, op *Op) Result {
	if op.Kind.IsIndexOp() {
		return r.Indexes.Execute(ctx, op)
	}
	return r.Objects.Execute(ctx, op)
}
