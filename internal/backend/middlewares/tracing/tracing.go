package tracing

import (
	"context"

	"github.com/jdillenkofer/strato/internal/backend"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type tracingExecutorMiddleware struct {
	regionName    string
	tracer        trace.Tracer
	innerExecutor backend.Executor
}

// Compile-time check to ensure tracingExecutorMiddleware implements backend.Executor
var _ backend.Executor = (*tracingExecutorMiddleware)(nil)

func NewExecutorMiddleware(regionName string, innerExecutor backend.Executor) backend.Executor {
	return &tracingExecutorMiddleware{
		regionName:    regionName,
		tracer:        otel.Tracer("internal/backend/middlewares/tracing"),
		innerExecutor: innerExecutor,
	}
}

func (tem *tracingExecutorMiddleware) Execute(ctx context.Context, op *backend.Op) backend.Result {
	ctx, span := tem.tracer.Start(ctx, tem.regionName+"."+op.Kind.String())
	defer span.End()

	if op.Kind.IsIndexOp() {
		span.SetAttributes(attribute.String("index", op.Index.String()), attribute.Int("keys", len(op.Keys)))
	} else {
		span.SetAttributes(attribute.String("object", op.Object.String()), attribute.Int64("offset", op.Offset))
	}

	result := tem.innerExecutor.Execute(ctx, op)
	span.SetAttributes(attribute.String("rc", result.RC.String()))
	if !result.RC.IsSuccess() {
		span.SetStatus(codes.Error, result.RC.String())
	}
	return result
}
