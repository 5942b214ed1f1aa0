package contracts

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName             = "github.com/MarcoPoloResearchLab/pactum/internal/contracts"
	attributeContractID    = "pactum.contract_id"
	attributeCallerID      = "pactum.caller_id"
	attributeErrorCode     = "pactum.error_code"
	attributeVersionNumber = "pactum.version_number"
	attributeStatus        = "pactum.status"
	attributeDecision      = "pactum.decision"
)

func newTracer(provider trace.TracerProvider) trace.Tracer {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return provider.Tracer(tracerName)
}

func (service *Service) startSpan(ctx context.Context, operation string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return service.tracer.Start(ctx, operation, trace.WithAttributes(attributes...))
}

// finishSpan records the outcome of an operation. Service errors carry their stable code.
func finishSpan(span trace.Span, err error) {
	defer span.End()
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		span.SetAttributes(attribute.String(attributeErrorCode, serviceErr.Code()))
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
