package server

import (
	"net/http"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func (api *testAPI) awaitEndedSpan(testContext *testing.T, match func(sdktrace.ReadOnlySpan) bool) sdktrace.ReadOnlySpan {
	testContext.Helper()
	deadline := time.Now().Add(relayTimeout)
	for time.Now().Before(deadline) {
		for _, span := range api.spans.Ended() {
			if match(span) {
				return span
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	testContext.Fatalf("expected span was never ended")
	return nil
}

func serverSpanFor(route string) func(sdktrace.ReadOnlySpan) bool {
	return func(span sdktrace.ReadOnlySpan) bool {
		if span.SpanKind() != trace.SpanKindServer {
			return false
		}
		for _, attribute := range span.Attributes() {
			if attribute.Key == "http.route" && attribute.Value.AsString() == route {
				return true
			}
		}
		return false
	}
}

func TestSnapshotRequestSpanParentsServiceSpan(t *testing.T) {
	api := newTestAPI(t)
	contract := api.mustCreateContract(t, "owner", "Supply Agreement")
	api.mustSnapshot(t, contract.ContractID, "owner", "Delivery: FOB")

	request := api.awaitEndedSpan(t, serverSpanFor("/contracts/:id/snapshot"))
	operation := api.awaitEndedSpan(t, func(span sdktrace.ReadOnlySpan) bool {
		return span.Name() == "contracts.create_snapshot"
	})
	if operation.Parent().SpanID() != request.SpanContext().SpanID() {
		t.Fatalf("expected snapshot span to be a child of the request span")
	}
	if operation.SpanContext().TraceID() != request.SpanContext().TraceID() {
		t.Fatalf("expected snapshot span to share the request trace")
	}
}

func TestHealthRequestsAreNotTraced(t *testing.T) {
	api := newTestAPI(t)
	response, err := http.Get(api.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	_ = response.Body.Close()
	api.mustCreateContract(t, "owner", "Escrow Agreement")
	api.awaitEndedSpan(t, serverSpanFor("/contracts"))

	for _, span := range api.spans.Ended() {
		if span.SpanKind() == trace.SpanKindServer && span.Name() == "/healthz" {
			t.Fatalf("health check produced a span")
		}
		for _, attribute := range span.Attributes() {
			if attribute.Key == "http.route" && attribute.Value.AsString() == "/healthz" {
				t.Fatalf("health check produced a span")
			}
		}
	}
}
