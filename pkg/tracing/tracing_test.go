package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/koprogo/greengrid/pkg/logging"
)

func TestInitTracerDisabled(t *testing.T) {
	p, err := InitTracer(Config{ServiceName: "gridd"}, logging.Nop())
	if err != nil {
		t.Fatalf("InitTracer() error = %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := p.Tracer().Start(context.Background(), "noop")
	if span.SpanContext().IsSampled() {
		t.Error("disabled provider should not sample")
	}
	span.End()
}

func TestHTTPMiddlewareRecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	p := &Provider{tp: tp, tracer: tp.Tracer("test")}

	handler := HTTPMiddleware(p, func(*http.Request) string { return "/nodes/{id}" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}))

	req := httptest.NewRequest(http.MethodGet, "/nodes/abc", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name() != "GET /nodes/{id}" {
		t.Errorf("span name = %q", spans[0].Name())
	}
	if rr.Code != http.StatusTeapot {
		t.Errorf("status = %d", rr.Code)
	}
}

func TestEndRecordsError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	End(span, errors.New("boom"))

	spans := recorder.Ended()
	if len(spans) != 1 || len(spans[0].Events()) == 0 {
		t.Fatalf("expected one span with an error event, got %+v", spans)
	}
}
