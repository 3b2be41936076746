package workflow

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/pitabwire/qualitrace/internal/observability"
	"github.com/pitabwire/qualitrace/model"
)

func installRecorder(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func spanNamed(spans tracetest.SpanStubs, name string) (tracetest.SpanStub, bool) {
	for _, s := range spans {
		if s.Name == name {
			return s, true
		}
	}
	return tracetest.SpanStub{}, false
}

func attrValue(attrs []attribute.KeyValue, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestTracing_completeStepHierarchy(t *testing.T) {
	exporter := installRecorder(t)
	e := newTestEngine(NewMemorySnapshotStore(), WithStoreDriver("sqlite"))

	ctx, root := observability.StartSpan(context.Background(), "POST /testing/session/complete")
	sess := startSession(t, e, "CB001")
	if err := sess.RecordResult("step1", "moisture", "11%"); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}
	if _, err := sess.CaptureLocation(ctx, nairobi()); err != nil {
		t.Fatalf("CaptureLocation: %v", err)
	}
	if _, err := sess.CompleteCurrentStep(ctx); err != nil {
		t.Fatalf("CompleteCurrentStep: %v", err)
	}
	root.End()

	spans := exporter.GetSpans()
	complete, ok := spanNamed(spans, "workflow.complete_step")
	if !ok {
		t.Fatal("workflow.complete_step span not recorded")
	}
	save, ok := spanNamed(spans, "snapshot.save")
	if !ok {
		t.Fatal("snapshot.save span not recorded")
	}
	capture, ok := spanNamed(spans, "workflow.capture_location")
	if !ok {
		t.Fatal("workflow.capture_location span not recorded")
	}

	rootID := root.SpanContext().SpanID()
	if complete.Parent.SpanID() != rootID || capture.Parent.SpanID() != rootID {
		t.Error("workflow spans should be children of the request span")
	}
	if save.Parent.SpanID() != complete.SpanContext.SpanID() {
		t.Error("snapshot.save should be a child of workflow.complete_step")
	}

	if v, ok := attrValue(complete.Attributes, observability.AttrStepID); !ok || v.AsString() != "step1" {
		t.Errorf("step_id = %v, want step1", v.AsString())
	}
	if v, ok := attrValue(save.Attributes, observability.AttrStoreDriver); !ok || v.AsString() != "sqlite" {
		t.Errorf("store_driver = %v, want sqlite", v.AsString())
	}
	if complete.Status.Code == codes.Error {
		t.Error("successful completion should not be marked as error")
	}
}

func TestTracing_startRecordsResume(t *testing.T) {
	exporter := installRecorder(t)
	store := NewMemorySnapshotStore()
	e := newTestEngine(store)

	if _, err := e.Start(context.Background(), "CB002", "T-1", "Amina"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	start, ok := spanNamed(exporter.GetSpans(), "workflow.start")
	if !ok {
		t.Fatal("workflow.start span not recorded")
	}
	if v, ok := attrValue(start.Attributes, observability.AttrResumed); !ok || v.AsBool() {
		t.Error("fresh batch should record resumed=false")
	}
	if v, ok := attrValue(start.Attributes, observability.AttrBatchID); !ok || v.AsString() != "CB002" {
		t.Errorf("batch_id = %v, want CB002", v.AsString())
	}
}

func TestTracing_rejectedCompletionMarksError(t *testing.T) {
	exporter := installRecorder(t)
	e := newTestEngine(NewMemorySnapshotStore())
	sess := startSession(t, e, "CB001")

	_, err := sess.CompleteCurrentStep(context.Background())
	if !model.IsCode(err, model.ErrLocationRequired) {
		t.Fatalf("err = %v, want LOCATION_REQUIRED", err)
	}

	complete, ok := spanNamed(exporter.GetSpans(), "workflow.complete_step")
	if !ok {
		t.Fatal("workflow.complete_step span not recorded")
	}
	if complete.Status.Code != codes.Error {
		t.Errorf("status = %v, want Error", complete.Status.Code)
	}
	if _, ok := spanNamed(exporter.GetSpans(), "snapshot.save"); ok {
		t.Error("rejected completion must not reach the store")
	}
}
