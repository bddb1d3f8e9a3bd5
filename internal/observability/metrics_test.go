package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordInvocationIncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(transportInvocations.WithLabelValues("EndQuiz", "ok"))
	RecordInvocation("EndQuiz", "ok", 20*time.Millisecond)
	after := testutil.ToFloat64(transportInvocations.WithLabelValues("EndQuiz", "ok"))
	if after != before+1 {
		t.Fatalf("expected counter to grow by 1, before=%v after=%v", before, after)
	}
}

func TestRecordHandlerPanicIsLabelledByEvent(t *testing.T) {
	RecordHandlerPanic("QuestionStarted")
	RecordHandlerPanic("QuestionStarted")
	if got := testutil.ToFloat64(transportHandlerPanics.WithLabelValues("QuestionStarted")); got < 2 {
		t.Fatalf("expected at least 2 panics recorded, got %v", got)
	}
}

func TestRecordCacheLookupSplitsHitsAndMisses(t *testing.T) {
	hits := testutil.ToFloat64(quizCacheLookups.WithLabelValues("memory", "hit"))
	RecordCacheLookup("memory", true)
	RecordCacheLookup("memory", false)
	if got := testutil.ToFloat64(quizCacheLookups.WithLabelValues("memory", "hit")); got != hits+1 {
		t.Fatalf("expected one more hit, got %v", got)
	}
}
