package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordersAndHandler(t *testing.T) {
	before := testutil.ToFloat64(strandedFunds)
	RecordStrandedFunds()
	if got := testutil.ToFloat64(strandedFunds); got != before+1 {
		t.Fatalf("stranded=%v want=%v", got, before+1)
	}

	RecordExecution("FAILED", "PAYOUT_FAILED", 3)
	if got := testutil.ToFloat64(executions.WithLabelValues("FAILED", "PAYOUT_FAILED")); got < 1 {
		t.Fatalf("executions=%v", got)
	}

	RecordScheduled("enqueued")
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `dca_scheduler_strategies_total{outcome="enqueued"}`) {
		t.Fatalf("scheduler counter missing from exposition")
	}
}
