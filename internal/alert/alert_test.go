package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestDispatcherLogsAndPosts(t *testing.T) {
	var got webhookBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	core, logs := observer.New(zap.InfoLevel)
	d := &Dispatcher{Service: "dcaengine", WebhookURL: srv.URL, Logger: zap.New(core), HTTP: srv.Client()}

	d.Notify(context.Background(), Alert{
		Action:      "payout_failed",
		Message:     "funds stranded",
		StrategyID:  4,
		ExecutionID: 9,
		Details:     map[string]any{"swap_tx_hash": "0xabc"},
	})

	if logs.FilterMessage("operator alert").Len() != 1 {
		t.Fatalf("expected one alert log entry")
	}
	if got.Action != "payout_failed" || got.Level != LevelCritical || got.Agent != "dcaengine" {
		t.Fatalf("body=%+v", got)
	}
	if got.Details["swap_tx_hash"] != "0xabc" || got.Details["execution_id"] != float64(9) {
		t.Fatalf("details=%v", got.Details)
	}
}

func TestDispatcherWebhookFailureIsLogged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	core, logs := observer.New(zap.InfoLevel)
	d := &Dispatcher{WebhookURL: srv.URL, Logger: zap.New(core), HTTP: srv.Client()}
	d.Notify(context.Background(), Alert{Action: "swap_unconfirmed", Message: "no receipt"})

	if logs.FilterMessage("alert webhook failed").Len() != 1 {
		t.Fatalf("expected webhook failure to be logged")
	}
}
