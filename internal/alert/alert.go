package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"dcaengine/internal/config"
)

const (
	LevelWarn     = "warn"
	LevelCritical = "critical"
)

// Alert is an operator-facing condition that needs a human, such as funds
// stranded in the custodial wallet after a failed payout.
type Alert struct {
	Action      string         `json:"action"`
	Level       string         `json:"level"`
	Message     string         `json:"message"`
	StrategyID  uint64         `json:"strategy_id,omitempty"`
	ExecutionID uint64         `json:"execution_id,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	At          time.Time      `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, a Alert)
}

// Dispatcher always logs the alert and, when a webhook is configured, posts it
// there as well. Delivery failures are logged, never returned.
type Dispatcher struct {
	Service    string
	WebhookURL string
	APIKey     string
	Logger     *zap.Logger
	HTTP       *http.Client
}

func NewDispatcher(cfg config.AlertConfig, logger *zap.Logger) *Dispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		Service:    cfg.Service,
		WebhookURL: strings.TrimSpace(cfg.WebhookURL),
		APIKey:     strings.TrimSpace(cfg.APIKey),
		Logger:     logger,
		HTTP:       &http.Client{Timeout: timeout},
	}
}

func (d *Dispatcher) Notify(ctx context.Context, a Alert) {
	if d == nil {
		return
	}
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	if a.Level == "" {
		a.Level = LevelCritical
	}
	if d.Logger != nil {
		d.Logger.Error("operator alert",
			zap.String("action", a.Action),
			zap.String("level", a.Level),
			zap.String("message", a.Message),
			zap.Uint64("strategy_id", a.StrategyID),
			zap.Uint64("execution_id", a.ExecutionID),
			zap.Any("details", a.Details),
		)
	}
	if d.WebhookURL == "" {
		return
	}
	// Deliver even if the caller's context is already cancelled.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.post(sendCtx, a); err != nil && d.Logger != nil {
		d.Logger.Warn("alert webhook failed", zap.String("action", a.Action), zap.Error(err))
	}
}

type webhookBody struct {
	Agent   string         `json:"agent"`
	Action  string         `json:"action"`
	Level   string         `json:"level"`
	Details map[string]any `json:"details"`
}

func (d *Dispatcher) post(ctx context.Context, a Alert) error {
	details := map[string]any{
		"message": a.Message,
		"at":      a.At.Format(time.RFC3339),
	}
	if a.StrategyID > 0 {
		details["strategy_id"] = a.StrategyID
	}
	if a.ExecutionID > 0 {
		details["execution_id"] = a.ExecutionID
	}
	for k, v := range a.Details {
		details[k] = v
	}
	b, err := json.Marshal(webhookBody{Agent: d.Service, Action: a.Action, Level: a.Level, Details: details})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.APIKey)
	}
	resp, err := d.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bb, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return fmt.Errorf("alert webhook http %d: %s", resp.StatusCode, strings.TrimSpace(string(bb)))
	}
	return nil
}

func (d *Dispatcher) httpClient() *http.Client {
	if d.HTTP != nil {
		return d.HTTP
	}
	return &http.Client{Timeout: 10 * time.Second}
}

var _ Notifier = (*Dispatcher)(nil)
