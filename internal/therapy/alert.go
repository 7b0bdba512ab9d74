package therapy

import (
	"context"
	"log/slog"

	"github.com/sereneai/serene-server/internal/metrics"
)

// Alerter receives observability events for concerning signals. Emission is
// fire-and-forget: implementations must not fail the turn that triggered
// them.
type Alerter interface {
	RiskDetected(ctx context.Context, message string, riskLevel float64)
	ConcernDetected(ctx context.Context, sessionID string, concerns []string)
}

// LogAlerter emits alerts as structured log events and Prometheus counters.
type LogAlerter struct{}

// RiskDetected records a high-risk message event.
func (LogAlerter) RiskDetected(_ context.Context, message string, riskLevel float64) {
	slog.Warn("High risk level detected in chat message",
		"message", message,
		"risk_level", riskLevel,
	)
	metrics.RiskAlerts.Inc()
}

// ConcernDetected records concerning indicators found in a session analysis.
func (LogAlerter) ConcernDetected(_ context.Context, sessionID string, concerns []string) {
	slog.Warn("Concerning indicators detected in session analysis",
		"session_id", sessionID,
		"concerns", concerns,
	)
	metrics.RiskAlerts.Inc()
}
