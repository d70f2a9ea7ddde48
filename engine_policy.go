package authcore

import (
	"context"
	"strconv"

	"github.com/sentinelvault/authcore/internal/metrics"
)

// EnforceRiskCeiling rejects identities whose session was issued above the
// given risk score. Callers receiving [ErrRiskCeilingExceeded] should demand
// step-up rather than fail terminally.
func (e *Engine) EnforceRiskCeiling(ctx context.Context, id *Identity, ceiling int) error {
	if e == nil || id == nil {
		return ErrEngineNotReady
	}
	if id.RiskScore > ceiling {
		e.metrics.Inc(metrics.MetricGuardRejectedRisk)
		e.emitAudit(ctx, AuditEvent{
			EventType:   "guard_rejected_risk",
			PrincipalID: id.PrincipalID,
			SessionID:   id.SessionID,
			RiskScore:   id.RiskScore,
			Success:     false,
			Metadata:    map[string]string{"ceiling": strconv.Itoa(ceiling)},
		})
		return &RiskError{Score: id.RiskScore, cause: ErrRiskCeilingExceeded}
	}
	return nil
}

// EnforceStrongMethod rejects identities whose session was not established
// with a strong credential method.
func (e *Engine) EnforceStrongMethod(ctx context.Context, id *Identity) error {
	if e == nil || id == nil {
		return ErrEngineNotReady
	}
	if !id.Method.Strong() {
		e.metrics.Inc(metrics.MetricGuardRejectedStrength)
		e.emitAudit(ctx, AuditEvent{
			EventType:   "guard_rejected_strength",
			PrincipalID: id.PrincipalID,
			SessionID:   id.SessionID,
			Method:      string(id.Method),
			Success:     false,
		})
		return ErrStrongMethodRequired
	}
	return nil
}
