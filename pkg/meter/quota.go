package meter

import (
	"context"
	"errors"
)

// Gate is the pre-flight admission check against the monthly token ceiling.
// It is a read-only, check-then-act gate: concurrent requests admitted before
// their usage lands can transiently overrun the ceiling by at most their own
// token counts (soft quota).
type Gate struct {
	store   Store
	vault   CredentialVault
	quotas  TierQuotas
	logger  Logger
	metrics Metrics
}

// NewGate creates a quota gate.
func NewGate(store Store, vault CredentialVault, quotas TierQuotas, logger Logger, metrics Metrics) *Gate {
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &Gate{store: store, vault: vault, quotas: quotas, logger: logger, metrics: metrics}
}

// Admit decides whether an account may issue an upstream call, in order:
// private credential (unmetered), enterprise tier (unmetered), then the
// tier ceiling against tokens_used_this_period. A missing billing record is
// a server fault and denies the request with ErrBillingRecordMissing.
func (g *Gate) Admit(ctx context.Context, accountID string) error {
	if g.vault != nil {
		has, err := g.vault.HasPrivateCredential(ctx, accountID)
		if err != nil {
			return err
		}
		if has {
			return nil
		}
	}

	acct, err := g.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if acct.Tier == TierEnterprise {
		return nil
	}

	rec, err := g.store.GetBillingRecord(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrBillingRecordMissing) {
			g.logger.Error("account has no billing record",
				Field{Key: "account_id", Value: accountID})
		}
		return err
	}

	ceiling := g.quotas.Ceiling(acct.Tier)
	if rec.TokensUsedThisPeriod >= ceiling {
		g.logger.Warn("quota exceeded",
			Field{Key: "account_id", Value: accountID},
			Field{Key: "tier", Value: string(acct.Tier)},
			Field{Key: "used", Value: rec.TokensUsedThisPeriod},
			Field{Key: "ceiling", Value: ceiling})
		return &QuotaExceededError{Tier: acct.Tier, Ceiling: ceiling, Used: rec.TokensUsedThisPeriod}
	}
	return nil
}
