package meter

import "context"

// Caller identifies an inbound request for admission: the account when
// authenticated, the remote address otherwise.
type Caller struct {
	AccountID  string
	RemoteAddr string
}

// Identity returns the rate-limit key for the caller.
func (c Caller) Identity() string {
	if c.AccountID != "" {
		return AccountIdentity(c.AccountID)
	}
	return IPIdentity(c.RemoteAddr)
}

// Pipeline is the two-step admission check run on the critical path of every
// AI-proxy request: rate limiter first, then quota gate, each short-circuiting
// on denial. Enterprise accounts and accounts with a private credential skip
// the rate limiter (they do not draw on the shared provider budget).
type Pipeline struct {
	limiter *Limiter
	gate    *Gate
	store   Store
	vault   CredentialVault
	metrics Metrics
}

// NewPipeline assembles the admission pipeline.
func NewPipeline(limiter *Limiter, gate *Gate, store Store, vault CredentialVault, metrics Metrics) *Pipeline {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &Pipeline{limiter: limiter, gate: gate, store: store, vault: vault, metrics: metrics}
}

// Admit runs both checks for an AI-proxy request. The returned error is nil,
// a *RateLimitedError, a *QuotaExceededError, or an internal error.
func (p *Pipeline) Admit(ctx context.Context, caller Caller) error {
	tier := ""
	exempt := false
	if caller.AccountID != "" {
		acct, err := p.store.GetAccount(ctx, caller.AccountID)
		if err != nil {
			p.metrics.RecordAdmission(tier, "error")
			return err
		}
		tier = string(acct.Tier)
		if acct.Tier == TierEnterprise {
			exempt = true
		} else if p.vault != nil {
			has, err := p.vault.HasPrivateCredential(ctx, caller.AccountID)
			if err != nil {
				p.metrics.RecordAdmission(tier, "error")
				return err
			}
			exempt = has
		}
	}

	if !exempt {
		if err := p.limiter.Allow(ctx, caller.Identity(), ScopeAI); err != nil {
			p.metrics.RecordAdmission(tier, "rate_limited")
			return err
		}
	}

	if caller.AccountID != "" {
		if err := p.gate.Admit(ctx, caller.AccountID); err != nil {
			switch err.(type) {
			case *QuotaExceededError:
				p.metrics.RecordAdmission(tier, "quota_exceeded")
			default:
				p.metrics.RecordAdmission(tier, "error")
			}
			return err
		}
	}

	p.metrics.RecordAdmission(tier, "allowed")
	return nil
}
