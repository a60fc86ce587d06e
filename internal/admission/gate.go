// Package admission decides whether a request may reach the job publisher. It
// runs the per-IP rate limit first and the access-ledger check second.
package admission

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/contentgen-pipeline/internal/access"
	"github.com/JakeFAU/contentgen-pipeline/internal/metrics"
	"github.com/JakeFAU/contentgen-pipeline/internal/pipeline"
	"github.com/JakeFAU/contentgen-pipeline/internal/policy/ratelimit"
)

// Rejection reasons returned in ForbiddenError.
const (
	ReasonNotRequested = "access not requested; submit an access request first"
	ReasonPending      = "waiting approval"
)

// Options configures a Gate.
type Options struct {
	Ledger  access.Ledger
	Limiter ratelimit.Limiter
	Rules   ratelimit.Rules
	Logger  *zap.Logger
	// Pick chooses a blacklist phrase; defaults to a uniform random pick.
	Pick func(phrases []string) string
	// WarnEvery throttles fail-open warnings. Defaults to one per 30s.
	WarnEvery time.Duration
}

// Gate applies rate limits and the IP access check.
type Gate struct {
	ledger  access.Ledger
	limiter ratelimit.Limiter
	rules   ratelimit.Rules
	logger  *zap.Logger
	pick    func([]string) string
	warn    *rate.Sometimes
}

// New validates opts and returns a Gate.
func New(opts Options) (*Gate, error) {
	if opts.Ledger == nil {
		return nil, fmt.Errorf("access ledger is required")
	}
	if opts.Limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if err := opts.Rules.Validate(); err != nil {
		return nil, fmt.Errorf("rate limit rules: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Pick == nil {
		opts.Pick = pickRandom
	}
	if opts.WarnEvery <= 0 {
		opts.WarnEvery = 30 * time.Second
	}
	return &Gate{
		ledger:  opts.Ledger,
		limiter: opts.Limiter,
		rules:   opts.Rules,
		logger:  opts.Logger,
		pick:    opts.Pick,
		warn:    &rate.Sometimes{First: 1, Interval: opts.WarnEvery},
	}, nil
}

// Rules returns the configured rate limits.
func (g *Gate) Rules() ratelimit.Rules { return g.rules }

// CheckRate counts one request for ip under rule. Over-limit requests return a
// *pipeline.RateLimitedError. The decision is returned in both cases so callers
// can emit rate-limit headers.
func (g *Gate) CheckRate(ctx context.Context, rule ratelimit.Rule, ip string) (ratelimit.Decision, error) {
	decision, err := g.limiter.Allow(ctx, rule, ip)
	if err != nil {
		g.failOpen("rate limiter unavailable, admitting request", ip, err)
		return ratelimit.Decision{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit}, nil
	}
	if !decision.Allowed {
		metrics.ObserveAdmission("rate_limited")
		return decision, &pipeline.RateLimitedError{
			Rule:       rule.Name,
			Limit:      rule.Limit,
			RetryAfter: decision.ResetAfter,
		}
	}
	return decision, nil
}

// CheckAccess applies the ledger state for ip. Only whitelisted IPs pass;
// ledger errors other than not-found admit the request.
func (g *Gate) CheckAccess(ctx context.Context, ip string) error {
	entry, err := g.ledger.Lookup(ctx, ip)
	switch {
	case errors.Is(err, access.ErrNotFound):
		metrics.ObserveAdmission("unknown")
		return &pipeline.ForbiddenError{Reason: ReasonNotRequested}
	case err != nil:
		g.failOpen("access ledger unavailable, admitting request", ip, err)
		return nil
	}

	switch entry.Status {
	case access.StatusWhitelist:
		metrics.ObserveAdmission("admitted")
		return nil
	case access.StatusPending:
		metrics.ObserveAdmission("pending")
		return &pipeline.ForbiddenError{Reason: ReasonPending}
	case access.StatusBlacklist:
		metrics.ObserveAdmission("blacklist")
		return &pipeline.ForbiddenError{Reason: g.pick(BlacklistPhrases)}
	default:
		g.failOpen("access entry has unknown status, admitting request", ip,
			fmt.Errorf("%w: %q", access.ErrInvalidStatus, entry.Status))
		return nil
	}
}

// AdmitJob runs the job rule for kind and then the access check.
func (g *Gate) AdmitJob(ctx context.Context, kind pipeline.Kind, ip string) (ratelimit.Decision, error) {
	decision, err := g.CheckRate(ctx, g.rules.ForKind(kind), ip)
	if err != nil {
		return decision, err
	}
	return decision, g.CheckAccess(ctx, ip)
}

func (g *Gate) failOpen(msg, ip string, err error) {
	metrics.ObserveLedgerFailOpen()
	metrics.ObserveAdmission("fail_open")
	g.warn.Do(func() {
		g.logger.Warn(msg, zap.String("ip", ip), zap.Error(err))
	})
}

func pickRandom(phrases []string) string {
	return phrases[rand.IntN(len(phrases))] //nolint:gosec // cosmetic choice
}
