// Package ratelimit implements fixed-window request limits keyed by rule and client IP.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/contentgen-pipeline/internal/pipeline"
)

// Rule is a named limit of Limit requests per Window.
type Rule struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Validate reports rules that could never admit a request.
func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if r.Limit <= 0 {
		return fmt.Errorf("rule %s: limit must be > 0", r.Name)
	}
	if r.Window <= 0 {
		return fmt.Errorf("rule %s: window must be > 0", r.Name)
	}
	return nil
}

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAfter time.Duration
}

// Limiter counts requests against a rule for a key.
type Limiter interface {
	Allow(ctx context.Context, rule Rule, key string) (Decision, error)
}

// Rules groups the limits applied at the HTTP edge.
type Rules struct {
	Article Rule
	Novel   Rule
	Access  Rule
}

// DefaultRules are 5 articles, 2 novels and 10 access calls per minute per IP.
func DefaultRules() Rules {
	return Rules{
		Article: Rule{Name: "article", Limit: 5, Window: time.Minute},
		Novel:   Rule{Name: "novel", Limit: 2, Window: time.Minute},
		Access:  Rule{Name: "access", Limit: 10, Window: time.Minute},
	}
}

// ForKind returns the job-submission rule for kind.
func (r Rules) ForKind(kind pipeline.Kind) Rule {
	if kind == pipeline.KindNovel {
		return r.Novel
	}
	return r.Article
}

// Validate checks every rule.
func (r Rules) Validate() error {
	for _, rule := range []Rule{r.Article, r.Novel, r.Access} {
		if err := rule.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func decide(rule Rule, count int, resetAfter time.Duration) Decision {
	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	if resetAfter < 0 {
		resetAfter = 0
	}
	return Decision{
		Allowed:    count <= rule.Limit,
		Limit:      rule.Limit,
		Remaining:  remaining,
		ResetAfter: resetAfter,
	}
}
