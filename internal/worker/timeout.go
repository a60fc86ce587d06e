package worker

import (
	"time"

	"github.com/JakeFAU/contentgen-pipeline/internal/pipeline"
)

// TimeoutFor returns the generation budget for p. Novels scale with the
// requested length and are capped at NovelMaxTimeout.
func (c Config) TimeoutFor(p pipeline.Payload) time.Duration {
	switch v := p.(type) {
	case pipeline.Novel:
		budget := c.NovelBaseTimeout + time.Duration(float64(c.NovelTimeoutPerThousandWords)*float64(v.ApproxWords)/1000)
		if c.NovelMaxTimeout > 0 && budget > c.NovelMaxTimeout {
			return c.NovelMaxTimeout
		}
		return budget
	default:
		return c.ArticleTimeout
	}
}

// RetryDelay is the backoff before re-submitting a message that has already
// been retried retryCount times.
func (c Config) RetryDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 16 {
		retryCount = 16
	}
	return c.RetryBaseDelay * time.Duration(1<<retryCount)
}
