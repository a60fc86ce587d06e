package headless

import (
	"context"
	"fmt"

	"github.com/JakeFAU/contentgen-pipeline/internal/pipeline"
)

// Noop implements pipeline.Generator but always fails. It is wired when no
// browser is configured so jobs follow the retry path instead of hanging.
type Noop struct{}

// NewNoop creates a new Noop generator.
func NewNoop() *Noop {
	return &Noop{}
}

// Generate always returns a generator failure.
func (Noop) Generate(_ context.Context, job pipeline.Job) (pipeline.Result, error) {
	return pipeline.Result{}, fmt.Errorf("%w: headless generator not configured (job %s)", pipeline.ErrGeneratorFailure, job.ID)
}
