package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/contentgen-pipeline/internal/pipeline"
)

func TestTimeoutFor(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	tests := []struct {
		name    string
		payload pipeline.Payload
		want    time.Duration
	}{
		{name: "article", payload: pipeline.Article{Topic: "x"}, want: 5 * time.Minute},
		{name: "novel without length", payload: pipeline.Novel{Title: "x"}, want: 10 * time.Minute},
		{name: "novel 10k words", payload: pipeline.Novel{ApproxWords: 10000}, want: 40 * time.Minute},
		{name: "novel 1500 words", payload: pipeline.Novel{ApproxWords: 1500}, want: 14*time.Minute + 30*time.Second},
		{name: "novel capped", payload: pipeline.Novel{ApproxWords: 100000}, want: 90 * time.Minute},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, cfg.TimeoutFor(tt.payload))
		})
	}
}

func TestRetryDelayDoubles(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.Equal(t, time.Second, cfg.RetryDelay(0))
	require.Equal(t, 2*time.Second, cfg.RetryDelay(1))
	require.Equal(t, 4*time.Second, cfg.RetryDelay(2))
	require.Equal(t, time.Second, cfg.RetryDelay(-3))
}
