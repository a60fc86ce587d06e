package headless

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/contentgen-pipeline/internal/pipeline"
)

func validConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		URL:              "https://chat.example.com",
		ProfileRoot:      t.TempDir(),
		PromptSelector:   "#prompt",
		SubmitSelector:   "#send",
		ResponseSelector: ".answer",
	}
}

func TestNewChromedpValidation(t *testing.T) {
	t.Parallel()

	cfg := validConfig(t)
	cfg.URL = ""
	_, err := NewChromedp(cfg, nil)
	require.Error(t, err)

	cfg = validConfig(t)
	cfg.ResponseSelector = ""
	_, err = NewChromedp(cfg, nil)
	require.Error(t, err)

	gen, err := NewChromedp(validConfig(t), nil)
	require.NoError(t, err)
	require.Equal(t, 1, cap(gen.slot))
	require.Equal(t, 45*time.Second, gen.cfg.NavigationWait)
	require.Equal(t, 500*time.Millisecond, gen.cfg.SettleDelay)
}

func TestAcquireHonorsContextWhileSlotHeld(t *testing.T) {
	t.Parallel()

	gen, err := NewChromedp(validConfig(t), nil)
	require.NoError(t, err)
	require.NoError(t, gen.acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = gen.acquire(ctx)
	require.ErrorIs(t, err, pipeline.ErrGeneratorFailure)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	gen.release()
	require.NoError(t, gen.acquire(context.Background()))
	gen.release()
	gen.release() // releasing an empty slot is a no-op
}

func TestProfileDir(t *testing.T) {
	t.Parallel()

	dir, err := profileDir("/profiles", "writer one")
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/profiles", "writer_one"), dir)

	dir, err = profileDir("/profiles", "../../etc")
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/profiles", "etc"), dir)

	_, err = profileDir("/profiles", " ../ ")
	require.ErrorIs(t, err, pipeline.ErrValidation)
}

func TestBuildPrompt(t *testing.T) {
	t.Parallel()

	prompt, title, err := buildPrompt(pipeline.Article{
		Topic: "Edge caching", Keywords: []string{"cdn", "ttl"}, Category: "infra", Author: "Sam", SessionName: "s",
	})
	require.NoError(t, err)
	require.Equal(t, "Edge caching", title)
	require.Contains(t, prompt, `"Edge caching"`)
	require.Contains(t, prompt, "cdn, ttl")
	require.Contains(t, prompt, "Category: infra.")
	require.Contains(t, prompt, "voice of Sam")

	prompt, title, err = buildPrompt(pipeline.Novel{
		Title: "Low Tide", Prompt: "A lighthouse keeper finds a map.", Genre: "mystery", Language: "en", ApproxWords: 40000, SessionName: "s",
	})
	require.NoError(t, err)
	require.Equal(t, "Low Tide", title)
	require.Contains(t, prompt, "lighthouse keeper")
	require.Contains(t, prompt, "roughly 40000 words")

	_, _, err = buildPrompt(nil)
	require.ErrorIs(t, err, pipeline.ErrGeneratorFailure)
}

func TestNoopAlwaysFails(t *testing.T) {
	t.Parallel()

	_, err := NewNoop().Generate(context.Background(), pipeline.Job{ID: "job-1"})
	require.ErrorIs(t, err, pipeline.ErrGeneratorFailure)
	require.Contains(t, err.Error(), "job-1")
}
