// Package headless contains content generators that drive a chat UI through a browser.
package headless

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/contentgen-pipeline/internal/pipeline"
)

var unsafeSession = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Config controls the browser session and the page elements it talks to.
type Config struct {
	URL              string
	ProfileRoot      string
	UserAgent        string
	Headless         bool
	PromptSelector   string
	SubmitSelector   string
	ResponseSelector string
	// DoneSelector becomes visible once the page has finished writing the response.
	DoneSelector   string
	SettleDelay    time.Duration
	NavigationWait time.Duration
}

func (c Config) validate() error {
	switch {
	case strings.TrimSpace(c.URL) == "":
		return fmt.Errorf("generator.headless.url is required")
	case strings.TrimSpace(c.ProfileRoot) == "":
		return fmt.Errorf("generator.headless.profile_root is required")
	case c.PromptSelector == "" || c.SubmitSelector == "" || c.ResponseSelector == "":
		return fmt.Errorf("prompt, submit and response selectors are required")
	}
	return nil
}

// Generator implements pipeline.Generator with chromedp. It owns a single
// automation slot, so concurrent callers queue on it.
type Generator struct {
	cfg    Config
	slot   chan struct{}
	logger *zap.Logger
}

var _ pipeline.Generator = (*Generator)(nil)

// NewChromedp validates cfg and returns a Generator.
func NewChromedp(cfg Config, logger *zap.Logger) (*Generator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.NavigationWait <= 0 {
		cfg.NavigationWait = 45 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{cfg: cfg, slot: make(chan struct{}, 1), logger: logger}, nil
}

// Generate submits the job's prompt and scrapes the rendered answer. The
// caller's context bounds the whole run.
func (g *Generator) Generate(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	prompt, title, err := buildPrompt(job.Payload)
	if err != nil {
		return pipeline.Result{}, err
	}
	profile, err := profileDir(g.cfg.ProfileRoot, job.Payload.Session())
	if err != nil {
		return pipeline.Result{}, err
	}
	if err := g.acquire(ctx); err != nil {
		return pipeline.Result{}, err
	}
	defer g.release()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", g.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("enable-automation", false),
		chromedp.UserDataDir(profile),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	start := time.Now()
	content, err := g.run(taskCtx, prompt)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("%w: %w", pipeline.ErrGeneratorFailure, err)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return pipeline.Result{}, fmt.Errorf("%w: empty response", pipeline.ErrGeneratorFailure)
	}
	g.logger.Info("generation finished",
		zap.String("job_id", job.ID),
		zap.String("session", job.Payload.Session()),
		zap.Duration("duration", time.Since(start)),
	)
	return pipeline.Result{
		Title:     title,
		Content:   content,
		WordCount: len(strings.Fields(content)),
		Metadata:  map[string]any{"session": job.Payload.Session(), "kind": string(job.Kind())},
	}, nil
}

func (g *Generator) run(ctx context.Context, prompt string) (string, error) {
	var content string
	nav, cancel := context.WithTimeout(ctx, g.cfg.NavigationWait)
	defer cancel()
	if err := chromedp.Run(nav,
		g.setupAction(),
		chromedp.Navigate(g.cfg.URL),
		chromedp.WaitVisible(g.cfg.PromptSelector, chromedp.ByQuery),
	); err != nil {
		return "", fmt.Errorf("open chat page: %w", err)
	}

	done := g.cfg.DoneSelector
	if done == "" {
		done = g.cfg.ResponseSelector
	}
	actions := []chromedp.Action{
		chromedp.SendKeys(g.cfg.PromptSelector, prompt, chromedp.ByQuery),
		chromedp.Click(g.cfg.SubmitSelector, chromedp.ByQuery),
		chromedp.WaitVisible(done, chromedp.ByQuery),
		chromedp.Sleep(g.cfg.SettleDelay),
		chromedp.Text(g.cfg.ResponseSelector, &content, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", fmt.Errorf("chromedp run: %w", err)
	}
	return content, nil
}

func (g *Generator) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if g.cfg.UserAgent == "" {
			return nil
		}
		if err := emulation.SetUserAgentOverride(g.cfg.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	})
}

func (g *Generator) acquire(ctx context.Context) error {
	select {
	case g.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: automation slot wait canceled: %w", pipeline.ErrGeneratorFailure, ctx.Err())
	}
}

func (g *Generator) release() {
	select {
	case <-g.slot:
	default:
	}
}

// profileDir maps a session name to a browser profile under root.
func profileDir(root, session string) (string, error) {
	name := strings.Trim(unsafeSession.ReplaceAllString(strings.TrimSpace(session), "_"), "_")
	if name == "" {
		return "", pipeline.NewValidationError("sessionName", "must contain letters or digits")
	}
	return filepath.Join(root, name), nil
}

func buildPrompt(p pipeline.Payload) (prompt, title string, err error) {
	var b strings.Builder
	switch v := p.(type) {
	case pipeline.Article:
		fmt.Fprintf(&b, "Write a well structured article about %q.", v.Topic)
		if v.Category != "" {
			fmt.Fprintf(&b, " Category: %s.", v.Category)
		}
		if len(v.Keywords) > 0 {
			fmt.Fprintf(&b, " Work in these keywords: %s.", strings.Join(v.Keywords, ", "))
		}
		if v.Author != "" {
			fmt.Fprintf(&b, " Write in the voice of %s.", v.Author)
		}
		return b.String(), v.Topic, nil
	case pipeline.Novel:
		fmt.Fprintf(&b, "Write a novel titled %q. %s", v.Title, strings.TrimSpace(v.Prompt))
		if v.Genre != "" {
			fmt.Fprintf(&b, " Genre: %s.", v.Genre)
		}
		if v.Language != "" {
			fmt.Fprintf(&b, " Language: %s.", v.Language)
		}
		if v.ApproxWords > 0 {
			fmt.Fprintf(&b, " Aim for roughly %d words.", v.ApproxWords)
		}
		return b.String(), v.Title, nil
	default:
		return "", "", fmt.Errorf("%w: unsupported payload %T", pipeline.ErrGeneratorFailure, p)
	}
}
