package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/contentgen-pipeline/internal/config"
	memoryqueue "github.com/JakeFAU/contentgen-pipeline/internal/queue/memory"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Auth.AdminSecret = "s3cret"
	cfg.Storage.Backend = "memory"
	cfg.Worker.MaxRetries = 0
	cfg.Server.ShutdownTimeoutSeconds = 5
	return cfg
}

func TestAssembledAppAcceptsAndProcessesJobs(t *testing.T) {
	t.Parallel()

	app, err := assemble(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/internal/jobs",
		strings.NewReader(`{"kind":"article","payload":{"topic":"Go channels","sessionName":"writer-1"}}`))
	req.Header.Set("X-Admin-Secret", "s3cret")
	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	broker, ok := app.broker.(*memoryqueue.Broker)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx, RunOptions{Worker: true}) }()

	// The noop generator always fails and no retries are allowed.
	require.Eventually(t, func() bool { return len(broker.Dead()) == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// connectCountingBroker counts EnsureReady calls and can fail them.
type connectCountingBroker struct {
	*memoryqueue.Broker
	calls atomic.Int32
	err   error
}

func (b *connectCountingBroker) EnsureReady(ctx context.Context) error {
	b.calls.Add(1)
	if b.err != nil {
		return b.err
	}
	return b.Broker.EnsureReady(ctx)
}

func TestRunConnectsBrokerBeforeServingHTTP(t *testing.T) {
	t.Parallel()

	for _, connectErr := range []error{nil, errors.New("connection refused")} {
		cfg := testConfig(t)
		cfg.Server.Port = 0
		app, err := assemble(context.Background(), cfg, zap.NewNop())
		require.NoError(t, err)
		broker := &connectCountingBroker{Broker: memoryqueue.NewBroker(), err: connectErr}
		app.broker = broker

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- app.Run(ctx, RunOptions{HTTP: true}) }()

		require.Eventually(t, func() bool { return broker.calls.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err, "an unreachable broker must not stop the API")
		case <-time.After(10 * time.Second):
			t.Fatal("Run did not return after cancel")
		}
		require.EqualValues(t, 1, broker.calls.Load())
	}
}

func TestRunRequiresAComponent(t *testing.T) {
	t.Parallel()

	app, err := assemble(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	require.Error(t, app.Run(context.Background(), RunOptions{}))
}

func TestAssembleFailsOnBadLedgerConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Ledger.Backend = "postgres"
	cfg.Database.DSN = "postgres://%zz"

	_, err := assemble(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	require.Contains(t, err.Error(), "postgres ledger init failed")
}

func TestConfigMapping(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.RateLimit.ArticleLimit = 7
	cfg.RateLimit.WindowSeconds = 30

	rules := rulesFromConfig(cfg)
	require.NoError(t, rules.Validate())
	require.Equal(t, 7, rules.Article.Limit)
	require.Equal(t, 30*time.Second, rules.Novel.Window)
	require.Equal(t, "access", rules.Access.Name)

	wc := workerConfig(cfg)
	require.Equal(t, 0, wc.MaxRetries)
	require.Equal(t, time.Second, wc.RetryBaseDelay)
	require.Equal(t, 90*time.Minute, wc.NovelMaxTimeout)
	require.Equal(t, "results", wc.ArchivePrefix)
}

func TestMigrateSkipsBackendsWithoutMigrations(t *testing.T) {
	t.Parallel()

	applied, err := Migrate(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)
	require.Empty(t, applied)
}
