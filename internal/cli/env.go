package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/connectivity"
	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/session"
	"github.com/roach88/offsync/internal/store"
)

// env is everything a client-side command needs.
type env struct {
	store   *store.Store
	client  *remote.Client
	session *session.Session

	mu       sync.Mutex
	outcomes []session.Outcome
}

// openEnv opens the local store and builds a session against the configured
// remote. When probe is set, one reachability check decides the initial
// connectivity state; otherwise the configured initial state is used.
func openEnv(ctx context.Context, cfg config.Config, probe bool) (*env, error) {
	compaction, err := engine.ParseCompaction(cfg.Sync.Compaction)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}

	client, err := remote.NewClient(cfg.Remote.URL, remote.WithHTTPClient(&http.Client{Timeout: cfg.Remote.Timeout}))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid remote", err)
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	prober := connectivity.HTTPProber{URL: client.HealthURL(), Client: &http.Client{Timeout: cfg.Remote.Timeout}}
	online := cfg.Connectivity.InitialOnline
	if probe {
		online = prober.Probe(ctx)
		slog.Debug("probed remote", "url", prober.URL, "online", online)
	}

	e := &env{store: st, client: client}
	e.session = session.New(st, client,
		session.WithInitialOnline(online),
		session.WithProber(prober, cfg.Connectivity.ProbeInterval),
		session.WithCompaction(compaction),
		session.WithBackoff(cfg.Sync.Backoff),
		session.WithMaxAttempts(cfg.Sync.MaxAttempts),
		session.WithRetryInterval(cfg.Sync.RetryInterval),
		session.WithCallTimeout(cfg.Sync.CallTimeout),
		session.WithDedupeInserts(cfg.Realtime.DedupeInserts),
		session.WithReconnectBackoff(cfg.Realtime.Reconnect),
		session.WithOutcomeListener(e.record),
	)
	return e, nil
}

func (e *env) record(o session.Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outcomes = append(e.outcomes, o)
}

func (e *env) lastOutcome() (session.Outcome, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.outcomes) == 0 {
		return session.Outcome{}, false
	}
	return e.outcomes[len(e.outcomes)-1], true
}

// Close closes the session and then the store.
func (e *env) Close() error {
	return errors.Join(e.session.Close(), e.store.Close())
}

func closeEnv(e *env) {
	if err := e.Close(); err != nil {
		slog.Error("error closing", "error", err)
	}
}
