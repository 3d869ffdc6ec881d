package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/remote"
)

type cliEnv struct {
	db     string
	mem    *remote.Memory
	server *httptest.Server
	down   string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	mem := remote.NewMemory()
	server := httptest.NewServer(remote.NewServer(mem, remote.ServerConfig{}))
	t.Cleanup(server.Close)

	dead := httptest.NewServer(http.NotFoundHandler())
	down := dead.URL
	dead.Close()

	return &cliEnv{
		db:     filepath.Join(t.TempDir(), "cli.db"),
		mem:    mem,
		server: server,
		down:   down,
	}
}

// run executes the CLI with JSON output against the live server, or the
// unreachable one when offline is set.
func (e *cliEnv) run(t *testing.T, offline bool, args ...string) (CLIResponse, error) {
	t.Helper()
	url := e.server.URL
	if offline {
		url = e.down
	}
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--format", "json", "--db", e.db, "--remote", url}, args...))

	err := cmd.ExecuteContext(context.Background())

	var resp CLIResponse
	if out.Len() > 0 {
		require.NoError(t, json.Unmarshal(out.Bytes(), &resp), out.String())
	}
	return resp, err
}

func data(t *testing.T, resp CLIResponse) map[string]any {
	t.Helper()
	require.Equal(t, "ok", resp.Status)
	m, ok := resp.Data.(map[string]any)
	require.True(t, ok, "data is %T", resp.Data)
	return m
}

func TestMutate_OfflineQueuesAndPendingReports(t *testing.T) {
	e := newCLIEnv(t)

	resp, err := e.run(t, true, "mutate", "bids", "create", `{"id":"b1","amount":500}`)
	require.NoError(t, err)
	got := data(t, resp)
	assert.Equal(t, "queued", got["status"])
	assert.Equal(t, "b1", got["record_id"])
	assert.Equal(t, "CREATE", got["action"])

	resp, err = e.run(t, true, "pending")
	require.NoError(t, err)
	got = data(t, resp)
	assert.Equal(t, float64(1), got["total"])
	assert.Equal(t, map[string]any{"bids": float64(1)}, got["resources"])
	assert.Equal(t, 0, e.mem.Len("bids"))
}

func TestMutate_OnlineApplies(t *testing.T) {
	e := newCLIEnv(t)

	resp, err := e.run(t, false, "mutate", "bids", "create", `{"id":"b1","amount":500}`)
	require.NoError(t, err)
	assert.Equal(t, "applied", data(t, resp)["status"])

	bid, ok := e.mem.Get("bids", "b1")
	require.True(t, ok)
	assert.EqualValues(t, 500, bid["amount"])
}

func TestMutate_InvalidInput(t *testing.T) {
	e := newCLIEnv(t)

	tests := []struct {
		name string
		args []string
	}{
		{"unknown action", []string{"mutate", "bids", "upsert", `{}`}},
		{"bad json", []string{"mutate", "bids", "create", `{`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := e.run(t, true, tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Equal(t, "error", resp.Status)
			assert.Equal(t, ErrCodeInput, resp.Error.Code)
		})
	}

	resp, err := e.run(t, true, "mutate", "bids", "update", `{"amount":1}`)
	require.Error(t, err)
	assert.Equal(t, ErrCodeInput, resp.Error.Code)
}

func TestSync_DrainsQueue(t *testing.T) {
	e := newCLIEnv(t)

	_, err := e.run(t, true, "mutate", "bids", "create", `{"id":"b1","amount":500}`)
	require.NoError(t, err)
	_, err = e.run(t, true, "mutate", "bids", "update", `{"id":"b1","amount":600}`)
	require.NoError(t, err)

	resp, err := e.run(t, false, "sync")
	require.NoError(t, err)
	got := data(t, resp)
	assert.Equal(t, float64(2), got["applied"])
	assert.Equal(t, float64(0), got["pending"])
	assert.Equal(t, "force", got["trigger"])

	bid, ok := e.mem.Get("bids", "b1")
	require.True(t, ok)
	assert.EqualValues(t, 600, bid["amount"])
}

func TestSync_UnreachableKeepsQueue(t *testing.T) {
	e := newCLIEnv(t)

	_, err := e.run(t, true, "mutate", "bids", "create", `{"id":"b1"}`)
	require.NoError(t, err)

	resp, err := e.run(t, true, "sync")
	require.NoError(t, err)
	got := data(t, resp)
	assert.Equal(t, float64(1), got["failed"])
	assert.Equal(t, float64(1), got["pending"])
}

func TestDeadLetter_Lifecycle(t *testing.T) {
	e := newCLIEnv(t)

	_, err := e.run(t, true, "mutate", "bids", "update", `{"id":"ghost","amount":1}`)
	require.NoError(t, err)

	resp, err := e.run(t, false, "sync")
	require.NoError(t, err)
	assert.Equal(t, float64(1), data(t, resp)["dead_lettered"])

	resp, err = e.run(t, false, "deadletter", "list")
	require.NoError(t, err)
	list, ok := data(t, resp)["dead_letters"].([]any)
	require.True(t, ok)
	require.Len(t, list, 1)
	mutationID := list[0].(map[string]any)["mutation"].(map[string]any)["id"].(string)

	resp, err = e.run(t, false, "deadletter", "requeue", mutationID)
	require.NoError(t, err)
	assert.Equal(t, mutationID, data(t, resp)["mutation_id"])

	resp, err = e.run(t, false, "deadletter", "requeue", "no-such-id")
	require.Error(t, err)
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)

	resp, err = e.run(t, false, "deadletter", "purge")
	require.NoError(t, err)
	assert.Equal(t, float64(0), data(t, resp)["purged"])
}

func TestCompact_ClearsMarkedEntries(t *testing.T) {
	e := newCLIEnv(t)
	cfgPath := filepath.Join(t.TempDir(), "offsync.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("sync:\n  compaction: mark\n"), 0o644))

	_, err := e.run(t, true, "--config", cfgPath, "mutate", "bids", "create", `{"id":"b1"}`)
	require.NoError(t, err)
	_, err = e.run(t, false, "--config", cfgPath, "sync")
	require.NoError(t, err)

	resp, err := e.run(t, false, "--config", cfgPath, "compact")
	require.NoError(t, err)
	assert.Equal(t, float64(1), data(t, resp)["removed"])
}

func TestRoot_InvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--format", "yaml", "pending"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRoot_BadConfigFile(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("colour: blue\n"), 0o644))

	cmd := NewRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--config", cfgPath, "pending"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestWatch_OncePrintsSeededSnapshot(t *testing.T) {
	e := newCLIEnv(t)
	for _, id := range []string{"l1", "l2", "l3"} {
		_, err := e.mem.Insert(context.Background(), "locations", model.Record{"id": id})
		require.NoError(t, err)
	}

	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--format", "json", "--db", e.db, "--remote", e.server.URL, "watch", "locations", "--once"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	var ev WatchEvent
	require.NoError(t, json.Unmarshal(out.Bytes(), &ev))
	assert.Equal(t, "locations", ev.Resource)
	assert.Equal(t, 3, ev.Count)
}

func TestServe_ServesUntilCancelled(t *testing.T) {
	seed := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(seed, []byte("locations:\n  - {id: l1}\n  - {id: l2}\n"), 0o644))

	ready := make(chan string, 1)
	opts := &ServeOptions{
		RootOptions: &RootOptions{Format: "text"},
		Addr:        "127.0.0.1:0",
		SeedFile:    seed,
		Ready:       ready,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmd := &cobra.Command{}
	cmd.SetOut(io.Discard)
	cmd.SetContext(ctx)

	done := make(chan error, 1)
	go func() { done <- runServe(opts, cmd) }()

	var addr string
	select {
	case addr = <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	client, err := remote.NewClient("http://" + addr)
	require.NoError(t, err)
	rows, err := client.SelectAll(ctx, "locations", nil)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
