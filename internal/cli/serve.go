package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/remote"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr         string
	SeedFile     string
	PingInterval time.Duration

	// Ready, when set, receives the bound address once listening (for
	// testing).
	Ready chan<- string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference remote store",
		Long: `Run an in-memory, upsert-capable remote store over HTTP with a
websocket change feed. Clients point --remote at it.

The optional seed file maps resource names to lists of records:

  locations:
    - {id: l1, name: Dock}
    - {id: l2, name: Yard}

Example:
  offsync serve --addr :8787 --seed fixtures.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", ":8787", "listen address")
	cmd.Flags().StringVar(&opts.SeedFile, "seed", "", "YAML file of initial records per resource")
	cmd.Flags().DurationVar(&opts.PingInterval, "ping-interval", 30*time.Second, "websocket keepalive interval")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	mem := remote.NewMemory()
	if opts.SeedFile != "" {
		n, err := seedMemory(ctx, mem, opts.SeedFile)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to seed store", err)
		}
		slog.Info("seeded remote store", "file", opts.SeedFile, "records", n)
	}

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Handler:           remote.NewServer(mem, remote.ServerConfig{PingInterval: opts.PingInterval}),
		ReadHeaderTimeout: 10 * time.Second,
		// Feed handlers end with the server rather than with their
		// hijacked connection.
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	addr := ln.Addr().String()
	slog.Info("remote store listening", "addr", addr)
	fmt.Fprintf(cmd.OutOrStdout(), "Serving remote store on %s\n", addr)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")
	if opts.Ready != nil {
		opts.Ready <- addr
	}

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	slog.Info("remote store stopped gracefully")
	return nil
}

func seedMemory(ctx context.Context, mem *remote.Memory, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var fixtures map[string][]model.Record
	if err := yaml.Unmarshal(data, &fixtures); err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}

	n := 0
	for resource, rows := range fixtures {
		for _, row := range rows {
			if _, err := mem.Insert(ctx, resource, row); err != nil {
				return n, fmt.Errorf("seed %s: %w", resource, err)
			}
			n++
		}
	}
	return n, nil
}
