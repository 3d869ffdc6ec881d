package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/engine"
)

// SyncResult is the output of the sync command.
type SyncResult struct {
	engine.Report
}

func (r SyncResult) String() string {
	return fmt.Sprintf("attempted=%d applied=%d failed=%d dead_lettered=%d skipped=%d pending=%d",
		r.Attempted, r.Applied, r.Failed, r.DeadLettered, r.Skipped, r.Pending)
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Drain queued writes against the remote store now",
		Long: `Replay every queued write against the remote store once and print the
drain report. Writes that fail transiently stay queued; writes that fail
permanently move to the dead letter table.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			e, err := openEnv(cmd.Context(), rootOpts.Config, false)
			if err != nil {
				_ = f.Error(ErrCodeDatabase, err.Error())
				return err
			}
			defer closeEnv(e)

			rep, err := e.session.ForceSync(cmd.Context())
			if err != nil {
				_ = f.Error(ErrCodeGeneric, err.Error())
				return WrapExitError(ExitFailure, "sync failed", err)
			}
			return f.Success(SyncResult{Report: rep})
		},
	}
}
