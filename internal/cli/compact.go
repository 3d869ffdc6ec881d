package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// CompactResult is the output of the compact command.
type CompactResult struct {
	Removed int `json:"removed"`
}

func (r CompactResult) String() string {
	return fmt.Sprintf("removed %d synced entries", r.Removed)
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Remove synced entries kept by the mark compaction policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			e, err := openEnv(cmd.Context(), rootOpts.Config, false)
			if err != nil {
				_ = f.Error(ErrCodeDatabase, err.Error())
				return err
			}
			defer closeEnv(e)

			n, err := e.session.ClearSynced(cmd.Context())
			if err != nil {
				_ = f.Error(ErrCodeDatabase, err.Error())
				return WrapExitError(ExitFailure, "compact failed", err)
			}
			return f.Success(CompactResult{Removed: n})
		},
	}
}
