package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

// PendingResult is the output of the pending command.
type PendingResult struct {
	Total     int            `json:"total"`
	Resources map[string]int `json:"resources"`
}

func (r PendingResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d pending", r.Total)
	names := make([]string, 0, len(r.Resources))
	for name := range r.Resources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "\n  %s: %d", name, r.Resources[name])
	}
	return b.String()
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Show how many writes are waiting to sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			e, err := openEnv(cmd.Context(), rootOpts.Config, false)
			if err != nil {
				_ = f.Error(ErrCodeDatabase, err.Error())
				return err
			}
			defer closeEnv(e)

			counts, err := e.session.PendingByResource(cmd.Context())
			if err != nil {
				_ = f.Error(ErrCodeDatabase, err.Error())
				return WrapExitError(ExitFailure, "pending failed", err)
			}
			res := PendingResult{Resources: counts}
			for _, n := range counts {
				res.Total += n
			}
			return f.Success(res)
		},
	}
}
