package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/store"
)

// DeadLetterList is the output of deadletter list.
type DeadLetterList struct {
	DeadLetters []model.DeadLetter `json:"dead_letters"`
}

func (l DeadLetterList) String() string {
	if len(l.DeadLetters) == 0 {
		return "no dead letters"
	}
	var b strings.Builder
	for i, dl := range l.DeadLetters {
		if i > 0 {
			b.WriteByte('\n')
		}
		m := dl.Mutation
		fmt.Fprintf(&b, "%s  %s %s/%s  attempts=%d  failed=%s\n  %s",
			m.ID, m.Action, m.Resource, m.Data.ID(), m.Attempts,
			dl.FailedAt.Format(time.RFC3339), dl.Error)
	}
	return b.String()
}

// RequeueResult is the output of deadletter requeue.
type RequeueResult struct {
	MutationID string `json:"mutation_id"`
	Resource   string `json:"resource"`
}

func (r RequeueResult) String() string {
	return fmt.Sprintf("requeued %s on %s", r.MutationID, r.Resource)
}

// PurgeResult is the output of deadletter purge.
type PurgeResult struct {
	Purged int64 `json:"purged"`
}

func (r PurgeResult) String() string {
	return fmt.Sprintf("purged %d dead letters", r.Purged)
}

// NewDeadLetterCommand creates the deadletter command group.
func NewDeadLetterCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect and recover writes that stopped retrying",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List dead letters in the order they failed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			e, err := openEnv(cmd.Context(), rootOpts.Config, false)
			if err != nil {
				_ = f.Error(ErrCodeDatabase, err.Error())
				return err
			}
			defer closeEnv(e)

			dls, err := e.session.DeadLetters(cmd.Context())
			if err != nil {
				_ = f.Error(ErrCodeDatabase, err.Error())
				return WrapExitError(ExitFailure, "list failed", err)
			}
			if dls == nil {
				dls = []model.DeadLetter{}
			}
			return f.Success(DeadLetterList{DeadLetters: dls})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "requeue <mutation-id>",
		Short: "Move a dead letter back to the tail of its queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			e, err := openEnv(cmd.Context(), rootOpts.Config, false)
			if err != nil {
				_ = f.Error(ErrCodeDatabase, err.Error())
				return err
			}
			defer closeEnv(e)

			m, err := e.session.RequeueDeadLetter(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotFound) {
				_ = f.Error(ErrCodeNotFound, err.Error())
				return WrapExitError(ExitFailure, "requeue failed", err)
			}
			if err != nil {
				_ = f.Error(ErrCodeDatabase, err.Error())
				return WrapExitError(ExitFailure, "requeue failed", err)
			}
			return f.Success(RequeueResult{MutationID: m.ID, Resource: m.Resource})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete every dead letter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			e, err := openEnv(cmd.Context(), rootOpts.Config, false)
			if err != nil {
				_ = f.Error(ErrCodeDatabase, err.Error())
				return err
			}
			defer closeEnv(e)

			n, err := e.session.PurgeDeadLetters(cmd.Context())
			if err != nil {
				_ = f.Error(ErrCodeDatabase, err.Error())
				return WrapExitError(ExitFailure, "purge failed", err)
			}
			return f.Success(PurgeResult{Purged: n})
		},
	})

	return cmd
}
