package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/queue"
)

// MutateResult is the output of the mutate command.
type MutateResult struct {
	Status     string `json:"status"`
	MutationID string `json:"mutation_id"`
	Resource   string `json:"resource"`
	Action     string `json:"action"`
	RecordID   string `json:"record_id"`
	Cause      string `json:"cause,omitempty"`
}

func (r MutateResult) String() string {
	s := fmt.Sprintf("%s %s %s/%s (mutation %s)", r.Status, r.Action, r.Resource, r.RecordID, r.MutationID)
	if r.Cause != "" {
		s += "\n  remote error: " + r.Cause
	}
	return s
}

// NewMutateCommand creates the mutate command.
func NewMutateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mutate <resource> <create|update|delete> <json>",
		Short: "Apply a write, or queue it while the remote is unreachable",
		Long: `Apply a write to the remote store, or queue it locally when the remote
is unreachable or the resource already has queued writes.

The payload is a JSON object. UPDATE and DELETE payloads must carry an id;
CREATE payloads without one get a generated id.

Example:
  offsync mutate bids create '{"id":"b1","amount":500}'
  offsync mutate bids delete '{"id":"b1"}'`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMutate(rootOpts, cmd, args[0], args[1], args[2])
		},
	}
}

func runMutate(opts *RootOptions, cmd *cobra.Command, resource, verb, payload string) error {
	f := opts.formatter(cmd)

	action, err := model.ParseAction(verb)
	if err != nil {
		_ = f.Error(ErrCodeInput, err.Error())
		return WrapExitError(ExitCommandError, "invalid action", err)
	}
	var data model.Record
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		_ = f.Error(ErrCodeInput, err.Error())
		return WrapExitError(ExitCommandError, "invalid payload", err)
	}

	e, err := openEnv(cmd.Context(), opts.Config, true)
	if err != nil {
		_ = f.Error(ErrCodeDatabase, err.Error())
		return err
	}
	defer closeEnv(e)

	if err := e.session.Mutate(cmd.Context(), resource, action, data); err != nil {
		code := ErrCodeGeneric
		if errors.Is(err, queue.ErrInvalid) {
			code = ErrCodeInput
		}
		_ = f.Error(code, err.Error())
		return WrapExitError(ExitFailure, "mutate failed", err)
	}

	o, ok := e.lastOutcome()
	if !ok {
		return NewExitError(ExitFailure, "mutate reported no outcome")
	}
	res := MutateResult{
		Status:     o.Status.String(),
		MutationID: o.Mutation.ID,
		Resource:   o.Mutation.Resource,
		Action:     o.Mutation.Action.String(),
		RecordID:   o.Mutation.Data.ID(),
	}
	if o.Err != nil {
		res.Cause = o.Err.Error()
	}
	return f.Success(res)
}
