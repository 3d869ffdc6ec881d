package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/realtime"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Column string
	Value  string
	Items  bool
	Once   bool
}

// WatchEvent is one line of watch output.
type WatchEvent struct {
	Resource   string         `json:"resource"`
	State      realtime.State `json:"state"`
	Connected  bool           `json:"connected"`
	Count      int            `json:"count"`
	LastUpdate *time.Time     `json:"last_update,omitempty"`
	Error      string         `json:"error,omitempty"`
	Items      []model.Record `json:"items,omitempty"`
}

func (e WatchEvent) String() string {
	s := fmt.Sprintf("%s state=%s connected=%t items=%d", e.Resource, e.State, e.Connected, e.Count)
	if e.Error != "" {
		s += " error=" + e.Error
	}
	for _, item := range e.Items {
		s += fmt.Sprintf("\n  %v", map[string]any(item))
	}
	return s
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch <resource>",
		Short: "Follow a remote resource through its change feed",
		Long: `Seed a resource from the remote store, then print a line every time the
live copy changes state or content. Runs until interrupted.

Example:
  offsync watch locations
  offsync watch bids --column auction_id --value a1 --items`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Column, "column", "", "filter column")
	cmd.Flags().StringVar(&opts.Value, "value", "", "filter value (equality)")
	cmd.Flags().BoolVar(&opts.Items, "items", false, "print items with every update")
	cmd.Flags().BoolVar(&opts.Once, "once", false, "print the seeded snapshot and exit")

	return cmd
}

func runWatch(opts *WatchOptions, cmd *cobra.Command, resource string) error {
	f := opts.formatter(cmd)
	ctx := cmd.Context()

	e, err := openEnv(ctx, opts.Config, false)
	if err != nil {
		_ = f.Error(ErrCodeDatabase, err.Error())
		return err
	}
	defer closeEnv(e)

	var filter *model.Filter
	if opts.Column != "" {
		filter = &model.Filter{Column: opts.Column, Value: opts.Value}
	}

	h, err := e.session.Watch(ctx, resource, filter)
	if err != nil {
		_ = f.Error(ErrCodeInput, err.Error())
		return WrapExitError(ExitCommandError, "watch failed", err)
	}

	last := opts.event(h.Snapshot())
	if err := f.Event(last); err != nil {
		return err
	}
	if opts.Once {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.Updates():
			ev := opts.event(h.Snapshot())
			if ev.String() == last.String() {
				continue
			}
			last = ev
			if err := f.Event(ev); err != nil {
				return err
			}
		}
	}
}

func (o *WatchOptions) event(s realtime.Snapshot) WatchEvent {
	ev := WatchEvent{
		Resource:   s.Resource,
		State:      s.State,
		Connected:  s.Connected,
		Count:      len(s.Items),
		LastUpdate: s.LastUpdate,
		Error:      s.Err,
	}
	if o.Items {
		ev.Items = s.Items
	}
	return ev
}
