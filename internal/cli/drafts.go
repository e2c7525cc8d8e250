package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/recordcache/internal/draft"
)

// DraftsOptions holds flags for the drafts commands.
type DraftsOptions struct {
	*RootOptions
	All bool // process until the queue is drained or blocked
}

// ProcessOutcome is one ProcessNextAction call.
type ProcessOutcome struct {
	Result draft.ProcessResult `json:"result"`
}

// NewDraftsCommand creates the drafts command and its subcommands.
func NewDraftsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DraftsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "drafts",
		Short: "Inspect and manage queued draft actions",
		Long: `Inspect and manage the durable queue of draft actions.

Examples:
  recordcache drafts list
  recordcache drafts process --all
  recordcache drafts retry 01HZX...
  recordcache drafts remove 01HZX...
  recordcache drafts replace <target-id> <source-id>`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "list",
		Short:         "List queued draft actions in upload order",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd, opts.RootOptions, func(ctx context.Context, q *draft.Queue, f *OutputFormatter) error {
				return listDrafts(ctx, q, f)
			})
		},
	})

	process := &cobra.Command{
		Use:           "process",
		Short:         "Upload the next queued draft action",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd, opts.RootOptions, func(ctx context.Context, q *draft.Queue, f *OutputFormatter) error {
				return processDrafts(ctx, q, f, opts.All)
			})
		},
	}
	process.Flags().BoolVar(&opts.All, "all", false, "keep processing until the queue is empty or stops")
	cmd.AddCommand(process)

	cmd.AddCommand(&cobra.Command{
		Use:           "retry <action-id>",
		Short:         "Return an errored draft action to pending",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd, opts.RootOptions, func(ctx context.Context, q *draft.Queue, f *OutputFormatter) error {
				if err := q.RetryAction(ctx, args[0]); err != nil {
					return queueExitError(f, err)
				}
				return f.Success(fmt.Sprintf("Action %s is pending again.", args[0]))
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "remove <action-id>",
		Short:         "Remove a draft action and roll back its edit",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd, opts.RootOptions, func(ctx context.Context, q *draft.Queue, f *OutputFormatter) error {
				if err := q.RemoveDraftAction(ctx, args[0]); err != nil {
					return queueExitError(f, err)
				}
				return f.Success(fmt.Sprintf("Action %s removed.", args[0]))
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "replace <target-id> <source-id>",
		Short:         "Give the target action the request of the source action",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd, opts.RootOptions, func(ctx context.Context, q *draft.Queue, f *OutputFormatter) error {
				a, err := q.ReplaceAction(ctx, args[0], args[1])
				if err != nil {
					return queueExitError(f, err)
				}
				if f.Format == "json" {
					return f.Success(a)
				}
				return f.Success(fmt.Sprintf("Action %s now carries the request of %s.", a.ID, args[1]))
			})
		},
	})

	return cmd
}

// withQueue opens the runtime for one queue operation.
func withQueue(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, q *draft.Queue, f *OutputFormatter) error) error {
	ctx := commandContext(cmd)
	f := formatter(cmd, opts)
	rt, err := openRuntime(ctx, opts, newLogger(f.GetErrWriter(), opts.Verbose))
	if err != nil {
		_ = f.Error(CodeConfig, err.Error(), nil)
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.env.Queue(), f)
}

func formatter(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	var errWriter io.Writer = cmd.ErrOrStderr()
	if !opts.Verbose {
		errWriter = io.Discard
	}
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: errWriter,
		Verbose:   opts.Verbose,
	}
}

func listDrafts(ctx context.Context, q *draft.Queue, f *OutputFormatter) error {
	actions, err := q.GetQueueActions(ctx)
	if err != nil {
		_ = f.Error(CodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read draft queue", err)
	}
	if f.Format != "json" && len(actions) == 0 {
		return f.Success("No queued draft actions.")
	}

	lines := make([]string, 0, len(actions))
	for _, a := range actions {
		line := fmt.Sprintf("%s  %-9s  %-6s %s", a.ID, a.Status, a.Request.Method, a.Request.Path)
		if a.Error != nil {
			line += fmt.Sprintf("  (%d %s)", a.Error.Status, a.Error.Message)
		}
		lines = append(lines, line)
	}
	if actions == nil {
		actions = []*draft.Action{}
	}
	return f.Lines(actions, lines)
}

func processDrafts(ctx context.Context, q *draft.Queue, f *OutputFormatter, all bool) error {
	var outcomes []ProcessOutcome
	var last draft.ProcessResult
	for {
		res, err := q.ProcessNextAction(ctx)
		if err != nil {
			_ = f.Error(CodeQueue, err.Error(), outcomes)
			return WrapExitError(ExitFailure, "failed to process draft action", err)
		}
		f.VerboseLog("process: %s", res)
		outcomes = append(outcomes, ProcessOutcome{Result: res})
		last = res
		if !all || res != draft.ProcessActionProcessed {
			break
		}
	}

	lines := make([]string, len(outcomes))
	for i, o := range outcomes {
		lines[i] = string(o.Result)
	}
	if err := f.Lines(outcomes, lines); err != nil {
		return err
	}

	switch last {
	case draft.ProcessNetworkError, draft.ProcessActionErrored, draft.ProcessBlockedOnError:
		return NewExitError(ExitFailure, fmt.Sprintf("draft queue stopped: %s", last))
	}
	return nil
}

// queueExitError reports a refused queue operation. Unknown actions are
// command errors; refusals because of the action's state are failures.
func queueExitError(f *OutputFormatter, err error) error {
	code := CodeQueue
	var qerr *draft.QueueError
	if errors.As(err, &qerr) {
		code = string(qerr.Code)
	}
	_ = f.Error(code, err.Error(), nil)
	if draft.IsActionNotFound(err) {
		return WrapExitError(ExitCommandError, "unknown draft action", err)
	}
	return WrapExitError(ExitFailure, "draft action refused", err)
}
