package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/recordcache/internal/record"
	"github.com/roach88/recordcache/internal/transport"
)

// RecordOptions holds flags for the record commands.
type RecordOptions struct {
	*RootOptions
	Fields         []string // fields=
	OptionalFields []string // optionalFields=
	Set            []string // Name=value assignments
}

// RecordResult is the output of a record command.
type RecordResult struct {
	Status    int             `json:"status"`
	Synthetic bool            `json:"synthetic"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// NewRecordCommand creates the record command and its subcommands.
func NewRecordCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Read and change records through the draft-aware dispatcher",
		Long: `Read and change records the way an application would.

Reads of draft ids are answered from the durable store; mutations are
queued as draft actions and answered locally. Use "drafts process" to
upload them.

Examples:
  recordcache record get 001xx000003DGb2AAG --fields Account.Name
  recordcache record create Account --set Name="Acme" --set Rating=null
  recordcache record update 001DRAFT01HZX4Y5Z6 --set Name="Acme Corp"
  recordcache record delete 001xx000003DGb2AAG
  recordcache record evict 001xx000003DGb2AAG`,
	}

	get := &cobra.Command{
		Use:           "get <id>...",
		Short:         "Read one record, or several in a batch",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var req *transport.Request
			if len(args) == 1 {
				req = transport.GetRecordRequest(args[0], opts.Fields, opts.OptionalFields)
			} else {
				req = transport.GetRecordsRequest(args, opts.Fields, opts.OptionalFields)
			}
			return dispatchRecord(cmd, opts, req)
		},
	}
	get.Flags().StringSliceVar(&opts.Fields, "fields", nil, "qualified fields to read (Account.Name)")
	get.Flags().StringSliceVar(&opts.OptionalFields, "optional-fields", nil, "qualified optional fields to read")
	cmd.AddCommand(get)

	create := &cobra.Command{
		Use:           "create <apiName>",
		Short:         "Create a draft record",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := recordBody(args[0], opts.Set)
			if err != nil {
				return NewExitError(ExitCommandError, err.Error())
			}
			return dispatchRecord(cmd, opts, &transport.Request{Method: http.MethodPost, Path: transport.RecordsPath, Body: body})
		},
	}
	create.Flags().StringArrayVar(&opts.Set, "set", nil, "field assignment Name=value; values are JSON or plain strings")
	cmd.AddCommand(create)

	update := &cobra.Command{
		Use:           "update <id>",
		Short:         "Edit a record as a draft",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := recordBody("", opts.Set)
			if err != nil {
				return NewExitError(ExitCommandError, err.Error())
			}
			return dispatchRecord(cmd, opts, &transport.Request{Method: http.MethodPatch, Path: transport.RecordPath(args[0]), Body: body})
		},
	}
	update.Flags().StringArrayVar(&opts.Set, "set", nil, "field assignment Name=value; values are JSON or plain strings")
	cmd.AddCommand(update)

	cmd.AddCommand(&cobra.Command{
		Use:           "delete <id>",
		Short:         "Delete a record as a draft",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return dispatchRecord(cmd, opts, &transport.Request{Method: http.MethodDelete, Path: transport.RecordPath(args[0])})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "evict <id>",
		Short:         "Evict a record from the cache and the durable store",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(cmd, opts.RootOptions)
			ctx := commandContext(cmd)
			rt, err := openRuntime(ctx, opts.RootOptions, newLogger(f.GetErrWriter(), opts.Verbose))
			if err != nil {
				_ = f.Error(CodeConfig, err.Error(), nil)
				return err
			}
			defer rt.Close()
			if err := rt.env.StoreEvict(ctx, record.Key(args[0])); err != nil {
				_ = f.Error(CodeStore, err.Error(), nil)
				return WrapExitError(ExitFailure, "failed to evict record", err)
			}
			return f.Success(fmt.Sprintf("Record %s evicted.", args[0]))
		},
	})

	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// recordBody builds a create (apiName set) or update body from Name=value
// assignments.
func recordBody(apiName string, assignments []string) ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(assignments))
	for _, a := range assignments {
		name, value, ok := strings.Cut(a, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid assignment %q: want Name=value", a)
		}
		fields[name] = fieldValue(value)
	}
	body := map[string]any{"fields": fields}
	if apiName != "" {
		body["apiName"] = apiName
	}
	return json.Marshal(body)
}

// fieldValue keeps valid JSON as is and quotes anything else.
func fieldValue(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return quoted
}

func dispatchRecord(cmd *cobra.Command, opts *RecordOptions, req *transport.Request) error {
	f := formatter(cmd, opts.RootOptions)
	ctx := commandContext(cmd)
	rt, err := openRuntime(ctx, opts.RootOptions, newLogger(f.GetErrWriter(), opts.Verbose))
	if err != nil {
		_ = f.Error(CodeConfig, err.Error(), nil)
		return err
	}
	defer rt.Close()

	f.VerboseLog("%s %s", req.Method, requestURI(req))
	resp, err := rt.env.Dispatch(ctx, req)
	rt.env.Resolver().Wait()
	if err != nil {
		var te *transport.Error
		if errors.As(err, &te) {
			_ = f.Error(te.Code, te.Message, map[string]int{"status": te.Status})
		} else {
			_ = f.Error(CodeRequest, err.Error(), nil)
		}
		if transport.IsBadRequest(err) {
			return WrapExitError(ExitCommandError, "request rejected", err)
		}
		return WrapExitError(ExitFailure, "request failed", err)
	}

	result := RecordResult{Status: resp.Status, Synthetic: resp.Synthetic, Body: resp.Body}
	if f.Format == "json" {
		return f.Success(result)
	}

	marker := ""
	if resp.Synthetic {
		marker = " (synthetic)"
	}
	lines := []string{fmt.Sprintf("%d%s", resp.Status, marker)}
	if len(resp.Body) > 0 {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, resp.Body, "", "  "); err == nil {
			lines = append(lines, pretty.String())
		} else {
			lines = append(lines, string(resp.Body))
		}
	}
	return f.Lines(result, lines)
}

func requestURI(req *transport.Request) string {
	if len(req.Query) == 0 {
		return req.Path
	}
	return req.Path + "?" + req.Query.Encode()
}
