package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"regexp"
	"sort"

	"github.com/roach88/recordcache/internal/dispatch"
	"github.com/roach88/recordcache/internal/durable"
	"github.com/roach88/recordcache/internal/ir"
	"github.com/roach88/recordcache/internal/objectinfo"
	"github.com/roach88/recordcache/internal/record"
	"github.com/roach88/recordcache/internal/testutil"
	"github.com/roach88/recordcache/internal/transport"
)

// varPattern matches ${name} references.
var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Harness executes one scenario.
type Harness struct {
	scenario *Scenario
	objects  *objectinfo.Registry
	upstream *testutil.FakeUpstream
	store    durable.Store
	clock    *testutil.FixedClock
	env      *dispatch.Environment
	logger   *slog.Logger

	// vars maps bound names to record ids; names is the reverse.
	vars   map[string]string
	names  map[string]string
	drafts int
}

// Option configures a Harness.
type Option func(*Harness)

// WithLogger sets the logger handed to the environment. Logs are discarded
// by default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = l
	}
}

// Run executes a scenario and returns the trace and any failed expectations.
// The returned error reports a scenario that could not be executed at all.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	return RunContext(context.Background(), scenario, opts...)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		scenario: scenario,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		vars:     make(map[string]string),
		names:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(h)
	}

	if err := h.setup(ctx); err != nil {
		return nil, fmt.Errorf("failed to set up scenario: %w", err)
	}
	defer func() {
		h.env.Close()
	}()

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.runStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	for i, a := range scenario.Assertions {
		if err := h.evaluate(ctx, a); err != nil {
			result.AddError(fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return result, nil
}

func (h *Harness) setup(ctx context.Context) error {
	var err error
	if h.scenario.Objects != "" {
		h.objects, err = objectinfo.Load(h.scenario.Objects)
	} else {
		h.objects, err = objectinfo.Builtin()
	}
	if err != nil {
		return err
	}

	prefixes := make(map[string]string)
	for _, name := range h.objects.APINames() {
		if p, ok := h.objects.PrefixFor(name); ok {
			prefixes[name] = p
		}
	}
	h.upstream = testutil.NewFakeUpstream(prefixes)
	for _, r := range h.scenario.Upstream {
		rep := &record.Representation{
			ID:       r.ID,
			APIName:  r.APIName,
			WeakEtag: r.WeakEtag,
			Fields:   make(map[string]record.FieldValue, len(r.Fields)),
		}
		for name, raw := range r.Fields {
			v, err := ir.FromAny(raw)
			if err != nil {
				return fmt.Errorf("upstream %s field %s: %w", r.ID, name, err)
			}
			rep.Fields[name] = record.Scalar(v)
		}
		h.upstream.Seed(rep)
	}

	h.store = durable.NewMemoryStore(nil)
	h.clock = testutil.NewFixedClock()
	return h.open(ctx)
}

func (h *Harness) open(ctx context.Context) error {
	env, err := dispatch.NewEnvironment(ctx, dispatch.Config{
		Durable:  h.store,
		Upstream: h.upstream,
		Objects:  h.objects,
		Clock:    h.clock,
		Logger:   h.logger,
	})
	if err != nil {
		return err
	}
	h.env = env
	return nil
}

func (h *Harness) runStep(ctx context.Context, index int, step Step, result *Result) error {
	switch {
	case step.Request != nil:
		return h.runRequest(ctx, index, step, result)

	case step.Process > 0:
		var last string
		for i := 0; i < step.Process; i++ {
			res, err := h.env.Queue().ProcessNextAction(ctx)
			if err != nil {
				return fmt.Errorf("process: %w", err)
			}
			h.env.Resolver().Wait()
			last = string(res)
			result.AddTrace(TraceEvent{Step: StepProcess, Result: last})
		}
		if step.Expect != nil && step.Expect.Result != "" && step.Expect.Result != last {
			result.AddError(fmt.Sprintf("steps[%d]: expected result %s, got %s", index, step.Expect.Result, last))
		}

	case step.Evict != "":
		id, err := h.substitute(step.Evict)
		if err != nil {
			return err
		}
		if err := h.env.StoreEvict(ctx, record.Key(id)); err != nil {
			return err
		}
		result.AddTrace(TraceEvent{Step: StepEvict, ID: h.display(id)})

	case step.Offline != nil:
		h.upstream.SetOffline(*step.Offline)
		result.AddTrace(TraceEvent{Step: StepOffline, Offline: *step.Offline})

	case step.Restart:
		h.env.Close()
		if err := h.open(ctx); err != nil {
			return fmt.Errorf("restart: %w", err)
		}
		result.AddTrace(TraceEvent{Step: StepRestart})
	}
	return nil
}

func (h *Harness) runRequest(ctx context.Context, index int, step Step, result *Result) error {
	req, err := h.buildRequest(step.Request)
	if err != nil {
		return err
	}
	ev := TraceEvent{Step: StepRequest, Method: step.Request.Method, Path: step.Request.Path}

	resp, err := h.env.Dispatch(ctx, req)
	h.env.Resolver().Wait()
	if err != nil {
		ev.Status = transport.StatusOf(err)
		ev.Error = errorCode(err)
		result.AddTrace(ev)
		h.checkError(index, step.Expect, ev, result)
		return nil
	}

	ev.Status = resp.Status
	ev.Synthetic = resp.Synthetic
	var rep *record.Representation
	if len(resp.Body) > 0 {
		if endpoint, _ := transport.ClassifyRecordRequest(req); endpoint == transport.EndpointGetBatch {
			var body transport.BatchResponse
			if err := resp.DecodeBody(&body); err != nil {
				return fmt.Errorf("decode batch response: %w", err)
			}
			ev.Records = make(ir.Array, len(body.Results))
			for i, r := range body.Results {
				item := ir.Object{"statusCode": ir.Int(r.StatusCode)}
				if r.Result != nil {
					item["result"] = h.renderRecord(r.Result)
				}
				ev.Records[i] = item
			}
		} else {
			rep = &record.Representation{}
			if err := resp.DecodeBody(rep); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			if step.As != "" && rep.ID != "" {
				h.bind(step.As, rep.ID)
			}
			ev.Record = h.renderRecord(rep)
		}
	}
	result.AddTrace(ev)

	if x := step.Expect; x != nil {
		if x.Error != "" {
			result.AddError(fmt.Sprintf("steps[%d]: expected error %s, got status %d", index, x.Error, ev.Status))
		}
		if x.Status != 0 && x.Status != ev.Status {
			result.AddError(fmt.Sprintf("steps[%d]: expected status %d, got %d", index, x.Status, ev.Status))
		}
		if x.Synthetic != nil && *x.Synthetic != ev.Synthetic {
			result.AddError(fmt.Sprintf("steps[%d]: expected synthetic=%t, got %t", index, *x.Synthetic, ev.Synthetic))
		}
		if len(x.Fields) > 0 {
			if rep == nil {
				result.AddError(fmt.Sprintf("steps[%d]: expected fields, response has no record", index))
			} else if err := h.matchFields(x.Fields, recordValues(rep)); err != nil {
				result.AddError(fmt.Sprintf("steps[%d]: %v", index, err))
			}
		}
	}
	return nil
}

func (h *Harness) checkError(index int, x *Expect, ev TraceEvent, result *Result) {
	if x == nil || x.Error == "" {
		result.AddError(fmt.Sprintf("steps[%d]: unexpected error %s (%d)", index, ev.Error, ev.Status))
		return
	}
	if x.Error != ev.Error {
		result.AddError(fmt.Sprintf("steps[%d]: expected error %s, got %s", index, x.Error, ev.Error))
	}
	if x.Status != 0 && x.Status != ev.Status {
		result.AddError(fmt.Sprintf("steps[%d]: expected status %d, got %d", index, x.Status, ev.Status))
	}
}

func errorCode(err error) string {
	var te *transport.Error
	if errors.As(err, &te) {
		return te.Code
	}
	return "NETWORK"
}

func (h *Harness) buildRequest(step *RequestStep) (*transport.Request, error) {
	path, err := h.substitute(step.Path)
	if err != nil {
		return nil, err
	}
	req := &transport.Request{Method: step.Method, Path: path}
	if len(step.Query) > 0 {
		req.Query = url.Values{}
		for k, v := range step.Query {
			s, err := h.substitute(v)
			if err != nil {
				return nil, err
			}
			req.Query.Set(k, s)
		}
	}
	if step.Body != nil {
		body, err := ir.FromAny(step.Body)
		if err != nil {
			return nil, fmt.Errorf("request body: %w", err)
		}
		body, err = h.substituteValue(body)
		if err != nil {
			return nil, err
		}
		req.Body, err = ir.MarshalValue(body)
		if err != nil {
			return nil, fmt.Errorf("request body: %w", err)
		}
	}
	return req, nil
}

// substitute replaces ${name} references with bound record ids.
func (h *Harness) substitute(s string) (string, error) {
	var missing string
	out := varPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := varPattern.FindStringSubmatch(m)[1]
		id, ok := h.vars[name]
		if !ok {
			missing = name
			return m
		}
		return id
	})
	if missing != "" {
		return "", fmt.Errorf("unbound variable ${%s}", missing)
	}
	return out, nil
}

func (h *Harness) substituteValue(v ir.Value) (ir.Value, error) {
	switch val := v.(type) {
	case ir.String:
		s, err := h.substitute(string(val))
		return ir.String(s), err
	case ir.Object:
		out := make(ir.Object, len(val))
		for k, item := range val {
			nv, err := h.substituteValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	case ir.Array:
		out := make(ir.Array, len(val))
		for i, item := range val {
			nv, err := h.substituteValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	}
	return v, nil
}

func (h *Harness) bind(name, id string) {
	h.vars[name] = id
	h.names[id] = name
}

// display returns the name bound to id, binding the next draftN name to
// unnamed draft ids.
func (h *Harness) display(id string) string {
	if name, ok := h.names[id]; ok {
		return "${" + name + "}"
	}
	if !h.objects.IsDraftID(id) {
		return id
	}
	h.drafts++
	name := fmt.Sprintf("draft%d", h.drafts)
	h.bind(name, id)
	return "${" + name + "}"
}

func (h *Harness) displayValue(v ir.Value) ir.Value {
	switch val := v.(type) {
	case nil:
		return ir.Null{}
	case ir.String:
		if h.objects.IsDraftID(string(val)) {
			return ir.String(h.display(string(val)))
		}
	case ir.Object:
		out := make(ir.Object, len(val))
		for _, k := range val.SortedKeys() {
			out[k] = h.displayValue(val[k])
		}
		return out
	case ir.Array:
		out := make(ir.Array, len(val))
		for i, item := range val {
			out[i] = h.displayValue(item)
		}
		return out
	}
	return v
}

// renderRecord renders rep with draft ids replaced by bound names. Fields
// are visited in sorted order so draftN names are assigned deterministically.
func (h *Harness) renderRecord(rep *record.Representation) ir.Object {
	out := ir.Object{"id": ir.String(h.display(rep.ID))}

	names := make([]string, 0, len(rep.Fields))
	for name := range rep.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	fields := make(ir.Object, len(names))
	for _, name := range names {
		f := rep.Fields[name]
		if f.Record != nil {
			fields[name] = h.renderRecord(f.Record)
			continue
		}
		fields[name] = h.displayValue(f.Value)
	}
	out["fields"] = fields

	if rep.Drafts != nil {
		out["drafts"] = ir.Object{
			"created": ir.Bool(rep.Drafts.Created),
			"edited":  ir.Bool(rep.Drafts.Edited),
			"deleted": ir.Bool(rep.Drafts.Deleted),
		}
	}
	return out
}

// recordValues returns the scalar field values of rep; spanning fields
// yield the nested record's id.
func recordValues(rep *record.Representation) map[string]ir.Value {
	out := make(map[string]ir.Value, len(rep.Fields))
	for name, f := range rep.Fields {
		switch {
		case f.Record != nil:
			out[name] = ir.String(f.Record.ID)
		case f.Value == nil:
			out[name] = ir.Null{}
		default:
			out[name] = f.Value
		}
	}
	return out
}

// matchFields checks that every expected field is present in actual with an
// equal value. Expected strings may reference bound names.
func (h *Harness) matchFields(expected map[string]any, actual map[string]ir.Value) error {
	names := make([]string, 0, len(expected))
	for name := range expected {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		want, err := ir.FromAny(expected[name])
		if err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
		if want, err = h.substituteValue(want); err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
		got, ok := actual[name]
		if !ok {
			return fmt.Errorf("field %s: missing", name)
		}
		if !ir.Equal(want, got) {
			return fmt.Errorf("field %s: expected %s, got %s", name, render(want), render(got))
		}
	}
	return nil
}

func render(v ir.Value) string {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
