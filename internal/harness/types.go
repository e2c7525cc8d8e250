package harness

import (
	"github.com/roach88/recordcache/internal/ir"
)

// Step kinds recorded in the trace.
const (
	StepRequest = "request"
	StepProcess = "process"
	StepEvict   = "evict"
	StepOffline = "offline"
	StepRestart = "restart"
)

// TraceEvent is the observable outcome of one step, or of one
// ProcessNextAction call of a process step.
type TraceEvent struct {
	Seq  int64
	Step string

	// Request steps.
	Method    string
	Path      string
	Status    int
	Synthetic bool
	Error     string
	Record    ir.Object
	Records   ir.Array

	// Process steps.
	Result string

	// Evict steps.
	ID string

	// Offline steps.
	Offline bool
}

// Value renders the event for golden comparison. Draft ids have already
// been replaced by their bound names.
func (e TraceEvent) Value() ir.Object {
	out := ir.Object{
		"seq":  ir.Int(e.Seq),
		"step": ir.String(e.Step),
	}
	switch e.Step {
	case StepRequest:
		out["method"] = ir.String(e.Method)
		out["path"] = ir.String(e.Path)
		out["status"] = ir.Int(e.Status)
		if e.Error != "" {
			out["error"] = ir.String(e.Error)
			break
		}
		out["synthetic"] = ir.Bool(e.Synthetic)
		if e.Record != nil {
			out["record"] = e.Record
		}
		if e.Records != nil {
			out["records"] = e.Records
		}
	case StepProcess:
		out["result"] = ir.String(e.Result)
	case StepEvict:
		out["id"] = ir.String(e.ID)
	case StepOffline:
		out["offline"] = ir.Bool(e.Offline)
	}
	return out
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace contains one event per request, evict, offline and restart step
	// and one per ProcessNextAction call.
	Trace []TraceEvent `json:"-"`

	// Errors contains expectation and assertion failures.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends ev with the next sequence number.
func (r *Result) AddTrace(ev TraceEvent) TraceEvent {
	ev.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, ev)
	return ev
}

// TraceValue renders the trace as an array of event objects.
func (r *Result) TraceValue() ir.Array {
	out := make(ir.Array, len(r.Trace))
	for i, ev := range r.Trace {
		out[i] = ev.Value()
	}
	return out
}
