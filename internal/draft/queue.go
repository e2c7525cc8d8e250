package draft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/roach88/recordcache/internal/durable"
	"github.com/roach88/recordcache/internal/transport"
)

// State is the run state of the queue.
type State string

const (
	// StateStopped means Run does not process actions.
	StateStopped State = "stopped"

	// StateStarted means Run processes actions as they arrive.
	StateStarted State = "started"

	// StateWaiting means the last upload hit a connectivity failure; Run
	// retries after the retry interval.
	StateWaiting State = "waiting"
)

// ProcessResult is the outcome of ProcessNextAction.
type ProcessResult string

const (
	// ProcessNoActionToProcess means the queue was empty.
	ProcessNoActionToProcess ProcessResult = "NO_ACTION_TO_PROCESS"
	// ProcessBlockedOnError means the head action is in StatusError and
	// nothing behind it is uploaded until it is retried or removed.
	ProcessBlockedOnError ProcessResult = "BLOCKED_ON_ERROR"
	// ProcessActionAlreadyProcessing means another caller is uploading the
	// head action.
	ProcessActionAlreadyProcessing ProcessResult = "ACTION_ALREADY_PROCESSING"
	// ProcessActionProcessed means the head action uploaded and was removed.
	ProcessActionProcessed ProcessResult = "ACTION_PROCESSED"
	// ProcessActionErrored means the upstream rejected the head action; it
	// stays at the head in StatusError.
	ProcessActionErrored ProcessResult = "ACTION_ERRORED"
	// ProcessNetworkError means the upstream was unreachable; the head action
	// is pending again.
	ProcessNetworkError ProcessResult = "NETWORK_ERROR"
)

// DefaultRetryInterval is how long Run waits before retrying after a
// connectivity failure.
const DefaultRetryInterval = 5 * time.Second

// Queue is the durable FIFO of draft actions.
//
// Enqueue persists before returning. Uploads go through the uploader one at a
// time; listeners observe every transition synchronously and are invoked
// outside the queue lock, so they may call back into the queue.
type Queue struct {
	store         durable.Store
	uploader      transport.Handler
	clock         Clock
	ids           *idSource
	logger        *slog.Logger
	retryInterval time.Duration

	mu         sync.Mutex
	state      State
	processing bool
	closed     bool

	listeners listenerSet

	// signal wakes Run; buffered so a send never blocks and repeated
	// wakeups coalesce.
	signal chan struct{}
	done   chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the clock used for timestamps and ids.
func WithClock(c Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithRetryInterval sets the delay before Run retries after a
// connectivity failure.
func WithRetryInterval(d time.Duration) Option {
	return func(q *Queue) { q.retryInterval = d }
}

// New creates a stopped queue persisting to store and uploading through
// uploader.
func New(store durable.Store, uploader transport.Handler, opts ...Option) *Queue {
	q := &Queue{
		store:         store,
		uploader:      uploader,
		clock:         SystemClock{},
		logger:        slog.Default(),
		retryInterval: DefaultRetryInterval,
		state:         StateStopped,
		signal:        make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.ids = newIDSource(q.clock)
	return q
}

// RegisterOnChangedListener adds fn to the listeners and returns a function
// that removes it.
func (q *Queue) RegisterOnChangedListener(fn Listener) func() {
	return q.listeners.add(fn)
}

func (q *Queue) emit(ctx context.Context, ev Event) {
	q.listeners.emit(ctx, q.logger, ev)
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Enqueue appends a pending action for req targeting targetID and persists it
// under tag.
func (q *Queue) Enqueue(ctx context.Context, req *transport.Request, tag, targetID, apiName string) (*Action, error) {
	if req == nil {
		return nil, fmt.Errorf("enqueue: nil request")
	}
	if tag == "" || targetID == "" {
		return nil, fmt.Errorf("enqueue: tag and target id are required")
	}

	hash, err := requestHash(req)
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, &QueueError{Code: ErrCodeClosed, Message: "queue closed"}
	}
	action := &Action{
		ID:            q.ids.next(),
		Tag:           tag,
		TargetID:      targetID,
		TargetAPIName: apiName,
		Request:       req.Clone(),
		Status:        StatusPending,
		Timestamp:     q.clock.Now().UnixMilli(),
		Metadata:      map[string]string{MetadataRequestHash: hash},
	}
	// Saved under the lock so durable order matches id order.
	err = q.save(ctx, action)
	q.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	q.logger.Info("draft action enqueued",
		"action_id", action.ID,
		"tag", tag,
		"method", req.Method,
	)
	q.emit(ctx, Event{Type: EventActionAdded, Action: action.Clone()})
	q.wake()
	return action.Clone(), nil
}

// GetQueueActions returns all actions in enqueue order.
func (q *Queue) GetQueueActions(ctx context.Context) ([]*Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	actions, err := q.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("get queue actions: %w", err)
	}
	return actions, nil
}

// ActionsForTag returns the actions on tag in enqueue order.
func (q *Queue) ActionsForTag(ctx context.Context, tag string) ([]*Action, error) {
	all, err := q.GetQueueActions(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Action
	for _, a := range all {
		if a.Tag == tag {
			out = append(out, a)
		}
	}
	return out, nil
}

// ProcessNextAction uploads the head of the queue.
//
// An error head blocks the queue. A response with an error status marks the
// action errored; a failure without a status returns it to pending and moves
// the queue to StateWaiting. Completed actions are removed once listeners
// have observed EventActionCompleted.
func (q *Queue) ProcessNextAction(ctx context.Context) (ProcessResult, error) {
	q.mu.Lock()
	if q.processing {
		q.mu.Unlock()
		return ProcessActionAlreadyProcessing, nil
	}
	actions, err := q.load(ctx)
	if err != nil {
		q.mu.Unlock()
		return "", fmt.Errorf("process next action: %w", err)
	}
	if len(actions) == 0 {
		q.mu.Unlock()
		return ProcessNoActionToProcess, nil
	}
	head := actions[0]
	if head.Status == StatusError {
		q.mu.Unlock()
		return ProcessBlockedOnError, nil
	}
	head.Status = StatusUploading
	if err := q.save(ctx, head); err != nil {
		q.mu.Unlock()
		return "", fmt.Errorf("process next action: %w", err)
	}
	q.processing = true
	// Listeners may call back into the queue, so events are emitted
	// unlocked. processing keeps other callers off the head meanwhile.
	q.mu.Unlock()

	q.logger.Debug("uploading draft action", "action_id", head.ID, "tag", head.Tag)
	q.emit(ctx, Event{Type: EventActionUploading, Action: head.Clone()})

	resp, upErr := q.uploader.Dispatch(ctx, head.Request.Clone())
	if upErr == nil && resp == nil {
		resp = &transport.Response{Status: http.StatusNoContent}
	}
	if upErr == nil && !resp.OK() {
		upErr = transport.Upstream(resp.Status, string(resp.Body))
	}

	switch {
	case upErr == nil:
		return q.complete(ctx, head, resp)
	case transport.IsNetworkError(upErr):
		return q.requeue(ctx, head, upErr)
	default:
		return q.fail(ctx, head, upErr)
	}
}

func (q *Queue) complete(ctx context.Context, head *Action, resp *transport.Response) (ProcessResult, error) {
	q.mu.Lock()
	head.Status = StatusCompleted
	head.Response = resp
	err := q.save(ctx, head)
	q.mu.Unlock()
	if err != nil {
		q.finishProcessing()
		return "", fmt.Errorf("complete action %s: %w", head.ID, err)
	}

	q.logger.Info("draft action completed", "action_id", head.ID, "tag", head.Tag, "status", resp.Status)
	q.emit(ctx, Event{Type: EventActionCompleted, Action: head.Clone()})

	// Evicted only after listeners have seen the response.
	q.mu.Lock()
	err = q.store.EvictEntries(ctx, []string{ActionKey(head.Tag, head.ID)}, durable.SegmentDraftActions)
	q.processing = false
	q.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("remove completed action %s: %w", head.ID, err)
	}
	return ProcessActionProcessed, nil
}

func (q *Queue) requeue(ctx context.Context, head *Action, cause error) (ProcessResult, error) {
	q.mu.Lock()
	head.Status = StatusPending
	err := q.save(ctx, head)
	q.processing = false
	q.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("requeue action %s: %w", head.ID, err)
	}
	q.logger.Warn("draft action upload failed, waiting for connectivity",
		"action_id", head.ID,
		"error", cause,
	)
	q.setState(ctx, StateWaiting)
	return ProcessNetworkError, nil
}

func (q *Queue) fail(ctx context.Context, head *Action, cause error) (ProcessResult, error) {
	q.mu.Lock()
	head.Status = StatusError
	head.Error = actionError(cause)
	err := q.save(ctx, head)
	q.processing = false
	q.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("fail action %s: %w", head.ID, err)
	}
	q.logger.Warn("draft action rejected",
		"action_id", head.ID,
		"tag", head.Tag,
		"status", head.Error.Status,
		"error", head.Error.Message,
	)
	q.emit(ctx, Event{Type: EventActionFailed, Action: head.Clone()})
	return ProcessActionErrored, nil
}

func (q *Queue) finishProcessing() {
	q.mu.Lock()
	q.processing = false
	q.mu.Unlock()
}

func actionError(err error) *ActionError {
	var terr *transport.Error
	if errors.As(err, &terr) {
		return &ActionError{Status: terr.Status, Code: terr.Code, Message: terr.Message}
	}
	return &ActionError{Status: transport.StatusOf(err), Message: err.Error()}
}

// RemoveDraftAction deletes the action with id. An uploading action cannot
// be removed.
func (q *Queue) RemoveDraftAction(ctx context.Context, id string) error {
	q.mu.Lock()
	action, err := q.find(ctx, id)
	if err != nil {
		q.mu.Unlock()
		return fmt.Errorf("remove draft action: %w", err)
	}
	if action.Status == StatusUploading {
		q.mu.Unlock()
		return &QueueError{Code: ErrCodeActionUploading, ActionID: id, Message: "cannot remove an uploading action"}
	}
	err = q.store.EvictEntries(ctx, []string{ActionKey(action.Tag, action.ID)}, durable.SegmentDraftActions)
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("remove draft action: %w", err)
	}

	q.logger.Info("draft action removed", "action_id", id, "tag", action.Tag)
	q.emit(ctx, Event{Type: EventActionDeleted, Action: action})
	q.wake()
	return nil
}

// ReplaceAction gives the target action the request of the source action and
// removes the source. Both must be pending and on the same tag.
func (q *Queue) ReplaceAction(ctx context.Context, targetID, sourceID string) (*Action, error) {
	q.mu.Lock()
	target, err := q.find(ctx, targetID)
	if err != nil {
		q.mu.Unlock()
		return nil, fmt.Errorf("replace action: %w", err)
	}
	source, err := q.find(ctx, sourceID)
	if err != nil {
		q.mu.Unlock()
		return nil, fmt.Errorf("replace action: %w", err)
	}
	for _, a := range []*Action{target, source} {
		if a.Status != StatusPending {
			q.mu.Unlock()
			return nil, &QueueError{Code: ErrCodeInvalidState, ActionID: a.ID, Message: "action is " + string(a.Status) + ", want pending"}
		}
	}
	if target.Tag != source.Tag {
		q.mu.Unlock()
		return nil, &QueueError{Code: ErrCodeTagMismatch, ActionID: sourceID, Message: "actions target different records"}
	}

	target.Request = source.Request.Clone()
	if h, ok := source.Metadata[MetadataRequestHash]; ok {
		if target.Metadata == nil {
			target.Metadata = map[string]string{}
		}
		target.Metadata[MetadataRequestHash] = h
	}
	entry, err := durable.NewEntry(target)
	if err != nil {
		q.mu.Unlock()
		return nil, fmt.Errorf("replace action: %w", err)
	}
	err = q.store.BatchOperations(ctx, []durable.Operation{
		{Type: durable.OpSetEntries, Segment: durable.SegmentDraftActions, Entries: map[string]durable.Entry{ActionKey(target.Tag, target.ID): entry}},
		{Type: durable.OpEvictEntries, Segment: durable.SegmentDraftActions, Keys: []string{ActionKey(source.Tag, source.ID)}},
	})
	q.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("replace action: %w", err)
	}

	q.logger.Info("draft action replaced", "target_id", targetID, "source_id", sourceID)
	// Target first, so listeners never see the tag with no action.
	q.emit(ctx, Event{Type: EventActionUpdated, Action: target.Clone()})
	q.emit(ctx, Event{Type: EventActionDeleted, Action: source})
	return target.Clone(), nil
}

// RetryAction returns an errored action to pending.
func (q *Queue) RetryAction(ctx context.Context, id string) error {
	q.mu.Lock()
	action, err := q.find(ctx, id)
	if err != nil {
		q.mu.Unlock()
		return fmt.Errorf("retry action: %w", err)
	}
	if action.Status != StatusError {
		q.mu.Unlock()
		return &QueueError{Code: ErrCodeInvalidState, ActionID: id, Message: "action is " + string(action.Status) + ", want error"}
	}
	action.Status = StatusPending
	action.Error = nil
	err = q.save(ctx, action)
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("retry action: %w", err)
	}

	q.logger.Info("draft action retried", "action_id", id)
	q.emit(ctx, Event{Type: EventActionUpdated, Action: action.Clone()})
	q.wake()
	return nil
}

// Start lets Run process actions.
func (q *Queue) Start(ctx context.Context) {
	q.setState(ctx, StateStarted)
	q.wake()
}

// Stop pauses Run after the current upload.
func (q *Queue) Stop(ctx context.Context) {
	q.setState(ctx, StateStopped)
}

// State returns the current run state.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

func (q *Queue) setState(ctx context.Context, s State) {
	q.mu.Lock()
	if q.state == s {
		q.mu.Unlock()
		return
	}
	q.state = s
	q.mu.Unlock()
	q.logger.Info("draft queue state changed", "state", s)
	q.emit(ctx, Event{Type: EventQueueStateChanged, State: s})
}

// Run processes actions while the queue is started until ctx is cancelled
// or Close is called. In StateWaiting it retries after the retry interval.
func (q *Queue) Run(ctx context.Context) error {
	for {
		if q.State() == StateStarted {
			res, err := q.ProcessNextAction(ctx)
			if err != nil {
				q.logger.Error("draft queue processing failed", "error", err)
			}
			if err == nil && res == ProcessActionProcessed {
				continue
			}
		}

		var (
			timer *time.Timer
			retry <-chan time.Time
		)
		if q.State() == StateWaiting {
			timer = time.NewTimer(q.retryInterval)
			retry = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return ctx.Err()
		case <-q.done:
			stopTimer(timer)
			return nil
		case <-q.signal:
			stopTimer(timer)
		case <-retry:
			q.setState(ctx, StateStarted)
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// Close stops Run and rejects further enqueues.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// load reads all actions sorted by id. Completed actions are skipped, and
// evicted when no upload is in flight. Callers hold q.mu.
func (q *Queue) load(ctx context.Context) ([]*Action, error) {
	entries, err := q.store.GetAllEntries(ctx, durable.SegmentDraftActions)
	if err != nil {
		return nil, err
	}
	actions := make([]*Action, 0, len(entries))
	var stale []string
	for key, e := range entries {
		var a Action
		if err := e.Decode(&a); err != nil {
			return nil, fmt.Errorf("decode action %s: %w", key, err)
		}
		if a.Status == StatusCompleted {
			stale = append(stale, key)
			continue
		}
		if a.Status == StatusUploading && !q.processing {
			a.Status = StatusPending
		}
		actions = append(actions, &a)
	}
	if len(stale) > 0 && !q.processing {
		if err := q.store.EvictEntries(ctx, stale, durable.SegmentDraftActions); err != nil {
			return nil, fmt.Errorf("evict completed actions: %w", err)
		}
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i].ID < actions[j].ID })
	return actions, nil
}

func (q *Queue) find(ctx context.Context, id string) (*Action, error) {
	actions, err := q.load(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range actions {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, &QueueError{Code: ErrCodeActionNotFound, ActionID: id, Message: "no such action"}
}

func (q *Queue) save(ctx context.Context, a *Action) error {
	entry, err := durable.NewEntry(a)
	if err != nil {
		return fmt.Errorf("encode action %s: %w", a.ID, err)
	}
	return q.store.SetEntries(ctx, map[string]durable.Entry{ActionKey(a.Tag, a.ID): entry}, durable.SegmentDraftActions)
}
