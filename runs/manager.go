package runs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nexabus/nexabus/bus"
	"github.com/nexabus/nexabus/errors"
	"github.com/nexabus/nexabus/ipc"
	"github.com/nexabus/nexabus/logging"
)

// Status is the run lifecycle: queued → running → terminal, with
// cancel_requested as an interim state while a cancellation is in flight.
type Status string

const (
	StatusQueued          Status = "queued"
	StatusRunning         Status = "running"
	StatusCancelRequested Status = "cancel_requested"
	StatusSucceeded       Status = "succeeded"
	StatusFailed          Status = "failed"
	StatusCanceled        Status = "canceled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// Record is one tracked run.
type Record struct {
	RunID     string         `json:"run_id"`
	PluginID  string         `json:"plugin_id"`
	EntryID   string         `json:"entry_id"`
	Args      map[string]any `json:"args,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (r *Record) clone() *Record {
	c := *r
	return &c
}

// TriggerFunc invokes a plugin entry; supplied by the control plane.
type TriggerFunc func(ctx context.Context, pluginID, entryID string, args map[string]any, timeout time.Duration) (ipc.Result, error)

// Options wires a Manager.
type Options struct {
	RunsStore   *bus.Store
	ExportStore *bus.Store
	Trigger     TriggerFunc
	Blobs       *BlobStore
	Logger      logging.Logger

	Secret      []byte
	TokenTTL    time.Duration
	ExecTimeout time.Duration
}

// CreateRequest is the run-creation input.
type CreateRequest struct {
	PluginID       string
	EntryID        string
	Args           map[string]any
	TaskID         string
	TraceID        string
	IdempotencyKey string
}

// Created is the creation response: the record plus its access token.
type Created struct {
	Record    *Record
	Token     string
	ExpiresAt time.Time
}

// Manager owns run state. Every status transition is committed to the
// runs store with op "change" so subscribers observe the lifecycle.
type Manager struct {
	opts   Options
	logger logging.Logger

	mu   sync.Mutex
	runs map[string]*Record
	idem map[string]string // idempotency key -> run id

	wg sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Hour
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = 30 * time.Second
	}
	return &Manager{
		opts:   opts,
		logger: opts.Logger.Named("runs"),
		runs:   make(map[string]*Record),
		idem:   make(map[string]string),
	}
}

// Create registers a run and schedules its execution. A repeated
// idempotency key returns the original run without re-executing.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Created, error) {
	if req.PluginID == "" {
		return nil, errors.NewRequired("plugin_id")
	}
	if req.EntryID == "" {
		return nil, errors.NewRequired("entry_id")
	}

	m.mu.Lock()
	if req.IdempotencyKey != "" {
		if runID, seen := m.idem[req.IdempotencyKey]; seen {
			rec := m.runs[runID].clone()
			m.mu.Unlock()
			token, expiresAt, err := IssueToken(m.opts.Secret, rec.RunID, "read", m.opts.TokenTTL)
			if err != nil {
				return nil, err
			}
			return &Created{Record: rec, Token: token, ExpiresAt: expiresAt}, nil
		}
	}

	now := time.Now()
	rec := &Record{
		RunID:     uuid.NewString(),
		PluginID:  req.PluginID,
		EntryID:   req.EntryID,
		Args:      req.Args,
		TaskID:    req.TaskID,
		TraceID:   req.TraceID,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.runs[rec.RunID] = rec
	if req.IdempotencyKey != "" {
		m.idem[req.IdempotencyKey] = rec.RunID
	}
	m.mu.Unlock()

	if _, err := m.opts.RunsStore.Publish(rec.RunID, m.statusPayload(rec)); err != nil {
		m.logger.Warn("run record not published", zap.String("run_id", rec.RunID), zap.Error(err))
	}

	token, expiresAt, err := IssueToken(m.opts.Secret, rec.RunID, "read", m.opts.TokenTTL)
	if err != nil {
		return nil, err
	}

	m.wg.Add(1)
	go m.execute(rec.RunID)

	return &Created{Record: rec.clone(), Token: token, ExpiresAt: expiresAt}, nil
}

// Get returns a snapshot of one run.
func (m *Manager) Get(runID string) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[runID]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

// Cancel requests cancellation: a queued run commits canceled directly, a
// running run transitions to cancel_requested.
func (m *Manager) Cancel(runID string) (*Record, error) {
	m.mu.Lock()
	rec, ok := m.runs[runID]
	if !ok {
		m.mu.Unlock()
		return nil, errors.NewNotFound("run", runID)
	}
	switch rec.Status {
	case StatusQueued:
		rec.Status = StatusCanceled
	case StatusRunning:
		rec.Status = StatusCancelRequested
	case StatusCancelRequested:
		// Already in flight.
	default:
		snapshot := rec.clone()
		m.mu.Unlock()
		return snapshot, errors.New(errors.ErrorTypeConflict, "run already terminal").
			WithDetail("status", string(snapshot.Status))
	}
	rec.UpdatedAt = time.Now()
	snapshot := rec.clone()
	m.mu.Unlock()

	m.commitChange(snapshot)
	return snapshot, nil
}

// execute runs one queued record to a terminal status.
func (m *Manager) execute(runID string) {
	defer m.wg.Done()

	m.mu.Lock()
	rec, ok := m.runs[runID]
	if !ok || rec.Status != StatusQueued {
		// Canceled before start; already committed.
		m.mu.Unlock()
		return
	}
	rec.Status = StatusRunning
	rec.UpdatedAt = time.Now()
	args := make(map[string]any, len(rec.Args)+1)
	for k, v := range rec.Args {
		args[k] = v
	}
	args["run_id"] = rec.RunID
	snapshot := rec.clone()
	m.mu.Unlock()
	m.commitChange(snapshot)

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ExecTimeout)
	defer cancel()
	res, err := m.opts.Trigger(ctx, snapshot.PluginID, snapshot.EntryID, args, m.opts.ExecTimeout)

	m.mu.Lock()
	rec = m.runs[runID]
	canceled := rec.Status == StatusCancelRequested
	switch {
	case err != nil:
		rec.Status = StatusFailed
		rec.Error = err.Error()
	case !res.OK:
		rec.Status = StatusFailed
		rec.Error = res.Message
		if canceled {
			rec.Status = StatusCanceled
		}
	default:
		rec.Status = StatusSucceeded
		rec.Result = res.Data
		if canceled {
			// The handler finished despite the request; the result stands
			// but the run records the cancellation.
			rec.Status = StatusCanceled
		}
	}
	rec.UpdatedAt = time.Now()
	snapshot = rec.clone()
	m.mu.Unlock()

	m.recordResultExport(snapshot, res, err)
	m.commitChange(snapshot)
}

// recordResultExport appends the synthetic result item every run emits.
func (m *Manager) recordResultExport(rec *Record, res ipc.Result, err error) {
	payload := map[string]any{
		"id":     uuid.NewString(),
		"run_id": rec.RunID,
		"type":   "result",
		"status": string(rec.Status),
	}
	if err != nil {
		payload["error"] = err.Error()
	} else if !res.OK {
		payload["error"] = res.Message
		payload["code"] = res.Code
	} else {
		payload["content"] = res.Data
	}
	if _, perr := m.opts.ExportStore.Publish(rec.RunID, payload); perr != nil {
		m.logger.Warn("result export not recorded",
			zap.String("run_id", rec.RunID), zap.Error(perr))
	}
}

func (m *Manager) statusPayload(rec *Record) map[string]any {
	payload := map[string]any{
		"id":        rec.RunID,
		"plugin_id": rec.PluginID,
		"entry_id":  rec.EntryID,
		"status":    string(rec.Status),
		"type":      "run",
	}
	if rec.TaskID != "" {
		payload["task_id"] = rec.TaskID
	}
	if rec.TraceID != "" {
		payload["trace_id"] = rec.TraceID
	}
	if rec.Error != "" {
		payload["error"] = rec.Error
	}
	if rec.Message != "" {
		payload["message"] = rec.Message
	}
	return payload
}

func (m *Manager) commitChange(rec *Record) {
	if _, err := m.opts.RunsStore.PublishChange(rec.RunID, m.statusPayload(rec)); err != nil {
		m.logger.Warn("run status not published",
			zap.String("run_id", rec.RunID), zap.Error(err))
	}
}

// ListExport pages through a run's export items in seq order.
func (m *Manager) ListExport(runID string, afterSeq uint64, limit int) []map[string]any {
	events := m.opts.ExportStore.GetSince(runID, afterSeq, limit)
	out := make([]map[string]any, len(events))
	for i, ev := range events {
		out[i] = map[string]any{"seq": ev.Seq, "item": ev.Payload}
	}
	return out
}

// Token issues a read token for an existing run.
func (m *Manager) Token(runID string) (string, time.Time, error) {
	if _, ok := m.Get(runID); !ok {
		return "", time.Time{}, errors.NewNotFound("run", runID)
	}
	return IssueToken(m.opts.Secret, runID, "read", m.opts.TokenTTL)
}

// Verify validates a run token against the manager's secret.
func (m *Manager) Verify(token string) (*TokenPayload, error) {
	return VerifyToken(m.opts.Secret, token)
}

// Blobs exposes the blob store for the HTTP layer.
func (m *Manager) Blobs() *BlobStore { return m.opts.Blobs }

// Wait blocks until every in-flight run has finished. Used in shutdown
// and tests.
func (m *Manager) Wait() { m.wg.Wait() }

// ExportPush accepts an export item pushed by the executing plugin.
// Implements the router's run sink.
func (m *Manager) ExportPush(_ context.Context, fromPlugin string, payload map[string]any) (map[string]any, error) {
	runID, _ := payload["run_id"].(string)
	rec, ok := m.Get(runID)
	if !ok {
		return nil, errors.NewNotFound("run", runID)
	}
	if rec.PluginID != fromPlugin {
		return nil, errors.NewForbidden("export items may only come from the executing plugin")
	}

	item := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		if k == "timeout" {
			continue
		}
		item[k] = v
	}
	if _, ok := item["id"]; !ok {
		item["id"] = uuid.NewString()
	}
	if _, ok := item["type"]; !ok {
		item["type"] = "text"
	}
	ev, err := m.opts.ExportStore.Publish(runID, item)
	if err != nil {
		return nil, err
	}
	return map[string]any{"seq": ev.Seq, "item_id": item["id"]}, nil
}

// RunUpdate lets the executing plugin report progress and observe the
// cancellation flag. Implements the router's run sink.
func (m *Manager) RunUpdate(_ context.Context, fromPlugin string, payload map[string]any) (map[string]any, error) {
	runID, _ := payload["run_id"].(string)

	m.mu.Lock()
	rec, ok := m.runs[runID]
	if !ok {
		m.mu.Unlock()
		return nil, errors.NewNotFound("run", runID)
	}
	if rec.PluginID != fromPlugin {
		m.mu.Unlock()
		return nil, errors.NewForbidden("runs may only be updated by the executing plugin")
	}
	changed := false
	if msg, ok := payload["message"].(string); ok && msg != rec.Message {
		rec.Message = msg
		changed = true
	}
	if changed {
		rec.UpdatedAt = time.Now()
	}
	snapshot := rec.clone()
	m.mu.Unlock()

	if changed {
		m.commitChange(snapshot)
	}
	return map[string]any{
		"status":           string(snapshot.Status),
		"cancel_requested": snapshot.Status == StatusCancelRequested,
	}, nil
}
