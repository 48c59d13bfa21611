// Package replay drains the durable action queue against the mail service
// once connectivity returns. Actions replay in arrival order; a pass never
// runs concurrently with another.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"mailkeep/internal/faults"
	"mailkeep/internal/logging"
	"mailkeep/internal/mailapi"
	"mailkeep/internal/queue"
)

// ErrPassActive is returned when a replay trigger arrives while a pass is
// already running. The caller drops the trigger; the running pass will
// pick up any newly enqueued actions on its next run.
var ErrPassActive = errors.New("replay pass already in progress")

// MailAPI is the subset of the mail service client the engine dispatches to.
type MailAPI interface {
	SendEmail(ctx context.Context, msg mailapi.OutgoingEmail) error
	MarkRead(ctx context.Context, flag mailapi.ReadFlag) error
	StarEmail(ctx context.Context, flag mailapi.StarFlag) error
	DeleteEmail(ctx context.Context, ref mailapi.EmailRef) error
	SaveDraft(ctx context.Context, draft mailapi.Draft) (string, error)
}

// Result summarizes one replay pass.
type Result struct {
	Replayed  int // actions replayed successfully and removed
	Retried   int // actions that failed and remain queued with an incremented retry count
	Exhausted int // actions dropped after hitting the retry ceiling
	Dropped   int // locally malformed actions dropped without retry
}

// Engine runs replay passes over the action queue.
type Engine struct {
	store  *queue.Store
	api    MailAPI
	logger *logging.Logger

	inProgress atomic.Bool

	onStatus    func(queue.SyncStatus)
	onExhausted func(queue.Action)
}

// Option is a functional option for Engine
type Option func(*Engine)

// WithStatusListener registers a callback invoked with every recomputed
// sync status. The bus uses this to broadcast to foreground instances.
func WithStatusListener(fn func(queue.SyncStatus)) Option {
	return func(e *Engine) {
		e.onStatus = fn
	}
}

// WithExhaustedHandler registers a callback invoked for each action dropped
// at the retry ceiling, so it can surface as an explicit failure
// notification rather than a silent disappearance.
func WithExhaustedHandler(fn func(queue.Action)) Option {
	return func(e *Engine) {
		e.onExhausted = fn
	}
}

// New creates a replay engine over the given queue store and mail client.
func New(store *queue.Store, api MailAPI, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		api:    api,
		logger: logging.GetLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NotifyEnqueued recomputes and broadcasts the sync status after an
// enqueue. It does not start a pass.
func (e *Engine) NotifyEnqueued(ctx context.Context) error {
	return e.publishStatus(ctx, e.inProgress.Load())
}

// Run executes one replay pass: load pending actions in id order, dispatch
// each, then apply all outcomes in one batch. Returns ErrPassActive when a
// pass is already running.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	if !e.inProgress.CompareAndSwap(false, true) {
		return Result{}, ErrPassActive
	}
	defer e.inProgress.Store(false)

	if err := e.publishStatus(ctx, true); err != nil {
		e.logger.Warn("replay: publishing status: %v", err)
	}

	var result Result
	pending, err := e.store.Pending(ctx)
	if err != nil {
		_ = e.publishStatus(ctx, false)
		return result, err
	}

	var removeIDs []int64
	type retryUpdate struct {
		id    int64
		count int
	}
	var retries []retryUpdate

	for _, a := range pending {
		err := e.dispatch(ctx, a)
		switch {
		case err == nil:
			removeIDs = append(removeIDs, a.ID)
			result.Replayed++

		case faults.IsValidation(err) && !remoteStatus(err):
			// Malformed before it ever left the machine: retrying cannot help.
			e.logger.Warn("replay: dropping action %d (%s): %v", a.ID, a.Type, err)
			removeIDs = append(removeIDs, a.ID)
			result.Dropped++

		default:
			a.RetryCount++
			if a.RetryCount >= queue.MaxRetries {
				e.logger.Error("replay: action %d (%s) failed %d times, dropping: %v",
					a.ID, a.Type, a.RetryCount, err)
				removeIDs = append(removeIDs, a.ID)
				result.Exhausted++
				if e.onExhausted != nil {
					e.onExhausted(a)
				}
			} else {
				e.logger.Info("replay: action %d (%s) failed (attempt %d): %v",
					a.ID, a.Type, a.RetryCount, err)
				retries = append(retries, retryUpdate{id: a.ID, count: a.RetryCount})
				result.Retried++
			}
		}
	}

	if err := e.store.Remove(ctx, removeIDs); err != nil {
		e.logger.Error("replay: removing completed actions: %v", err)
	}
	for _, r := range retries {
		if err := e.store.SetRetryCount(ctx, r.id, r.count); err != nil {
			e.logger.Error("replay: persisting retry count for %d: %v", r.id, err)
		}
	}

	if err := e.publishStatus(ctx, false); err != nil {
		e.logger.Warn("replay: publishing status: %v", err)
	}
	return result, nil
}

// remoteStatus reports whether err carries a mail service response status.
// Any non-2xx response leaves the action queued with an incremented retry
// count, up to the ceiling; only actions malformed on this side are
// dropped outright.
func remoteStatus(err error) bool {
	var statusErr *mailapi.StatusError
	return errors.As(err, &statusErr)
}

// dispatch issues the network call for one queued action.
func (e *Engine) dispatch(ctx context.Context, a queue.Action) error {
	switch a.Type {
	case queue.ActionSendEmail:
		var msg mailapi.OutgoingEmail
		if err := json.Unmarshal(a.Payload, &msg); err != nil {
			return faults.Validation("replay.dispatch", err)
		}
		return e.api.SendEmail(ctx, msg)

	case queue.ActionMarkRead:
		var flag mailapi.ReadFlag
		if err := json.Unmarshal(a.Payload, &flag); err != nil {
			return faults.Validation("replay.dispatch", err)
		}
		return e.api.MarkRead(ctx, flag)

	case queue.ActionStarEmail:
		var flag mailapi.StarFlag
		if err := json.Unmarshal(a.Payload, &flag); err != nil {
			return faults.Validation("replay.dispatch", err)
		}
		return e.api.StarEmail(ctx, flag)

	case queue.ActionDeleteEmail:
		var ref mailapi.EmailRef
		if err := json.Unmarshal(a.Payload, &ref); err != nil {
			return faults.Validation("replay.dispatch", err)
		}
		return e.api.DeleteEmail(ctx, ref)

	case queue.ActionSaveDraft:
		var draft mailapi.Draft
		if err := json.Unmarshal(a.Payload, &draft); err != nil {
			return faults.Validation("replay.dispatch", err)
		}
		_, err := e.api.SaveDraft(ctx, draft)
		return err

	default:
		return faults.Validation("replay.dispatch", fmt.Errorf("unknown action type %q", a.Type))
	}
}

// publishStatus recomputes the sync status, persists the snapshot, and
// notifies the status listener.
func (e *Engine) publishStatus(ctx context.Context, inProgress bool) error {
	size, err := e.store.Size(ctx)
	if err != nil {
		return err
	}
	st := queue.SyncStatus{
		InProgress: inProgress,
		QueueSize:  size,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := e.store.SaveSyncStatus(ctx, st); err != nil {
		return err
	}
	if e.onStatus != nil {
		e.onStatus(st)
	}
	return nil
}
