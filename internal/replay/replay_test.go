package replay_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mailkeep/internal/faults"
	"mailkeep/internal/mailapi"
	"mailkeep/internal/queue"
	"mailkeep/internal/replay"
)

// fakeAPI records dispatched calls and fails the email ids listed in fail.
type fakeAPI struct {
	mu      sync.Mutex
	calls   []string
	fail    map[string]error
	blockCh chan struct{} // when set, SendEmail blocks until closed
}

func (f *fakeAPI) record(kind, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, kind+":"+id)
	if err, ok := f.fail[id]; ok {
		return err
	}
	return nil
}

func (f *fakeAPI) SendEmail(ctx context.Context, msg mailapi.OutgoingEmail) error {
	err := f.record("send", msg.Subject)
	if f.blockCh != nil {
		<-f.blockCh
	}
	return err
}

func (f *fakeAPI) MarkRead(ctx context.Context, flag mailapi.ReadFlag) error {
	return f.record("mark_read", flag.EmailID)
}

func (f *fakeAPI) StarEmail(ctx context.Context, flag mailapi.StarFlag) error {
	return f.record("star", flag.EmailID)
}

func (f *fakeAPI) DeleteEmail(ctx context.Context, ref mailapi.EmailRef) error {
	return f.record("delete", ref.EmailID)
}

func (f *fakeAPI) SaveDraft(ctx context.Context, draft mailapi.Draft) (string, error) {
	return "d1", f.record("save_draft", draft.Subject)
}

func newTestQueue(t *testing.T) *queue.Store {
	t.Helper()

	s, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("opening queue: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustEnqueue(t *testing.T, s *queue.Store, at queue.ActionType, payload string) *queue.Action {
	t.Helper()

	a, err := s.Enqueue(context.Background(), at, json.RawMessage(payload))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return a
}

func TestReplaySuccessRemovesActions(t *testing.T) {
	s := newTestQueue(t)
	api := &fakeAPI{}
	ctx := context.Background()

	mustEnqueue(t, s, queue.ActionMarkRead, `{"email_id":"e1","read":true}`)
	mustEnqueue(t, s, queue.ActionStarEmail, `{"email_id":"e2","starred":true}`)
	mustEnqueue(t, s, queue.ActionDeleteEmail, `{"email_id":"e3"}`)

	result, err := replay.New(s, api).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Replayed != 3 {
		t.Errorf("expected 3 replayed, got %+v", result)
	}

	n, err := s.Size(ctx)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if n != 0 {
		t.Errorf("expected empty queue after successful pass, got %d", n)
	}
}

func TestReplayDispatchesInArrivalOrder(t *testing.T) {
	s := newTestQueue(t)
	api := &fakeAPI{}

	mustEnqueue(t, s, queue.ActionMarkRead, `{"email_id":"e1"}`)
	mustEnqueue(t, s, queue.ActionDeleteEmail, `{"email_id":"e2"}`)
	mustEnqueue(t, s, queue.ActionStarEmail, `{"email_id":"e3"}`)

	if _, err := replay.New(s, api).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []string{"mark_read:e1", "delete:e2", "star:e3"}
	if len(api.calls) != len(want) {
		t.Fatalf("expected %d calls, got %v", len(want), api.calls)
	}
	for i, c := range api.calls {
		if c != want[i] {
			t.Errorf("call %d: expected %s, got %s", i, want[i], c)
		}
	}
}

func TestFailureIncrementsRetryUntilCeiling(t *testing.T) {
	s := newTestQueue(t)
	netErr := faults.Network("test", errors.New("connection reset"))
	api := &fakeAPI{fail: map[string]error{"e1": netErr}}
	ctx := context.Background()

	var exhausted []queue.Action
	e := replay.New(s, api, replay.WithExhaustedHandler(func(a queue.Action) {
		exhausted = append(exhausted, a)
	}))

	a := mustEnqueue(t, s, queue.ActionMarkRead, `{"email_id":"e1"}`)

	for attempt := 1; attempt < queue.MaxRetries; attempt++ {
		result, err := e.Run(ctx)
		if err != nil {
			t.Fatalf("run %d: %v", attempt, err)
		}
		if result.Retried != 1 {
			t.Fatalf("run %d: expected 1 retried, got %+v", attempt, result)
		}
		pending, err := s.Pending(ctx)
		if err != nil {
			t.Fatalf("pending: %v", err)
		}
		if len(pending) != 1 || pending[0].RetryCount != attempt {
			t.Fatalf("run %d: expected retry count %d, got %+v", attempt, attempt, pending)
		}
	}

	// Final attempt hits the ceiling: dropped, reported, never retried again.
	result, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("final run: %v", err)
	}
	if result.Exhausted != 1 {
		t.Errorf("expected 1 exhausted, got %+v", result)
	}
	if len(exhausted) != 1 || exhausted[0].ID != a.ID {
		t.Errorf("expected exhausted callback for action %d, got %+v", a.ID, exhausted)
	}

	n, err := s.Size(ctx)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if n != 0 {
		t.Errorf("expected exhausted action removed, queue size %d", n)
	}
}

func TestRejectedResponseStaysQueuedForRetry(t *testing.T) {
	s := newTestQueue(t)
	rejected := faults.Validation("mailapi.mark_read", &mailapi.StatusError{Code: 400, Body: "bad request"})
	api := &fakeAPI{fail: map[string]error{"e1": rejected}}
	ctx := context.Background()

	var exhausted []queue.Action
	e := replay.New(s, api, replay.WithExhaustedHandler(func(a queue.Action) {
		exhausted = append(exhausted, a)
	}))

	mustEnqueue(t, s, queue.ActionMarkRead, `{"email_id":"e1","read":true}`)

	result, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Retried != 1 || result.Dropped != 0 {
		t.Fatalf("expected rejected response retried, not dropped, got %+v", result)
	}
	pending, err := s.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].RetryCount != 1 {
		t.Fatalf("expected action still pending with retry count 1, got %+v", pending)
	}

	// The ceiling applies the same as for any other failure, and the drop
	// surfaces through the exhausted callback.
	for attempt := 2; attempt <= queue.MaxRetries; attempt++ {
		if _, err := e.Run(ctx); err != nil {
			t.Fatalf("run %d: %v", attempt, err)
		}
	}
	if len(exhausted) != 1 {
		t.Errorf("expected exhausted callback after the ceiling, got %d", len(exhausted))
	}
	n, err := s.Size(ctx)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if n != 0 {
		t.Errorf("expected exhausted action removed, queue size %d", n)
	}
}

func TestMalformedPayloadDroppedWithoutRetry(t *testing.T) {
	s := newTestQueue(t)
	api := &fakeAPI{}
	ctx := context.Background()

	// Valid JSON, wrong shape: email_id must be a string.
	mustEnqueue(t, s, queue.ActionMarkRead, `{"email_id":42}`)

	result, err := replay.New(s, api).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Dropped != 1 || result.Retried != 0 {
		t.Errorf("expected 1 dropped and 0 retried, got %+v", result)
	}
	if len(api.calls) != 0 {
		t.Errorf("malformed action must not reach the network, got calls %v", api.calls)
	}

	n, err := s.Size(ctx)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if n != 0 {
		t.Errorf("expected malformed action removed, queue size %d", n)
	}
}

func TestMixedOutcomesAppliedInOneBatch(t *testing.T) {
	s := newTestQueue(t)
	api := &fakeAPI{fail: map[string]error{"bad": faults.Network("test", errors.New("timeout"))}}
	ctx := context.Background()

	mustEnqueue(t, s, queue.ActionMarkRead, `{"email_id":"ok"}`)
	failing := mustEnqueue(t, s, queue.ActionDeleteEmail, `{"email_id":"bad"}`)

	result, err := replay.New(s, api).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Replayed != 1 || result.Retried != 1 {
		t.Errorf("expected 1 replayed + 1 retried, got %+v", result)
	}

	pending, err := s.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != failing.ID || pending[0].RetryCount != 1 {
		t.Errorf("expected only failing action with retry count 1, got %+v", pending)
	}
}

func TestSingleActivePass(t *testing.T) {
	s := newTestQueue(t)
	block := make(chan struct{})
	api := &fakeAPI{blockCh: block}
	ctx := context.Background()

	mustEnqueue(t, s, queue.ActionSendEmail, `{"to":["a@b.c"],"subject":"s1","body":"x"}`)

	e := replay.New(s, api)
	done := make(chan error, 1)
	go func() {
		_, err := e.Run(ctx)
		done <- err
	}()

	// Wait for the first pass to reach the blocking network call.
	for {
		api.mu.Lock()
		started := len(api.calls) > 0
		api.mu.Unlock()
		if started {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := e.Run(ctx); !errors.Is(err, replay.ErrPassActive) {
		t.Errorf("expected ErrPassActive for concurrent trigger, got %v", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first pass: %v", err)
	}
}

func TestStatusRecomputedAndBroadcast(t *testing.T) {
	s := newTestQueue(t)
	api := &fakeAPI{}
	ctx := context.Background()

	var statuses []queue.SyncStatus
	e := replay.New(s, api, replay.WithStatusListener(func(st queue.SyncStatus) {
		statuses = append(statuses, st)
	}))

	mustEnqueue(t, s, queue.ActionStarEmail, `{"email_id":"e1","starred":true}`)
	if err := e.NotifyEnqueued(ctx); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(statuses) != 1 || statuses[0].QueueSize != 1 || statuses[0].InProgress {
		t.Fatalf("expected idle status with queue size 1, got %+v", statuses)
	}

	if _, err := e.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	last := statuses[len(statuses)-1]
	if last.InProgress || last.QueueSize != 0 {
		t.Errorf("expected final status idle and empty, got %+v", last)
	}

	loaded, err := s.LoadSyncStatus(ctx)
	if err != nil {
		t.Fatalf("load status: %v", err)
	}
	if loaded.QueueSize != 0 || loaded.InProgress {
		t.Errorf("expected persisted snapshot to match, got %+v", loaded)
	}
}
