package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"ultraboard-sync-server/internal/domain"
	"ultraboard-sync-server/internal/presence"
	"ultraboard-sync-server/internal/repository"
	"ultraboard-sync-server/internal/websocket"
)

type published struct {
	to      string
	lesson  string
	exclude string
	msg     *websocket.Message
}

type recordingPublisher struct {
	mu         sync.Mutex
	direct     []published
	broadcasts []published
}

func (p *recordingPublisher) SendToClient(clientID string, msg *websocket.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.direct = append(p.direct, published{to: clientID, msg: msg})
	return nil
}

func (p *recordingPublisher) BroadcastToLesson(lessonID string, msg *websocket.Message, exclude string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broadcasts = append(p.broadcasts, published{lesson: lessonID, exclude: exclude, msg: msg})
	return nil
}

func (p *recordingPublisher) sentTo(clientID string, t websocket.MessageType) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, m := range p.direct {
		if m.to == clientID && m.msg.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (p *recordingPublisher) broadcastsOf(t websocket.MessageType) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, m := range p.broadcasts {
		if m.msg.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func decode(t *testing.T, m published, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(m.msg.Payload, v); err != nil {
		t.Fatalf("decode %s payload: %v", m.msg.Type, err)
	}
}

// faultyOperationRepo wraps a real store and injects failures.
type faultyOperationRepo struct {
	repository.OperationRepository
	failAppend func(op *domain.DrawOperation) error
	failLast   error
	block      chan struct{}
	// stall delays an append without watching ctx, like a store that finishes
	// a write the caller already gave up on.
	stall func(op *domain.DrawOperation) time.Duration
}

func (r *faultyOperationRepo) Append(ctx context.Context, lessonID string, op *domain.DrawOperation) (int64, error) {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if r.stall != nil {
		time.Sleep(r.stall(op))
	}
	if r.failAppend != nil {
		if err := r.failAppend(op); err != nil {
			return 0, &repository.StoreError{Op: "append operation", LessonID: lessonID, Err: err}
		}
	}
	return r.OperationRepository.Append(ctx, lessonID, op)
}

func (r *faultyOperationRepo) LastSequence(ctx context.Context, lessonID string) (int64, error) {
	if r.failLast != nil {
		return 0, r.failLast
	}
	return r.OperationRepository.LastSequence(ctx, lessonID)
}

type waitingObserver struct {
	done      chan struct{}
	mu        sync.Mutex
	result    *domain.BatchResult
	err       error
	completed int
	failed    int
}

func newWaitingObserver() *waitingObserver {
	return &waitingObserver{done: make(chan struct{}, 16)}
}

func (o *waitingObserver) BatchCompleted(req *domain.BatchRequest, result *domain.BatchResult) {
	o.mu.Lock()
	o.result = result
	o.completed++
	o.mu.Unlock()
	o.done <- struct{}{}
}

func (o *waitingObserver) BatchFailed(req *domain.BatchRequest, partial *domain.BatchResult, err error) {
	o.mu.Lock()
	o.result = partial
	o.err = err
	o.failed++
	o.mu.Unlock()
	o.done <- struct{}{}
}

func (o *waitingObserver) wait(t *testing.T) {
	t.Helper()
	select {
	case <-o.done:
	case <-time.After(3 * time.Second):
		t.Fatal("batch observer was not notified")
	}
}

type testEnv struct {
	ops       repository.OperationRepository
	snapshots repository.SnapshotRepository
	states    *StateRegistry
	detector  *ConflictDetector
	batches   *BatchService
	sync      *SyncService
	presence  *PresenceService
	board     *BoardService
	publisher *recordingPublisher
	registry  *presence.Registry
}

func newTestEnv(t *testing.T, ops repository.OperationRepository, opts BatchOptions) *testEnv {
	t.Helper()
	if ops == nil {
		ops = repository.NewMemoryOperationRepository()
	}

	env := &testEnv{
		ops:       ops,
		snapshots: repository.NewMemorySnapshotRepository(),
		publisher: &recordingPublisher{},
		registry:  presence.NewRegistry(nil),
	}
	env.states = NewStateRegistry(ops, StateOptions{})
	env.detector = NewConflictDetector(10, time.Second)
	env.batches = NewBatchService(ops, env.states, env.detector, opts)
	env.sync = NewSyncService(ops, env.states, env.registry, env.publisher)
	env.presence = NewPresenceService(env.registry, env.states, env.publisher, time.Minute, time.Hour)
	env.board = NewBoardService(ops, env.snapshots, env.states, env.batches, env.sync, env.presence, env.publisher)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		env.batches.Shutdown(ctx)
	})
	return env
}

func point(userID int64, x, y float64, ts int64) domain.DrawOperation {
	return domain.DrawOperation{
		OperationType: domain.OperationDraw,
		X:             domain.Float(x),
		Y:             domain.Float(y),
		UserID:        userID,
		Timestamp:     ts,
	}
}
