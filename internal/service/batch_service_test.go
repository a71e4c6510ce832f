package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"ultraboard-sync-server/internal/domain"
	"ultraboard-sync-server/internal/repository"
)

func TestGroupOperations(t *testing.T) {
	var ops []domain.DrawOperation
	for i := 0; i < 250; i++ {
		ops = append(ops, point(7, float64(i), 0, int64(i)))
	}
	ops = append(ops, domain.DrawOperation{OperationType: domain.OperationEnd, UserID: 7})
	ops = append(ops, point(8, 0, 0, 1))

	groups := groupOperations(ops, 100)

	wantSizes := []int{100, 100, 50, 1, 1}
	if len(groups) != len(wantSizes) {
		t.Fatalf("got %d groups, want %d", len(groups), len(wantSizes))
	}
	next := 0
	for gi, g := range groups[:3] {
		if len(g.indices) != wantSizes[gi] {
			t.Errorf("group %d size = %d, want %d", gi, len(g.indices), wantSizes[gi])
		}
		for _, idx := range g.indices {
			if idx != next {
				t.Fatalf("group %d out of order: index %d, want %d", gi, idx, next)
			}
			next++
		}
	}
	if groups[3].opType != domain.OperationEnd || groups[4].userID != 8 {
		t.Errorf("groups not in order of first appearance: %+v %+v", groups[3], groups[4])
	}
}

func TestProcessBatch_IdempotentReplay(t *testing.T) {
	env := newTestEnv(t, nil, BatchOptions{})
	ctx := context.Background()

	op := point(1, 10, 10, 1000)
	op.SequenceNumber = 42
	req := &domain.BatchRequest{LessonID: "lesson-1", BatchID: "b1", Operations: []domain.DrawOperation{op}}

	first, err := env.batches.ProcessBatch(ctx, req)
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if len(first.Processed) != 1 {
		t.Fatalf("first submission processed %d, want 1", len(first.Processed))
	}

	req.BatchID = "b1-retry"
	second, err := env.batches.ProcessBatch(ctx, req)
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if len(second.Duplicated) != 1 || len(second.Processed) != 0 || len(second.Accepted) != 0 {
		t.Errorf("replay = processed %d duplicated %d accepted %d, want 0/1/0",
			len(second.Processed), len(second.Duplicated), len(second.Accepted))
	}

	n, _ := env.ops.Count(ctx, "lesson-1")
	if n != 1 {
		t.Errorf("store holds %d rows, want 1", n)
	}
	if first.Processed[0].ClientSequence != 42 || first.Processed[0].SequenceNumber != 1 {
		t.Errorf("stored op seq=%d clientSeq=%d, want 1 and 42",
			first.Processed[0].SequenceNumber, first.Processed[0].ClientSequence)
	}
}

func TestProcessBatch_PreservesOrderWithinGroup(t *testing.T) {
	env := newTestEnv(t, nil, BatchOptions{MaxGroupSize: 7})

	var ops []domain.DrawOperation
	for i := 0; i < 30; i++ {
		ops = append(ops, point(7, float64(i*20), 0, int64(1000+i*5)))
	}

	result, err := env.batches.ProcessBatch(context.Background(), &domain.BatchRequest{
		LessonID: "lesson-1", BatchID: "b", Operations: ops,
	})
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if len(result.Accepted) != 30 {
		t.Fatalf("accepted %d, want 30", len(result.Accepted))
	}
	for i, op := range result.Accepted {
		if *op.X != float64(i*20) {
			t.Fatalf("accepted[%d].X = %v, want %v", i, *op.X, float64(i*20))
		}
		if op.SequenceNumber != int64(i+1) {
			t.Fatalf("accepted[%d].SequenceNumber = %d, want %d", i, op.SequenceNumber, i+1)
		}
	}
	if result.LastSequenceNumber != 30 {
		t.Errorf("LastSequenceNumber = %d, want 30", result.LastSequenceNumber)
	}
}

func TestProcessBatch_ConflictBetweenUsers(t *testing.T) {
	env := newTestEnv(t, nil, BatchOptions{})

	result, err := env.batches.ProcessBatch(context.Background(), &domain.BatchRequest{
		LessonID: "lesson-1",
		BatchID:  "b",
		Operations: []domain.DrawOperation{
			point(1, 10, 10, 1000),
			point(2, 11, 11, 1500),
		},
	})
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}

	if len(result.Processed) != 1 || len(result.Conflicted) != 1 {
		t.Fatalf("processed %d conflicted %d, want 1 and 1", len(result.Processed), len(result.Conflicted))
	}
	c := result.Conflicted[0]
	if math.Abs(*c.X-11) > 1 || math.Abs(*c.Y-11) > 1 {
		t.Errorf("conflicted op at (%v, %v), want within 1 of (11, 11)", *c.X, *c.Y)
	}

	stored, _ := env.ops.ListSince(context.Background(), "lesson-1", 0)
	if len(stored) != 2 {
		t.Fatalf("store holds %d ops, want 2", len(stored))
	}
	if *stored[1].X != *c.X || *stored[1].Y != *c.Y {
		t.Error("store does not hold the adjusted coordinates")
	}
}

func TestProcessBatch_ConflictWithinOneUser(t *testing.T) {
	env := newTestEnv(t, nil, BatchOptions{})

	result, err := env.batches.ProcessBatch(context.Background(), &domain.BatchRequest{
		LessonID:   "lesson-1",
		BatchID:    "b",
		Operations: []domain.DrawOperation{point(7, 0, 0, 1000), point(7, 5, 5, 1100)},
	})
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if len(result.Processed) != 1 || len(result.Conflicted) != 1 || len(result.Accepted) != 2 {
		t.Errorf("processed %d conflicted %d accepted %d, want 1/1/2",
			len(result.Processed), len(result.Conflicted), len(result.Accepted))
	}
}

func TestProcessBatch_CompressedDefaults(t *testing.T) {
	env := newTestEnv(t, nil, BatchOptions{})

	op := point(1, 0, 0, 1)
	op.Color = "#123456"
	result, err := env.batches.ProcessBatch(context.Background(), &domain.BatchRequest{
		LessonID:   "lesson-1",
		BatchID:    "b",
		Compressed: true,
		Operations: []domain.DrawOperation{op, point(1, 50, 50, 2)},
	})
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if result.Accepted[0].Color != "#123456" || result.Accepted[0].BrushSize != domain.DefaultBrushSize {
		t.Errorf("first op = %s/%v", result.Accepted[0].Color, result.Accepted[0].BrushSize)
	}
	if result.Accepted[1].Color != domain.DefaultColor {
		t.Errorf("second op color = %q, want default", result.Accepted[1].Color)
	}
}

func TestProcessBatch_FailureIsolation(t *testing.T) {
	ops := &faultyOperationRepo{
		OperationRepository: repository.NewMemoryOperationRepository(),
		failAppend: func(op *domain.DrawOperation) error {
			if *op.X == 400 {
				return errors.New("disk full")
			}
			return nil
		},
	}
	env := newTestEnv(t, ops, BatchOptions{})

	var batch []domain.DrawOperation
	for i := 0; i < 10; i++ {
		batch = append(batch, point(1, float64(i*100), 0, int64(1000+i)))
	}

	result, err := env.batches.ProcessBatch(context.Background(), &domain.BatchRequest{
		LessonID: "lesson-1", BatchID: "b", Operations: batch,
	})
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}

	if len(result.Processed) != 9 {
		t.Errorf("processed %d, want 9", len(result.Processed))
	}
	if len(result.Conflicted) != 1 || len(result.Failed) != 1 {
		t.Fatalf("conflicted %d failed %d, want 1 and 1", len(result.Conflicted), len(result.Failed))
	}
	if result.Failed[0].Index != 4 {
		t.Errorf("failed index = %d, want 4", result.Failed[0].Index)
	}
	if len(result.Accepted) != 9 {
		t.Errorf("accepted %d, want 9", len(result.Accepted))
	}
	n, _ := ops.Count(context.Background(), "lesson-1")
	if n != 9 {
		t.Errorf("store holds %d rows, want 9", n)
	}
}

func TestProcessBatch_InvalidOperationIsolated(t *testing.T) {
	env := newTestEnv(t, nil, BatchOptions{})

	bad := point(0, 1, 1, 1)
	result, err := env.batches.ProcessBatch(context.Background(), &domain.BatchRequest{
		LessonID:   "lesson-1",
		BatchID:    "b",
		Operations: []domain.DrawOperation{point(1, 0, 0, 1), bad, {OperationType: "erase", UserID: 1}},
	})
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if len(result.Processed) != 1 || len(result.Failed) != 2 {
		t.Errorf("processed %d failed %d, want 1 and 2", len(result.Processed), len(result.Failed))
	}
}

func TestProcessBatch_RejectsMalformedRequest(t *testing.T) {
	env := newTestEnv(t, nil, BatchOptions{})

	tests := []struct {
		name string
		req  *domain.BatchRequest
		want error
	}{
		{name: "empty lesson", req: &domain.BatchRequest{BatchID: "b"}, want: ErrInvalidLessonID},
		{name: "bad lesson chars", req: &domain.BatchRequest{LessonID: "a/b", BatchID: "b"}, want: ErrInvalidLessonID},
		{name: "missing batch id", req: &domain.BatchRequest{LessonID: "lesson-1"}, want: ErrInvalidBatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.batches.ProcessBatch(context.Background(), tt.req); !errors.Is(err, tt.want) {
				t.Errorf("ProcessBatch() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestProcessBatch_ConcurrentLessons(t *testing.T) {
	env := newTestEnv(t, nil, BatchOptions{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for b := 0; b < 5; b++ {
				ops := []domain.DrawOperation{point(int64(w+1), float64(w*1000), float64(b*1000), int64(b))}
				_, err := env.batches.ProcessBatch(ctx, &domain.BatchRequest{
					LessonID:   fmt.Sprintf("lesson-%d", w%3),
					BatchID:    fmt.Sprintf("b-%d-%d", w, b),
					Operations: ops,
				})
				if err != nil {
					t.Errorf("ProcessBatch() error = %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	for l := 0; l < 3; l++ {
		ops, _ := env.ops.ListSince(ctx, fmt.Sprintf("lesson-%d", l), 0)
		if len(ops) != 10 {
			t.Errorf("lesson-%d has %d ops, want 10", l, len(ops))
		}
		for i, op := range ops {
			if op.SequenceNumber != int64(i+1) {
				t.Errorf("lesson-%d op %d has seq %d", l, i, op.SequenceNumber)
			}
		}
	}
}

func TestSubmit_CompletesAsynchronously(t *testing.T) {
	env := newTestEnv(t, nil, BatchOptions{Workers: 2})
	obs := newWaitingObserver()

	err := env.batches.Submit(&domain.BatchRequest{
		LessonID: "lesson-1", BatchID: "b", Operations: []domain.DrawOperation{point(1, 0, 0, 1)},
	}, obs)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	obs.wait(t)

	if obs.completed != 1 || obs.failed != 0 {
		t.Fatalf("completed %d failed %d", obs.completed, obs.failed)
	}
	if len(obs.result.Processed) != 1 {
		t.Errorf("processed %d, want 1", len(obs.result.Processed))
	}
	if s := env.batches.Stats(); s.Batches != 1 || s.Accepted != 1 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestSubmit_WholeBatchFailure(t *testing.T) {
	ops := &faultyOperationRepo{
		OperationRepository: repository.NewMemoryOperationRepository(),
		failLast:            &repository.StoreError{Op: "last sequence", LessonID: "lesson-1", Err: errors.New("connection refused")},
	}
	env := newTestEnv(t, ops, BatchOptions{})
	obs := newWaitingObserver()

	env.batches.Submit(&domain.BatchRequest{
		LessonID: "lesson-1", BatchID: "b", Operations: []domain.DrawOperation{point(1, 0, 0, 1)},
	}, obs)
	obs.wait(t)

	if obs.failed != 1 || obs.completed != 0 {
		t.Fatalf("completed %d failed %d, want 0 and 1", obs.completed, obs.failed)
	}
	if !repository.IsRetryable(obs.err) {
		t.Errorf("error %v should be retryable", obs.err)
	}
	n, _ := ops.Count(context.Background(), "lesson-1")
	if n != 0 {
		t.Errorf("store holds %d rows after failed batch", n)
	}
	if env.batches.Stats().Failures != 1 {
		t.Errorf("Failures = %d, want 1", env.batches.Stats().Failures)
	}
}

func TestSubmit_Timeout(t *testing.T) {
	block := make(chan struct{})
	ops := &faultyOperationRepo{OperationRepository: repository.NewMemoryOperationRepository(), block: block}
	env := newTestEnv(t, ops, BatchOptions{Timeout: 50 * time.Millisecond})
	defer close(block)

	obs := newWaitingObserver()
	env.batches.Submit(&domain.BatchRequest{
		LessonID: "lesson-1", BatchID: "slow", Operations: []domain.DrawOperation{point(1, 0, 0, 1)},
	}, obs)
	obs.wait(t)

	if !errors.Is(obs.err, ErrBatchTimeout) {
		t.Errorf("error = %v, want ErrBatchTimeout", obs.err)
	}
}

func TestSubmit_OverloadAndShutdown(t *testing.T) {
	block := make(chan struct{})
	ops := &faultyOperationRepo{OperationRepository: repository.NewMemoryOperationRepository(), block: block}
	env := newTestEnv(t, ops, BatchOptions{Workers: 1, MaxPending: 1, Timeout: 5 * time.Second})

	obs := newWaitingObserver()
	req := &domain.BatchRequest{LessonID: "lesson-1", BatchID: "b", Operations: []domain.DrawOperation{point(1, 0, 0, 1)}}
	if err := env.batches.Submit(req, obs); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}
	if err := env.batches.Submit(req, obs); !errors.Is(err, ErrOverloaded) {
		t.Errorf("second Submit() error = %v, want ErrOverloaded", err)
	}

	shutdownErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		shutdownErr <- env.batches.Shutdown(ctx)
	}()

	// Shutdown waits for the in-flight batch.
	time.Sleep(20 * time.Millisecond)
	if err := env.batches.Submit(req, obs); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Submit() during shutdown error = %v, want ErrShuttingDown", err)
	}
	close(block)

	obs.wait(t)
	if obs.completed != 1 {
		t.Errorf("in-flight batch completed %d times, want 1", obs.completed)
	}
	if err := <-shutdownErr; err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
