package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/semaphore"

	"ultraboard-sync-server/internal/domain"
	"ultraboard-sync-server/internal/repository"
)

const DefaultMaxGroupSize = 100

// BatchObserver is notified when an asynchronously submitted batch finishes.
// Exactly one of the two methods is called per batch. A failed batch may
// still have stored some operations; partial lists them and is nil when
// nothing was stored.
type BatchObserver interface {
	BatchCompleted(req *domain.BatchRequest, result *domain.BatchResult)
	BatchFailed(req *domain.BatchRequest, partial *domain.BatchResult, err error)
}

type BatchOptions struct {
	Workers      int
	Timeout      time.Duration
	MaxGroupSize int
	// MaxPending bounds batches waiting for a worker. Zero means 16 per
	// worker.
	MaxPending int
}

type BatchService struct {
	ops      repository.OperationRepository
	states   *StateRegistry
	detector *ConflictDetector
	validate *validator.Validate

	sem        *semaphore.Weighted
	timeout    time.Duration
	maxGroup   int
	maxPending int64
	pending    atomic.Int64

	baseCtx context.Context
	cancel  context.CancelFunc
	closing atomic.Bool
	wg      sync.WaitGroup

	batches    atomic.Int64
	failures   atomic.Int64
	accepted   atomic.Int64
	conflicted atomic.Int64
	duplicated atomic.Int64
}

func NewBatchService(
	ops repository.OperationRepository,
	states *StateRegistry,
	detector *ConflictDetector,
	opts BatchOptions,
) *BatchService {
	if opts.Workers <= 0 {
		opts.Workers = 32
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxGroupSize <= 0 {
		opts.MaxGroupSize = DefaultMaxGroupSize
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = opts.Workers * 16
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &BatchService{
		ops:        ops,
		states:     states,
		detector:   detector,
		validate:   validator.New(),
		sem:        semaphore.NewWeighted(int64(opts.Workers)),
		timeout:    opts.Timeout,
		maxGroup:   opts.MaxGroupSize,
		maxPending: int64(opts.MaxPending),
		baseCtx:    ctx,
		cancel:     cancel,
	}
}

type opGroup struct {
	opType  domain.OperationType
	userID  int64
	indices []int
}

// groupOperations partitions by (type, user) in order of first appearance
// and splits groups larger than max into consecutive chunks.
func groupOperations(ops []domain.DrawOperation, max int) []opGroup {
	type key struct {
		t domain.OperationType
		u int64
	}

	var order []key
	byKey := make(map[key][]int)
	for i := range ops {
		k := key{t: ops[i].OperationType, u: ops[i].UserID}
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = append(byKey[k], i)
	}

	groups := make([]opGroup, 0, len(order))
	for _, k := range order {
		idx := byKey[k]
		for start := 0; start < len(idx); start += max {
			end := start + max
			if end > len(idx) {
				end = len(idx)
			}
			groups = append(groups, opGroup{opType: k.t, userID: k.u, indices: idx[start:end]})
		}
	}
	return groups
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeConflicted
	outcomeDuplicate
)

// ProcessBatch runs a batch synchronously. A failing operation is reported
// in Failed and Conflicted without stopping the rest; an error return means
// the batch as a whole could not be handled. When ctx ends midway the
// operations stored so far are returned along with the error.
func (s *BatchService) ProcessBatch(ctx context.Context, req *domain.BatchRequest) (*domain.BatchResult, error) {
	start := time.Now()

	if err := ValidateLessonID(req.LessonID); err != nil {
		return nil, err
	}
	if req.BatchID == "" {
		return nil, fmt.Errorf("%w: missing batch id", ErrInvalidBatch)
	}

	ops := make([]domain.DrawOperation, len(req.Operations))
	for i, op := range req.Operations {
		op = op.Clone()
		if op.ClientSequence == 0 {
			op.ClientSequence = op.SequenceNumber
		}
		op.SequenceNumber = 0
		op.LessonID = req.LessonID
		if req.Compressed {
			op.Expand()
		}
		ops[i] = op
	}

	st, unlock, err := s.states.Acquire(ctx, req.LessonID)
	if err != nil {
		return nil, fmt.Errorf("load lesson state: %w", err)
	}
	defer unlock()

	result := domain.NewBatchResult(req.BatchID)

	for _, g := range groupOperations(ops, s.maxGroup) {
		for _, i := range g.indices {
			if err := ctx.Err(); err != nil {
				return s.partial(result, st, start), err
			}

			stored, oc, err := s.processOne(ctx, st, ops[i])
			if err != nil {
				opErr := &OperationError{Index: i, ClientSequence: ops[i].ClientSequence, Err: err}
				log.Printf("[Batch] lesson %s batch %s: %v", req.LessonID, req.BatchID, opErr)
				result.Conflicted = append(result.Conflicted, ops[i])
				result.Failed = append(result.Failed, domain.OperationFailure{
					Index:          i,
					ClientSequence: ops[i].ClientSequence,
					Error:          err.Error(),
				})
				continue
			}

			switch oc {
			case outcomeDuplicate:
				result.Duplicated = append(result.Duplicated, ops[i])
			case outcomeConflicted:
				result.Conflicted = append(result.Conflicted, stored)
				result.Accepted = append(result.Accepted, stored)
			default:
				result.Processed = append(result.Processed, stored)
				result.Accepted = append(result.Accepted, stored)
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return s.partial(result, st, start), err
	}

	result.LastSequenceNumber = st.LastSequence()
	result.ProcessingTimeMs = time.Since(start).Milliseconds()

	s.batches.Add(1)
	s.accepted.Add(int64(len(result.Accepted)))
	s.conflicted.Add(int64(len(result.Conflicted)))
	s.duplicated.Add(int64(len(result.Duplicated)))

	return result, nil
}

// partial closes out an interrupted batch. It returns nil when nothing was
// stored.
func (s *BatchService) partial(result *domain.BatchResult, st *LessonState, start time.Time) *domain.BatchResult {
	if len(result.Accepted) == 0 {
		return nil
	}
	result.LastSequenceNumber = st.LastSequence()
	result.ProcessingTimeMs = time.Since(start).Milliseconds()
	s.accepted.Add(int64(len(result.Accepted)))
	s.conflicted.Add(int64(len(result.Conflicted)))
	return result
}

func (s *BatchService) processOne(ctx context.Context, st *LessonState, op domain.DrawOperation) (stored domain.DrawOperation, oc outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if err := s.validate.Struct(&op); err != nil {
		return op, 0, err
	}

	if st.IsDuplicate(&op) {
		return op, outcomeDuplicate, nil
	}

	adjusted, conflicted := s.detector.Check(op, st.Recent())
	if adjusted.Timestamp == 0 {
		adjusted.Timestamp = domain.NowMillis()
	}

	seq, err := s.ops.Append(ctx, st.lessonID, &adjusted)
	if err != nil {
		return op, 0, err
	}
	adjusted.SequenceNumber = seq
	st.Record(adjusted)

	if conflicted {
		return adjusted, outcomeConflicted, nil
	}
	return adjusted, outcomeProcessed, nil
}

// Submit queues the batch and returns immediately. The observer is told
// about the outcome once processing finishes, fails or times out.
func (s *BatchService) Submit(req *domain.BatchRequest, observer BatchObserver) error {
	if s.closing.Load() {
		return ErrShuttingDown
	}
	if s.pending.Add(1) > s.maxPending {
		s.pending.Add(-1)
		return ErrOverloaded
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.pending.Add(-1)
		s.run(req, observer)
	}()
	return nil
}

type batchOutcome struct {
	result *domain.BatchResult
	err    error
}

func (s *BatchService) run(req *domain.BatchRequest, observer BatchObserver) {
	ctx, cancel := context.WithTimeout(s.baseCtx, s.timeout)
	defer cancel()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.fail(req, observer, nil, s.contextErr(ctx, ErrOverloaded))
		return
	}

	// ProcessBatch stops at the next operation boundary once ctx ends, so
	// operations stored before the deadline still reach the observer.
	out := s.process(ctx, req)
	if out.err != nil {
		s.fail(req, observer, out.result, s.contextErr(ctx, out.err))
		return
	}
	observer.BatchCompleted(req, out.result)
}

func (s *BatchService) process(ctx context.Context, req *domain.BatchRequest) (out batchOutcome) {
	defer s.sem.Release(1)
	defer func() {
		if r := recover(); r != nil {
			out = batchOutcome{err: fmt.Errorf("batch panic: %v", r)}
		}
	}()

	result, err := s.ProcessBatch(ctx, req)
	return batchOutcome{result: result, err: err}
}

func (s *BatchService) contextErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrBatchTimeout
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ErrShuttingDown
	}
	return err
}

func (s *BatchService) fail(req *domain.BatchRequest, observer BatchObserver, partial *domain.BatchResult, err error) {
	s.failures.Add(1)
	stored := 0
	if partial != nil {
		stored = len(partial.Accepted)
	}
	log.Printf("[Batch] lesson %s batch %s failed after storing %d operations: %v", req.LessonID, req.BatchID, stored, err)
	observer.BatchFailed(req, partial, err)
}

// Shutdown stops accepting batches and waits for in-flight ones. If ctx
// expires first the remaining batches are canceled.
func (s *BatchService) Shutdown(ctx context.Context) error {
	s.closing.Store(true)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

func (s *BatchService) Stats() domain.BatchStats {
	return domain.BatchStats{
		Batches:    s.batches.Load(),
		Failures:   s.failures.Load(),
		Accepted:   s.accepted.Load(),
		Conflicted: s.conflicted.Load(),
		Duplicated: s.duplicated.Load(),
	}
}
