package service

import (
	"math"
	"math/rand"
	"time"

	"ultraboard-sync-server/internal/domain"
)

const (
	DefaultConflictDistance = 10.0
	DefaultConflictWindow   = time.Second
)

// ConflictDetector flags draw operations that land close, in space and time,
// to any recent draw in the lesson, including the author's own. A
// conflicting operation is not rejected; its coordinates are nudged by up to
// one unit on each axis.
type ConflictDetector struct {
	distance float64
	windowMs int64
	jitter   func() float64
}

func NewConflictDetector(distance float64, window time.Duration) *ConflictDetector {
	if distance <= 0 {
		distance = DefaultConflictDistance
	}
	if window <= 0 {
		window = DefaultConflictWindow
	}
	return &ConflictDetector{
		distance: distance,
		windowMs: window.Milliseconds(),
		jitter: func() float64 {
			return rand.Float64()*2 - 1
		},
	}
}

func checkable(op *domain.DrawOperation) bool {
	return op.OperationType == domain.OperationDraw && op.HasPosition() && op.Timestamp > 0
}

// Conflicts reports whether a and b are within the distance and time
// thresholds. Both must be positioned, timestamped draw operations.
func (d *ConflictDetector) Conflicts(a, b *domain.DrawOperation) bool {
	if !checkable(a) || !checkable(b) {
		return false
	}
	dt := a.Timestamp - b.Timestamp
	if dt < 0 {
		dt = -dt
	}
	if dt >= d.windowMs {
		return false
	}
	return math.Hypot(*a.X-*b.X, *a.Y-*b.Y) < d.distance
}

// Check compares op against the recent window. It returns the operation to
// persist and whether it was adjusted.
func (d *ConflictDetector) Check(op domain.DrawOperation, recent []domain.DrawOperation) (domain.DrawOperation, bool) {
	if !checkable(&op) {
		return op, false
	}

	for i := len(recent) - 1; i >= 0; i-- {
		if d.Conflicts(&op, &recent[i]) {
			return d.Resolve(op), true
		}
	}
	return op, false
}

func (d *ConflictDetector) Resolve(op domain.DrawOperation) domain.DrawOperation {
	adjusted := op.Clone()
	*adjusted.X += d.clamp(d.jitter())
	*adjusted.Y += d.clamp(d.jitter())
	return adjusted
}

func (d *ConflictDetector) clamp(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}
