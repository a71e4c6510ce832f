package domain

import "time"

type OperationType string

const (
	OperationStart  OperationType = "start"
	OperationDraw   OperationType = "draw"
	OperationEnd    OperationType = "end"
	OperationCursor OperationType = "cursor"
	OperationClear  OperationType = "clear"
	OperationJoin   OperationType = "join"
	OperationLeave  OperationType = "leave"
)

const (
	DefaultColor     = "#000000"
	DefaultBrushSize = 2.0
)

// DrawOperation is one atomic whiteboard event. SequenceNumber is assigned by
// the operation store; ClientSequence carries whatever the client sent and is
// the key used for duplicate detection.
type DrawOperation struct {
	LessonID       string        `json:"lessonId"`
	SequenceNumber int64         `json:"sequenceNumber"`
	ClientSequence int64         `json:"clientSequence,omitempty"`
	OperationType  OperationType `json:"operationType" validate:"required,oneof=start draw end cursor clear join leave"`
	X              *float64      `json:"x,omitempty"`
	Y              *float64      `json:"y,omitempty"`
	Color          string        `json:"color,omitempty" validate:"max=32"`
	BrushSize      float64       `json:"brushSize,omitempty" validate:"gte=0,lte=500"`
	UserID         int64         `json:"userId" validate:"gt=0"`
	UserName       string        `json:"userName,omitempty" validate:"max=100"`
	Timestamp      int64         `json:"timestamp,omitempty"`
}

func (op *DrawOperation) HasPosition() bool {
	return op.X != nil && op.Y != nil
}

// Expand fills in the styling a compressed client omits.
func (op *DrawOperation) Expand() {
	if op.Color == "" {
		op.Color = DefaultColor
	}
	if op.BrushSize == 0 {
		op.BrushSize = DefaultBrushSize
	}
}

// Clone returns a copy that does not share coordinate pointers.
func (op DrawOperation) Clone() DrawOperation {
	if op.X != nil {
		x := *op.X
		op.X = &x
	}
	if op.Y != nil {
		y := *op.Y
		op.Y = &y
	}
	return op
}

func NowMillis() int64 {
	return time.Now().UnixMilli()
}

func Float(v float64) *float64 {
	return &v
}
