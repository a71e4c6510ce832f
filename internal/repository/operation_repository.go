package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ultraboard-sync-server/internal/database"
	"ultraboard-sync-server/internal/domain"
)

type OperationRepository interface {
	// Append assigns the next sequence number for the lesson, persists the
	// operation and returns the number.
	Append(ctx context.Context, lessonID string, op *domain.DrawOperation) (int64, error)
	// ListSince returns operations with a sequence number greater than
	// afterSequence in ascending order. afterSequence <= 0 means everything.
	ListSince(ctx context.Context, lessonID string, afterSequence int64) ([]domain.DrawOperation, error)
	Clear(ctx context.Context, lessonID string) error
	Count(ctx context.Context, lessonID string) (int64, error)
	LastSequence(ctx context.Context, lessonID string) (int64, error)
	// Recent returns at most limit of the newest operations, oldest first.
	Recent(ctx context.Context, lessonID string, limit int) ([]domain.DrawOperation, error)
}

type operationRecord struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	LessonID       string `gorm:"size:64;not null;uniqueIndex:idx_board_operations_lesson_seq,priority:1"`
	SequenceNumber int64  `gorm:"not null;uniqueIndex:idx_board_operations_lesson_seq,priority:2"`
	ClientSequence int64  `gorm:"not null;default:0"`
	OperationType  string `gorm:"size:16;not null"`
	X              *float64
	Y              *float64
	Color          string `gorm:"size:32"`
	BrushSize      float64
	UserID         int64  `gorm:"not null;index"`
	UserName       string `gorm:"size:100"`
	Timestamp      int64  `gorm:"not null"`
	CreatedAt      time.Time
}

func (operationRecord) TableName() string {
	return "board_operations"
}

// lessonSequence keeps the last issued number per lesson so that numbers are
// never handed out twice, even after the lesson's operations are cleared.
type lessonSequence struct {
	LessonID     string `gorm:"primaryKey;size:64"`
	LastSequence int64  `gorm:"not null;default:0"`
	UpdatedAt    time.Time
}

func (lessonSequence) TableName() string {
	return "board_lesson_sequences"
}

func recordFromOperation(lessonID string, seq int64, op *domain.DrawOperation) *operationRecord {
	return &operationRecord{
		LessonID:       lessonID,
		SequenceNumber: seq,
		ClientSequence: op.ClientSequence,
		OperationType:  string(op.OperationType),
		X:              op.X,
		Y:              op.Y,
		Color:          op.Color,
		BrushSize:      op.BrushSize,
		UserID:         op.UserID,
		UserName:       op.UserName,
		Timestamp:      op.Timestamp,
	}
}

func (r *operationRecord) toDomain() domain.DrawOperation {
	return domain.DrawOperation{
		LessonID:       r.LessonID,
		SequenceNumber: r.SequenceNumber,
		ClientSequence: r.ClientSequence,
		OperationType:  domain.OperationType(r.OperationType),
		X:              r.X,
		Y:              r.Y,
		Color:          r.Color,
		BrushSize:      r.BrushSize,
		UserID:         r.UserID,
		UserName:       r.UserName,
		Timestamp:      r.Timestamp,
	}
}

// MigrateOperations creates the operation tables.
func MigrateOperations(db *gorm.DB) error {
	return database.Migrate(db, &operationRecord{}, &lessonSequence{})
}

type operationRepository struct {
	db    *gorm.DB
	locks *lessonLocks
}

func NewOperationRepository(db *gorm.DB) OperationRepository {
	return &operationRepository{
		db:    db,
		locks: newLessonLocks(),
	}
}

func (r *operationRepository) Append(ctx context.Context, lessonID string, op *domain.DrawOperation) (int64, error) {
	unlock := r.locks.Lock(lessonID)
	defer unlock()

	var seq int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&lessonSequence{}).
			Where("lesson_id = ?", lessonID).
			Updates(map[string]interface{}{
				"last_sequence": gorm.Expr("last_sequence + 1"),
				"updated_at":    time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			counter := lessonSequence{LessonID: lessonID, LastSequence: 1}
			if err := tx.Create(&counter).Error; err != nil {
				return err
			}
		}

		var counter lessonSequence
		if err := tx.Where("lesson_id = ?", lessonID).First(&counter).Error; err != nil {
			return err
		}
		seq = counter.LastSequence

		return tx.Create(recordFromOperation(lessonID, seq, op)).Error
	})
	if err != nil {
		return 0, storeErr("append operation", lessonID, err)
	}

	return seq, nil
}

func (r *operationRepository) ListSince(ctx context.Context, lessonID string, afterSequence int64) ([]domain.DrawOperation, error) {
	var records []operationRecord
	err := r.db.WithContext(ctx).
		Where("lesson_id = ? AND sequence_number > ?", lessonID, afterSequence).
		Order("sequence_number ASC").
		Find(&records).Error
	if err != nil {
		return nil, storeErr("list operations", lessonID, err)
	}
	return toDomainOperations(records), nil
}

func (r *operationRepository) Clear(ctx context.Context, lessonID string) error {
	unlock := r.locks.Lock(lessonID)
	defer unlock()

	err := r.db.WithContext(ctx).
		Where("lesson_id = ?", lessonID).
		Delete(&operationRecord{}).Error
	return storeErr("clear operations", lessonID, err)
}

func (r *operationRepository) Count(ctx context.Context, lessonID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&operationRecord{}).
		Where("lesson_id = ?", lessonID).
		Count(&n).Error
	if err != nil {
		return 0, storeErr("count operations", lessonID, err)
	}
	return n, nil
}

func (r *operationRepository) LastSequence(ctx context.Context, lessonID string) (int64, error) {
	var counter lessonSequence
	err := r.db.WithContext(ctx).Where("lesson_id = ?", lessonID).First(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, storeErr("last sequence", lessonID, err)
	}
	return counter.LastSequence, nil
}

func (r *operationRepository) Recent(ctx context.Context, lessonID string, limit int) ([]domain.DrawOperation, error) {
	if limit <= 0 {
		return []domain.DrawOperation{}, nil
	}

	var records []operationRecord
	err := r.db.WithContext(ctx).
		Where("lesson_id = ?", lessonID).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "sequence_number"}, Desc: true}).
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, storeErr("recent operations", lessonID, err)
	}

	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return toDomainOperations(records), nil
}

func toDomainOperations(records []operationRecord) []domain.DrawOperation {
	ops := make([]domain.DrawOperation, 0, len(records))
	for i := range records {
		ops = append(ops, records[i].toDomain())
	}
	return ops
}
