package reverse

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Checkpoint persists the reverse sync watermark between cycles and restarts.
type Checkpoint struct {
	Name      string    `gorm:"column:name;primaryKey;size:64"`
	Watermark time.Time `gorm:"column:watermark;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (Checkpoint) TableName() string {
	return "sync_state"
}

// CheckpointStore reads and writes named watermarks.
type CheckpointStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewCheckpointStore constructs a CheckpointStore backed by db.
func NewCheckpointStore(db *gorm.DB, clock func() time.Time) (*CheckpointStore, error) {
	if db == nil {
		return nil, errors.New("reverse: database connection required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &CheckpointStore{db: db, clock: clock}, nil
}

// Load returns the stored watermark. The boolean is false when none has been
// saved yet.
func (s *CheckpointStore) Load(ctx context.Context, name string) (time.Time, bool, error) {
	var checkpoint Checkpoint
	err := s.db.WithContext(ctx).Where("name = ?", name).Take(&checkpoint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return checkpoint.Watermark.UTC(), true, nil
}

// Save upserts the watermark for name.
func (s *CheckpointStore) Save(ctx context.Context, name string, watermark time.Time) error {
	checkpoint := Checkpoint{Name: name, Watermark: watermark.UTC(), UpdatedAt: s.clock().UTC()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"watermark", "updated_at"}),
	}).Create(&checkpoint).Error
}
