package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrInvalidPayload indicates that a raw payload was not valid JSON.
var ErrInvalidPayload = errors.New("audit: payload is not valid json")

// Entry describes one sync attempt. SourceID zero means the attempt never
// resolved a Source identifier.
type Entry struct {
	Direction Direction
	Action    Action
	SourceID  int64
	TargetID  string
	Status    Status
	ErrorKind string
	Err       error
	Duration  time.Duration
	Payload   any
}

// ReverseEntry describes a successful push of a Target status to the Source.
type ReverseEntry struct {
	TargetID     string
	SourceID     int64
	OldStatus    string
	NewStatus    string
	SourceStatus string
}

// RecorderConfig describes the dependencies of the audit sink.
type RecorderConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	NewID    func() (string, error)
	Logger   *zap.Logger
}

// Recorder appends sync attempts to the audit tables. Rows are never updated.
type Recorder struct {
	db     *gorm.DB
	now    func() time.Time
	newID  func() (string, error)
	logger *zap.Logger
}

// NewRecorder constructs the audit sink.
func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("audit: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = newUUID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{db: cfg.Database, now: clock, newID: newID, logger: logger}, nil
}

func newUUID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Record appends one sync event. A payload that cannot be encoded is
// dropped from the row rather than failing the write.
func (r *Recorder) Record(ctx context.Context, entry Entry) error {
	id, err := r.newID()
	if err != nil {
		return fmt.Errorf("audit: generate id: %w", err)
	}
	payload, err := encodePayload(entry.Payload)
	if err != nil {
		r.logger.Warn("audit payload dropped", zap.Error(err), zap.Int64("source_id", entry.SourceID))
		payload = nil
	}

	event := SyncEvent{
		ID:           id,
		Direction:    entry.Direction,
		Action:       entry.Action,
		TargetID:     entry.TargetID,
		Status:       entry.Status,
		ErrorKind:    entry.ErrorKind,
		ProcessingMS: entry.Duration.Milliseconds(),
		Payload:      payload,
		CreatedAt:    r.now().UTC(),
	}
	if entry.SourceID > 0 {
		sourceID := entry.SourceID
		event.SourceID = &sourceID
	}
	if entry.Err != nil {
		event.ErrorMessage = entry.Err.Error()
	}
	if event.Status == "" {
		event.Status = StatusSuccess
		if entry.Err != nil {
			event.Status = StatusError
		}
	}

	if err := r.db.WithContext(ctx).Create(&event).Error; err != nil {
		r.logger.Error("audit record failed",
			zap.Error(err),
			zap.String("direction", string(entry.Direction)),
			zap.Int64("source_id", entry.SourceID),
		)
		return fmt.Errorf("audit: insert sync event: %w", err)
	}
	return nil
}

// RecordReverse appends the old/new status pair of a reverse push.
func (r *Recorder) RecordReverse(ctx context.Context, entry ReverseEntry) error {
	id, err := r.newID()
	if err != nil {
		return fmt.Errorf("audit: generate id: %w", err)
	}
	row := ReverseSyncEntry{
		ID:           id,
		TargetID:     entry.TargetID,
		SourceID:     entry.SourceID,
		OldStatus:    entry.OldStatus,
		NewStatus:    entry.NewStatus,
		SourceStatus: entry.SourceStatus,
		CreatedAt:    r.now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		r.logger.Error("audit reverse record failed", zap.Error(err), zap.Int64("source_id", entry.SourceID))
		return fmt.Errorf("audit: insert reverse entry: %w", err)
	}
	return nil
}

// Summary aggregates sync events over a window.
type Summary struct {
	Total       int64   `json:"total"`
	Errors      int64   `json:"errors"`
	SuccessRate float64 `json:"success_rate"`
}

// Summarize counts the events recorded at or after since.
func (r *Recorder) Summarize(ctx context.Context, since time.Time) (Summary, error) {
	var summary Summary
	base := r.db.WithContext(ctx).Model(&SyncEvent{}).Where("created_at >= ?", since.UTC())
	if err := base.Session(&gorm.Session{}).Count(&summary.Total).Error; err != nil {
		return Summary{}, fmt.Errorf("audit: count events: %w", err)
	}
	if err := base.Session(&gorm.Session{}).Where("status = ?", StatusError).Count(&summary.Errors).Error; err != nil {
		return Summary{}, fmt.Errorf("audit: count errors: %w", err)
	}
	summary.SuccessRate = SuccessRate(summary.Total-summary.Errors, summary.Total)
	return summary, nil
}

// Recent lists the newest events, optionally filtered by status.
func (r *Recorder) Recent(ctx context.Context, status Status, limit int) ([]SyncEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	query := r.db.WithContext(ctx).Order("created_at DESC").Order("id DESC").Limit(limit)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var events []SyncEvent
	if err := query.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("audit: list events: %w", err)
	}
	return events, nil
}

// SuccessRate returns successful/total as a percentage rounded to two
// decimals, or zero when nothing was attempted.
func SuccessRate(successful, total int64) float64 {
	if total <= 0 {
		return 0
	}
	rate := float64(successful) / float64(total) * 100
	return float64(int64(rate*100+0.5)) / 100
}

func encodePayload(payload any) (datatypes.JSON, error) {
	switch value := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return rawPayload(value)
	case []byte:
		return rawPayload(value)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(encoded), nil
}

func rawPayload(raw []byte) (datatypes.JSON, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, ErrInvalidPayload
	}
	return datatypes.JSON(raw), nil
}
