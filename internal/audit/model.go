package audit

import (
	"time"

	"gorm.io/datatypes"
)

// Direction names which system a sync attempt wrote to.
type Direction string

const (
	DirectionSourceToTarget Direction = "source_to_target"
	DirectionTargetToSource Direction = "target_to_source"
)

// Action classifies a sync attempt.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionError  Action = "error"
)

// Status is the outcome of a sync attempt.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// SyncEvent is one append-only row of the sync log.
type SyncEvent struct {
	ID           string         `gorm:"column:id;primaryKey;size:36;not null"`
	Direction    Direction      `gorm:"column:direction;size:20;not null;index:idx_sync_log_direction_time,priority:1"`
	Action       Action         `gorm:"column:action;size:20;not null"`
	SourceID     *int64         `gorm:"column:source_order_id;index:idx_sync_log_source"`
	TargetID     string         `gorm:"column:target_order_id;size:36;not null;default:''"`
	Status       Status         `gorm:"column:status;size:20;not null;index:idx_sync_log_status_time,priority:1"`
	ErrorKind    string         `gorm:"column:error_kind;size:32;not null;default:''"`
	ErrorMessage string         `gorm:"column:error_message;type:text;not null;default:''"`
	ProcessingMS int64          `gorm:"column:processing_ms;not null;default:0"`
	Payload      datatypes.JSON `gorm:"column:payload"`
	CreatedAt    time.Time      `gorm:"column:created_at;not null;autoCreateTime:false;index:idx_sync_log_direction_time,priority:2;index:idx_sync_log_status_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (SyncEvent) TableName() string {
	return "sync_log"
}

// ReverseSyncEntry records a status pushed back to the Source.
type ReverseSyncEntry struct {
	ID           string    `gorm:"column:id;primaryKey;size:36;not null"`
	TargetID     string    `gorm:"column:target_order_id;size:36;not null;index:idx_reverse_sync_log_order"`
	SourceID     int64     `gorm:"column:source_order_id;not null"`
	OldStatus    string    `gorm:"column:old_status;size:50;not null;default:''"`
	NewStatus    string    `gorm:"column:new_status;size:50;not null"`
	SourceStatus string    `gorm:"column:source_status;size:10;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (ReverseSyncEntry) TableName() string {
	return "reverse_sync_log"
}

// Models lists every table owned by the audit sink.
func Models() []any {
	return []any{&SyncEvent{}, &ReverseSyncEntry{}}
}
