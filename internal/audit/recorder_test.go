package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return db
}

func newTestRecorder(t *testing.T, now *time.Time) (*Recorder, *gorm.DB) {
	t.Helper()
	db := openTestDatabase(t)
	counter := 0
	recorder, err := NewRecorder(RecorderConfig{
		Database: db,
		Clock:    func() time.Time { return *now },
		NewID: func() (string, error) {
			counter++
			return fmt.Sprintf("event-%03d", counter), nil
		},
	})
	if err != nil {
		t.Fatalf("failed to construct recorder: %v", err)
	}
	return recorder, db
}

func TestNewRecorderRequiresDatabase(t *testing.T) {
	if _, err := NewRecorder(RecorderConfig{}); err == nil {
		t.Fatalf("expected missing database error")
	}
}

func TestRecordPersistsSuccessAndFailure(t *testing.T) {
	now := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)
	recorder, db := newTestRecorder(t, &now)
	ctx := context.Background()

	err := recorder.Record(ctx, Entry{
		Direction: DirectionSourceToTarget,
		Action:    ActionCreate,
		SourceID:  100,
		TargetID:  "order-1",
		Duration:  42 * time.Millisecond,
		Payload:   json.RawMessage(`{"ID":"100"}`),
	})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	err = recorder.Record(ctx, Entry{
		Direction: DirectionSourceToTarget,
		Action:    ActionError,
		ErrorKind: "validation",
		Err:       errors.New("missing identifier"),
		Payload:   map[string]string{"event": "order.create"},
	})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}

	var events []SyncEvent
	if err := db.Order("id ASC").Find(&events).Error; err != nil {
		t.Fatalf("failed to load events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected two events, got %d", len(events))
	}
	first := events[0]
	if first.Status != StatusSuccess || first.SourceID == nil || *first.SourceID != 100 || first.ProcessingMS != 42 {
		t.Fatalf("unexpected success event %+v", first)
	}
	if string(first.Payload) != `{"ID":"100"}` {
		t.Fatalf("expected payload to be kept verbatim, got %s", first.Payload)
	}
	second := events[1]
	if second.Status != StatusError || second.SourceID != nil || second.ErrorMessage != "missing identifier" {
		t.Fatalf("unexpected error event %+v", second)
	}
}

func TestRecordDropsInvalidRawPayload(t *testing.T) {
	now := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)
	recorder, db := newTestRecorder(t, &now)

	if err := recorder.Record(context.Background(), Entry{
		Direction: DirectionSourceToTarget,
		Action:    ActionError,
		Status:    StatusError,
		Payload:   []byte("{not json"),
	}); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	var event SyncEvent
	if err := db.Take(&event).Error; err != nil {
		t.Fatalf("failed to load event: %v", err)
	}
	if len(event.Payload) != 0 {
		t.Fatalf("expected invalid payload to be dropped, got %s", event.Payload)
	}
}

func TestSummarizeCountsWindow(t *testing.T) {
	now := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)
	recorder, _ := newTestRecorder(t, &now)
	ctx := context.Background()

	if err := recorder.Record(ctx, Entry{Direction: DirectionSourceToTarget, Action: ActionCreate, SourceID: 1}); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	now = now.Add(2 * time.Hour)
	for index := 0; index < 3; index++ {
		if err := recorder.Record(ctx, Entry{Direction: DirectionTargetToSource, Action: ActionUpdate, SourceID: 2}); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
	if err := recorder.Record(ctx, Entry{Direction: DirectionTargetToSource, Action: ActionError, Err: errors.New("push failed")}); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	summary, err := recorder.Summarize(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("summarize failed: %v", err)
	}
	if summary.Total != 4 || summary.Errors != 1 || summary.SuccessRate != 75 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	recentErrors, err := recorder.Recent(ctx, StatusError, 10)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(recentErrors) != 1 || recentErrors[0].ErrorMessage != "push failed" {
		t.Fatalf("unexpected recent errors %+v", recentErrors)
	}
}

func TestRecordReverse(t *testing.T) {
	now := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)
	recorder, db := newTestRecorder(t, &now)

	if err := recorder.RecordReverse(context.Background(), ReverseEntry{
		TargetID:     "order-1",
		SourceID:     100,
		OldStatus:    "new",
		NewStatus:    "assembled",
		SourceStatus: "CO",
	}); err != nil {
		t.Fatalf("record reverse failed: %v", err)
	}
	var row ReverseSyncEntry
	if err := db.Take(&row).Error; err != nil {
		t.Fatalf("failed to load reverse entry: %v", err)
	}
	if row.SourceStatus != "CO" || row.OldStatus != "new" || !row.CreatedAt.Equal(now) {
		t.Fatalf("unexpected reverse entry %+v", row)
	}
}

func TestSuccessRate(t *testing.T) {
	if SuccessRate(0, 0) != 0 {
		t.Fatalf("expected zero rate for empty window")
	}
	if rate := SuccessRate(2, 3); rate != 66.67 {
		t.Fatalf("expected 66.67, got %v", rate)
	}
}
