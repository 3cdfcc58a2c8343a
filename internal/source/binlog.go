package source

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-mysql-org/go-mysql/canal"
	"go.uber.org/zap"
)

const (
	defaultOrderTable    = "b_sale_order"
	defaultBinlogServer  = 1001
	orderIDColumn        = "ID"
	binlogHandlerName    = "OrderRowHandler"
	binlogFlavorMySQL    = "mysql"
	binlogTableRegexTmpl = `^.*\.%s$`
)

var errMissingChangeHandler = errors.New("source: change handler required")

// ChangeHandler receives the id of a Source order that was inserted or
// updated.
type ChangeHandler func(ctx context.Context, sourceID int64)

// BinlogConfig describes the replication connection used to tail order
// changes.
type BinlogConfig struct {
	Addr     string
	User     string
	Password string
	ServerID uint32
	Table    string
	Logger   *zap.Logger
}

// BinlogWatcher tails the Source binlog and reports changed order ids.
// Deletes are ignored; Source orders are never hard-deleted.
type BinlogWatcher struct {
	canal   *canal.Canal
	handler *orderRowHandler
	logger  *zap.Logger
}

// NewBinlogWatcher connects to the Source as a replica. No initial dump is
// taken; tailing starts at the current binlog position.
func NewBinlogWatcher(cfg BinlogConfig, onChange ChangeHandler) (*BinlogWatcher, error) {
	if onChange == nil {
		return nil, errMissingChangeHandler
	}
	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		table = defaultOrderTable
	}
	serverID := cfg.ServerID
	if serverID == 0 {
		serverID = defaultBinlogServer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c, err := canal.NewCanal(&canal.Config{
		Addr:     cfg.Addr,
		User:     cfg.User,
		Password: cfg.Password,
		Flavor:   binlogFlavorMySQL,
		ServerID: serverID,
		Dump: canal.DumpConfig{
			ExecutionPath: "",
		},
		IncludeTableRegex: []string{fmt.Sprintf(binlogTableRegexTmpl, table)},
	})
	if err != nil {
		return nil, fmt.Errorf("source: create canal: %w", err)
	}

	handler := newOrderRowHandler(table, onChange, logger)
	c.SetEventHandler(handler)

	return &BinlogWatcher{canal: c, handler: handler, logger: logger}, nil
}

// Run tails the binlog until ctx is done or replication fails.
func (w *BinlogWatcher) Run(ctx context.Context) error {
	w.handler.bind(ctx)
	position, err := w.canal.GetMasterPos()
	if err != nil {
		return fmt.Errorf("source: read binlog position: %w", err)
	}

	errs := make(chan error, 1)
	go func() {
		errs <- w.canal.RunFrom(position)
	}()
	w.logger.Info("binlog watcher started", zap.String("file", position.Name), zap.Uint32("position", position.Pos))

	select {
	case <-ctx.Done():
		w.canal.Close()
		<-errs
		w.logger.Info("binlog watcher stopped")
		return nil
	case err := <-errs:
		w.canal.Close()
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("source: binlog replication: %w", err)
		}
		return nil
	}
}

type orderRowHandler struct {
	canal.DummyEventHandler
	table    string
	onChange ChangeHandler
	logger   *zap.Logger
	ctx      context.Context
}

func newOrderRowHandler(table string, onChange ChangeHandler, logger *zap.Logger) *orderRowHandler {
	return &orderRowHandler{
		table:    table,
		onChange: onChange,
		logger:   logger,
		ctx:      context.Background(),
	}
}

func (h *orderRowHandler) bind(ctx context.Context) {
	h.ctx = ctx
}

// OnRow reports every distinct order id touched by an insert or update.
// Update events carry before/after row pairs; only the after image counts.
func (h *orderRowHandler) OnRow(e *canal.RowsEvent) error {
	if e == nil || e.Table == nil || e.Table.Name != h.table {
		return nil
	}
	column := e.Table.FindColumn(orderIDColumn)
	if column < 0 {
		return nil
	}

	start, step := 0, 1
	switch e.Action {
	case canal.InsertAction:
	case canal.UpdateAction:
		start, step = 1, 2
	default:
		return nil
	}

	seen := make(map[int64]struct{})
	for index := start; index < len(e.Rows); index += step {
		row := e.Rows[index]
		if column >= len(row) {
			continue
		}
		id, ok := rowID(row[column])
		if !ok {
			h.logger.Debug("binlog row without usable id", zap.Any("value", row[column]))
			continue
		}
		if _, duplicate := seen[id]; duplicate {
			continue
		}
		seen[id] = struct{}{}
		h.onChange(h.ctx, id)
	}
	return nil
}

func (h *orderRowHandler) String() string {
	return binlogHandlerName
}

func rowID(value any) (int64, bool) {
	switch typed := value.(type) {
	case int8:
		return int64(typed), typed > 0
	case int16:
		return int64(typed), typed > 0
	case int32:
		return int64(typed), typed > 0
	case int64:
		return typed, typed > 0
	case int:
		return int64(typed), typed > 0
	case uint8:
		return int64(typed), typed > 0
	case uint16:
		return int64(typed), typed > 0
	case uint32:
		return int64(typed), typed > 0
	case uint64:
		return int64(typed), typed > 0 && typed <= 1<<62
	case uint:
		return int64(typed), typed > 0
	case string:
		return parsePositiveID(typed)
	case []byte:
		return parsePositiveID(string(typed))
	default:
		return 0, false
	}
}

func parsePositiveID(value string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
