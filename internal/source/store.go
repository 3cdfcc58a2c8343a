// Package source reaches the legacy order platform: its MySQL tables for
// reads, its HTTP API for status pushes, and its binlog for change
// notifications.
package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ordersync/internal/transform"
	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultIOTimeout   = 30 * time.Second
	maxOpenConnections = 5
)

var (
	// ErrOrderNotFound indicates that the Source has no order with the id.
	ErrOrderNotFound   = errors.New("source: order not found")
	errMissingDatabase = errors.New("source: database connection required")
	errInvalidRange    = errors.New("source: range start must not exceed range end")
)

// Origin selects which Source database a reconciliation reads from.
type Origin string

const (
	OriginLocal      Origin = "local"
	OriginProduction Origin = "production"
)

// ParseOrigin validates an origin name; empty selects the local replica.
func ParseOrigin(value string) (Origin, error) {
	switch Origin(strings.ToLower(strings.TrimSpace(value))) {
	case OriginLocal, "":
		return OriginLocal, nil
	case OriginProduction:
		return OriginProduction, nil
	default:
		return "", fmt.Errorf("source: unknown origin %q", value)
	}
}

// OpenMySQL opens a pooled connection to a Source database. Dial and I/O
// timeouts are applied when the DSN leaves them unset.
func OpenMySQL(dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("source: parse dsn: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultIOTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultIOTimeout
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("source: build connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(maxOpenConnections)
	db.SetMaxIdleConns(maxOpenConnections)
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// SQLStoreConfig describes a Source database reader.
type SQLStoreConfig struct {
	Database *sql.DB
	// SiteID restricts reads to one storefront (the LID column); empty reads all.
	SiteID string
	Origin Origin
	Logger *zap.Logger
}

// SQLStore reads orders straight from the Source tables.
type SQLStore struct {
	db     *sql.DB
	siteID string
	origin Origin
	logger *zap.Logger
}

// NewSQLStore constructs a reader over an open Source database.
func NewSQLStore(cfg SQLStoreConfig) (*SQLStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	origin := cfg.Origin
	if origin == "" {
		origin = OriginLocal
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{
		db:     cfg.Database,
		siteID: strings.TrimSpace(cfg.SiteID),
		origin: origin,
		logger: logger,
	}, nil
}

// Origin reports which Source database the store reads.
func (s *SQLStore) Origin() Origin {
	return s.origin
}

// IDsInRange lists the order ids present in the inclusive range.
func (s *SQLStore) IDsInRange(ctx context.Context, start, end int64) ([]int64, error) {
	if start > end {
		return nil, errInvalidRange
	}
	query := "SELECT ID FROM b_sale_order WHERE ID BETWEEN ? AND ?"
	args := []any{start, end}
	if s.siteID != "" {
		query += " AND LID = ?"
		args = append(args, s.siteID)
	}
	query += " ORDER BY ID"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("source id query failed", zap.Error(err), zap.String("origin", string(s.origin)))
		return nil, fmt.Errorf("source: query ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("source: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("source: iterate ids: %w", err)
	}
	return ids, nil
}

const orderColumns = "ID, ACCOUNT_NUMBER, STATUS_ID, VERSION, PRICE, PRICE_DELIVERY, DISCOUNT_VALUE, CURRENCY, " +
	"USER_ID, PAYED, CANCELED, PAY_SYSTEM_ID, RESPONSIBLE_ID, DATE_INSERT, DATE_UPDATE, USER_DESCRIPTION, COMMENTS"

// FetchOrder assembles the full webhook-shaped payload of one order from
// the order row, its property values and its basket.
func (s *SQLStore) FetchOrder(ctx context.Context, id int64) (transform.SourceOrder, error) {
	var columns [17]sql.NullString
	targets := make([]any, len(columns))
	for index := range columns {
		targets[index] = &columns[index]
	}
	err := s.db.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM b_sale_order WHERE ID = ?", id).Scan(targets...)
	if errors.Is(err, sql.ErrNoRows) {
		return transform.SourceOrder{}, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	if err != nil {
		s.logger.Error("source order query failed", zap.Error(err), zap.Int64("source_id", id))
		return transform.SourceOrder{}, fmt.Errorf("source: query order %d: %w", id, err)
	}

	order := transform.SourceOrder{
		ID:              nullValue(columns[0]),
		AccountNumber:   nullValue(columns[1]),
		StatusID:        nullValue(columns[2]),
		Version:         nullValue(columns[3]),
		Price:           nullValue(columns[4]),
		PriceDelivery:   nullValue(columns[5]),
		DiscountValue:   nullValue(columns[6]),
		Currency:        nullValue(columns[7]),
		UserID:          nullValue(columns[8]),
		Payed:           nullValue(columns[9]),
		Canceled:        nullValue(columns[10]),
		PaySystemID:     nullValue(columns[11]),
		ResponsibleID:   nullValue(columns[12]),
		DateInsert:      nullValue(columns[13]),
		DateUpdate:      nullValue(columns[14]),
		UserDescription: nullValue(columns[15]),
		Comments:        nullValue(columns[16]),
	}

	properties, err := s.fetchProperties(ctx, id)
	if err != nil {
		return transform.SourceOrder{}, err
	}
	order.Properties = properties

	basket, err := s.fetchBasket(ctx, id)
	if err != nil {
		return transform.SourceOrder{}, err
	}
	order.Basket = basket
	return order, nil
}

// Ping verifies the Source connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) fetchProperties(ctx context.Context, orderID int64) (transform.Properties, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT p.CODE, p.NAME, v.VALUE
FROM b_sale_order_props_value v
JOIN b_sale_order_props p ON p.ID = v.ORDER_PROPS_ID
WHERE v.ORDER_ID = ?
ORDER BY p.CODE`, orderID)
	if err != nil {
		return transform.Properties{}, fmt.Errorf("source: query properties of %d: %w", orderID, err)
	}
	defer rows.Close()

	var entries []transform.Property
	for rows.Next() {
		var code, name, value sql.NullString
		if err := rows.Scan(&code, &name, &value); err != nil {
			return transform.Properties{}, fmt.Errorf("source: scan property: %w", err)
		}
		if !code.Valid {
			continue
		}
		entries = append(entries, transform.Property{Code: code.String, Name: name.String, Value: value.String})
	}
	if err := rows.Err(); err != nil {
		return transform.Properties{}, fmt.Errorf("source: iterate properties: %w", err)
	}
	return transform.NewProperties(entries...), nil
}

func (s *SQLStore) fetchBasket(ctx context.Context, orderID int64) ([]transform.SourceItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ID, PRODUCT_ID, PRODUCT_XML_ID, NAME, QUANTITY, PRICE, DISCOUNT_PRICE, CURRENCY
FROM b_sale_basket
WHERE ORDER_ID = ?
ORDER BY ID`, orderID)
	if err != nil {
		return nil, fmt.Errorf("source: query basket of %d: %w", orderID, err)
	}
	defer rows.Close()

	var items []transform.SourceItem
	for rows.Next() {
		var columns [8]sql.NullString
		if err := rows.Scan(&columns[0], &columns[1], &columns[2], &columns[3], &columns[4], &columns[5], &columns[6], &columns[7]); err != nil {
			return nil, fmt.Errorf("source: scan basket row: %w", err)
		}
		items = append(items, transform.SourceItem{
			ID:            nullValue(columns[0]),
			ProductID:     nullValue(columns[1]),
			ProductXMLID:  nullValue(columns[2]),
			Name:          nullValue(columns[3]),
			Quantity:      nullValue(columns[4]),
			Price:         nullValue(columns[5]),
			DiscountPrice: nullValue(columns[6]),
			Currency:      nullValue(columns[7]),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("source: iterate basket: %w", err)
	}
	return items, nil
}

func nullValue(column sql.NullString) transform.Value {
	if !column.Valid {
		return transform.Value{}
	}
	return transform.Text(column.String)
}
