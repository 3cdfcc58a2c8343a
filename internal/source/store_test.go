package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	_ "github.com/glebarez/go-sqlite"
)

const sourceSchema = `
CREATE TABLE b_sale_order (
	ID INTEGER PRIMARY KEY,
	LID TEXT,
	ACCOUNT_NUMBER TEXT,
	STATUS_ID TEXT,
	VERSION INTEGER,
	PRICE REAL,
	PRICE_DELIVERY REAL,
	DISCOUNT_VALUE REAL,
	CURRENCY TEXT,
	USER_ID INTEGER,
	PAYED TEXT,
	CANCELED TEXT,
	PAY_SYSTEM_ID INTEGER,
	RESPONSIBLE_ID INTEGER,
	DATE_INSERT TEXT,
	DATE_UPDATE TEXT,
	USER_DESCRIPTION TEXT,
	COMMENTS TEXT
);
CREATE TABLE b_sale_order_props (ID INTEGER PRIMARY KEY, CODE TEXT, NAME TEXT);
CREATE TABLE b_sale_order_props_value (ID INTEGER PRIMARY KEY, ORDER_ID INTEGER, ORDER_PROPS_ID INTEGER, VALUE TEXT);
CREATE TABLE b_sale_basket (
	ID INTEGER PRIMARY KEY,
	ORDER_ID INTEGER,
	PRODUCT_ID INTEGER,
	PRODUCT_XML_ID TEXT,
	NAME TEXT,
	QUANTITY REAL,
	PRICE REAL,
	DISCOUNT_PRICE REAL,
	CURRENCY TEXT
);`

func openSourceDatabase(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = db.Close()
	})
	if _, err := db.Exec(sourceSchema); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	return db
}

func mustExec(t *testing.T, db *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("exec %q failed: %v", query, err)
	}
}

func seedOrder(t *testing.T, db *sql.DB, id int64, site string) {
	t.Helper()
	mustExec(t, db, `INSERT INTO b_sale_order (ID, LID, ACCOUNT_NUMBER, STATUS_ID, VERSION, PRICE, PRICE_DELIVERY, DISCOUNT_VALUE,
CURRENCY, USER_ID, PAYED, CANCELED, PAY_SYSTEM_ID, RESPONSIBLE_ID, DATE_INSERT, DATE_UPDATE, USER_DESCRIPTION, COMMENTS)
VALUES (?, ?, ?, 'N', 3, 7500, 1000, 0, 'KZT', 42, 'N', 'N', 2, NULL, '2024-07-01 10:00:00', '2024-07-01 10:05:00', 'leave at door', NULL)`,
		id, site, fmt.Sprintf("A-%d", id))
}

func TestIDsInRangeFiltersBySite(t *testing.T) {
	db := openSourceDatabase(t)
	for _, id := range []int64{100, 101, 102, 103} {
		seedOrder(t, db, id, "s1")
	}
	seedOrder(t, db, 104, "s2")
	seedOrder(t, db, 200, "s1")

	store, err := NewSQLStore(SQLStoreConfig{Database: db, SiteID: "s1"})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	ids, err := store.IDsInRange(context.Background(), 100, 110)
	if err != nil {
		t.Fatalf("range query failed: %v", err)
	}
	expected := []int64{100, 101, 102, 103}
	if len(ids) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, ids)
	}
	for index := range expected {
		if ids[index] != expected[index] {
			t.Fatalf("expected %v, got %v", expected, ids)
		}
	}

	if _, err := store.IDsInRange(context.Background(), 10, 1); err == nil {
		t.Fatalf("expected inverted range to fail")
	}
}

func TestFetchOrderAssemblesPayload(t *testing.T) {
	db := openSourceDatabase(t)
	seedOrder(t, db, 100, "s1")
	mustExec(t, db, `INSERT INTO b_sale_order_props (ID, CODE, NAME) VALUES (1, 'FIO', 'Recipient'), (2, 'PHONE', 'Phone'), (3, 'color', 'Color')`)
	mustExec(t, db, `INSERT INTO b_sale_order_props_value (ORDER_ID, ORDER_PROPS_ID, VALUE) VALUES (100, 1, 'Dana'), (100, 2, '+7 (701) 000-00-00'), (100, 3, 'red'), (999, 1, 'Other')`)
	mustExec(t, db, `INSERT INTO b_sale_basket (ID, ORDER_ID, PRODUCT_ID, PRODUCT_XML_ID, NAME, QUANTITY, PRICE, DISCOUNT_PRICE, CURRENCY)
VALUES (10, 100, 9, 'xml-9', 'Tulips', 3, 2500, 0, 'KZT'), (11, 100, 8, NULL, 'Card', 1, 500, 100, 'KZT')`)

	store, err := NewSQLStore(SQLStoreConfig{Database: db, Origin: OriginProduction})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	order, err := store.FetchOrder(context.Background(), 100)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if order.ID.String() != "100" || order.StatusID.String() != "N" || order.Price.String() != "7500" {
		t.Fatalf("unexpected order columns %+v", order)
	}
	if order.Comments.Present() || order.ResponsibleID.Present() {
		t.Fatalf("expected NULL columns to be absent")
	}
	if len(order.Properties.Entries()) != 3 {
		t.Fatalf("expected 3 properties, got %+v", order.Properties.Entries())
	}
	if len(order.Basket) != 2 || order.Basket[0].Name.String() != "Tulips" || order.Basket[0].Quantity.String() != "3" {
		t.Fatalf("unexpected basket %+v", order.Basket)
	}
	if store.Origin() != OriginProduction {
		t.Fatalf("expected production origin")
	}
}

func TestFetchOrderNotFound(t *testing.T) {
	store, err := NewSQLStore(SQLStoreConfig{Database: openSourceDatabase(t)})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	if _, err := store.FetchOrder(context.Background(), 404); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestParseOrigin(t *testing.T) {
	for input, expected := range map[string]Origin{"": OriginLocal, "LOCAL": OriginLocal, " production ": OriginProduction} {
		origin, err := ParseOrigin(input)
		if err != nil || origin != expected {
			t.Fatalf("ParseOrigin(%q) = %q, %v", input, origin, err)
		}
	}
	if _, err := ParseOrigin("staging"); err == nil {
		t.Fatalf("expected unknown origin to fail")
	}
}

func TestOpenMySQLRejectsMalformedDSN(t *testing.T) {
	if _, err := OpenMySQL("not a dsn"); err == nil {
		t.Fatalf("expected malformed dsn error")
	}
	db, err := OpenMySQL("user:pass@tcp(127.0.0.1:3306)/bitrix")
	if err != nil {
		t.Fatalf("expected well-formed dsn to open lazily, got %v", err)
	}
	_ = db.Close()
}
