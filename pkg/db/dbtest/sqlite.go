// Package dbtest opens throwaway sqlite databases carrying the escrow schema.
package dbtest

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var schema = []string{
	`CREATE TABLE products (
		id TEXT PRIMARY KEY,
		seller_id TEXT NOT NULL,
		title TEXT NOT NULL,
		price_cents INTEGER NOT NULL,
		currency TEXT NOT NULL,
		supports_meetup BOOLEAN NOT NULL DEFAULT 1,
		supports_shipping BOOLEAN NOT NULL DEFAULT 0,
		sold_order_id TEXT,
		sold_at DATETIME
	)`,
	`CREATE TABLE orders (
		id TEXT PRIMARY KEY,
		buyer_id TEXT NOT NULL,
		seller_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		delivery_mode TEXT NOT NULL,
		payment_mode TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending_payment',
		version INTEGER NOT NULL DEFAULT 1,
		product_amount_cents INTEGER NOT NULL,
		shipping_fee_cents INTEGER NOT NULL DEFAULT 0,
		platform_fee_cents INTEGER NOT NULL,
		total_cents INTEGER NOT NULL,
		currency TEXT NOT NULL,
		hold_ref TEXT,
		hold_attempts INTEGER NOT NULL DEFAULT 0,
		disbursement_ref TEXT,
		disbursed_at DATETIME,
		refund_ref TEXT,
		refunded_at DATETIME,
		settlement_claim TEXT,
		payout_pending BOOLEAN NOT NULL DEFAULT 0,
		manual_payout_at DATETIME,
		manual_payout_by TEXT,
		manual_payout_note TEXT,
		shipping_address TEXT,
		carrier TEXT,
		tracking_number TEXT,
		meetup_location TEXT,
		meetup_at DATETIME,
		meetup_proposed_by TEXT,
		paid_at DATETIME,
		shipped_at DATETIME,
		delivered_at DATETIME,
		buyer_confirmed_at DATETIME,
		seller_confirmed_at DATETIME,
		confirmed_at DATETIME,
		cancelled_at DATETIME,
		created_at DATETIME,
		updated_at DATETIME,
		CHECK (total_cents = product_amount_cents + shipping_fee_cents + platform_fee_cents),
		CHECK (buyer_id <> seller_id)
	)`,
	`CREATE UNIQUE INDEX ux_orders_hold_ref ON orders (hold_ref) WHERE hold_ref IS NOT NULL`,
	`CREATE TABLE order_timeline_entries (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		description TEXT NOT NULL,
		actor_id TEXT,
		metadata TEXT,
		created_at DATETIME
	)`,
	`CREATE TABLE disputes (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		reason TEXT NOT NULL,
		description TEXT NOT NULL,
		created_by TEXT NOT NULL,
		order_status_at_open TEXT NOT NULL,
		resolved_by TEXT,
		admin_note TEXT,
		created_at DATETIME,
		resolved_at DATETIME
	)`,
	`CREATE UNIQUE INDEX ux_disputes_open_order ON disputes (order_id) WHERE status = 'open'`,
	`CREATE TABLE payout_profiles (
		user_id TEXT PRIMARY KEY,
		external_account_id TEXT,
		verified BOOLEAN NOT NULL DEFAULT 0,
		manual_bank_details TEXT,
		updated_at DATETIME
	)`,
	`CREATE TABLE outbox_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME,
		published_at DATETIME,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	)`,
	`CREATE UNIQUE INDEX ux_outbox_events_event_aggregate ON outbox_events (event_type, aggregate_type, aggregate_id) WHERE event_type = 'order_settled'`,
	`CREATE TABLE outbox_dlq (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		error_reason TEXT NOT NULL,
		error_message TEXT,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		failed_at DATETIME,
		created_at DATETIME
	)`,
	`CREATE UNIQUE INDEX ux_outbox_dlq_event ON outbox_dlq (event_id)`,
}

// Open returns an isolated in-memory database with every escrow table created.
// The pool is pinned to one connection so concurrent callers serialize the way
// row locks would serialize them in Postgres.
func Open(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := conn.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return conn
}

// TxRunner runs callbacks in a transaction on the test database.
type TxRunner struct {
	DB *gorm.DB
}

func (r TxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.DB.WithContext(ctx).Transaction(fn)
}
