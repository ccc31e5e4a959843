package migrate_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/refillpoint/fulfillment-backend/pkg/migrate"
)

func TestMigrationsDirIsValid(t *testing.T) {
	if err := migrate.ValidateDir("migrations"); err != nil {
		t.Fatalf("validate migrations: %v", err)
	}
}

func TestMigrationsContainConstraints(t *testing.T) {
	cases := map[string][]string{
		"*_create_orders.sql": {
			"CONSTRAINT orders_order_number_key UNIQUE (order_number)",
			"CONSTRAINT orders_payment_intent_id_key UNIQUE (payment_intent_id)",
			"CHECK (fulfillment_method IN ('pickup', 'delivery'))",
			"DROP TABLE IF EXISTS orders",
		},
		"*_create_payment_events.sql": {
			"CONSTRAINT payment_events_event_id_key UNIQUE (event_id)",
			"DROP TABLE IF EXISTS payment_events",
		},
		"*_create_pickup_tokens.sql": {
			"CONSTRAINT pickup_tokens_order_id_key UNIQUE (order_id)",
			"DROP TABLE IF EXISTS pickup_tokens",
		},
		"*_create_stock_reservations.sql": {
			"CHECK (quantity_reserved > 0)",
			"DROP TABLE IF EXISTS stock_reservations",
		},
		"*_create_product_variants.sql": {
			"CHECK (stock_quantity >= 0)",
		},
		"*_add_outbox_next_attempt_at.sql": {
			"ADD COLUMN IF NOT EXISTS next_attempt_at timestamptz",
			"DROP COLUMN IF EXISTS next_attempt_at",
		},
	}

	for pattern, checks := range cases {
		matches, err := filepath.Glob(filepath.Join("migrations", pattern))
		if err != nil {
			t.Fatalf("glob %s: %v", pattern, err)
		}
		if len(matches) != 1 {
			t.Fatalf("expected one migration for %s, got %d", pattern, len(matches))
		}
		data, err := os.ReadFile(matches[0])
		if err != nil {
			t.Fatalf("read migration file: %v", err)
		}
		content := string(data)
		for _, sub := range checks {
			if !strings.Contains(content, sub) {
				t.Errorf("%s missing expected statement %q", matches[0], sub)
			}
		}
	}
}

func TestCreateSQLMigrationSanitizesName(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)
	path, err := migrate.CreateSQLMigration(dir, "Add Pickup Index!", at)
	if err != nil {
		t.Fatalf("create migration: %v", err)
	}
	if filepath.Base(path) != "20261015093000_add_pickup_index.sql" {
		t.Fatalf("unexpected migration path %s", path)
	}
	if err := migrate.ValidateDir(dir); err != nil {
		t.Fatalf("created migration fails validation: %v", err)
	}

	if _, err := migrate.CreateSQLMigration(dir, "another change", at); err == nil {
		t.Fatalf("expected a second migration at the same version to be refused")
	}
	if _, err := migrate.CreateSQLMigration(dir, "!!!", at.Add(time.Second)); err == nil {
		t.Fatalf("expected a name without usable characters to be refused")
	}
}
