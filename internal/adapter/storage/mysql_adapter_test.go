package storage

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"

	"github.com/rl1809/smart-fridge/internal/core/domain"
)

func getMySQLDB(t *testing.T) *sql.DB {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/fridge?parseTime=true"
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	return db
}

func setupMySQL(t *testing.T) (*MySQLAdapter, *sql.DB) {
	db := getMySQLDB(t)
	adapter := NewMySQLAdapter(db)
	if err := adapter.EnsureSchema(context.Background()); err != nil {
		db.Close()
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	return adapter, db
}

func TestAppendSales_IdempotentPerTransactionProduct(t *testing.T) {
	adapter, db := setupMySQL(t)
	defer db.Close()

	ctx := context.Background()
	db.ExecContext(ctx, `DELETE FROM sales_records WHERE transaction_id LIKE 'T-test-%'`)

	soldAt := time.Now().UTC().Truncate(time.Millisecond)
	records := []domain.SalesRecord{
		{TransactionID: "T-test-1", ProductID: "cola", Quantity: 2, UnitPrice: decimal.RequireFromString("3.50"), Timestamp: soldAt},
		{TransactionID: "T-test-1", ProductID: "chips", Quantity: 1, UnitPrice: decimal.RequireFromString("2.00"), Timestamp: soldAt},
	}

	if err := adapter.AppendSales(ctx, records); err != nil {
		t.Fatalf("AppendSales() error = %v", err)
	}
	if err := adapter.AppendSales(ctx, records); err != nil {
		t.Fatalf("repeated AppendSales() error = %v", err)
	}

	var count int
	db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sales_records WHERE transaction_id = 'T-test-1'`).Scan(&count)
	if count != 2 {
		t.Errorf("expected 2 rows, got %d", count)
	}
}

func TestLoadSales_SinceFilter(t *testing.T) {
	adapter, db := setupMySQL(t)
	defer db.Close()

	ctx := context.Background()
	db.ExecContext(ctx, `DELETE FROM sales_records WHERE transaction_id LIKE 'T-test-%'`)

	now := time.Now().UTC().Truncate(time.Millisecond)
	_ = adapter.AppendSales(ctx, []domain.SalesRecord{
		{TransactionID: "T-test-old", ProductID: "cola", Quantity: 1, UnitPrice: decimal.RequireFromString("3.50"), Timestamp: now.Add(-48 * time.Hour)},
		{TransactionID: "T-test-new", ProductID: "cola", Quantity: 4, UnitPrice: decimal.RequireFromString("3.50"), Timestamp: now},
	})

	records, err := adapter.LoadSales(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("LoadSales() error = %v", err)
	}

	var found *domain.SalesRecord
	for i := range records {
		if records[i].TransactionID == "T-test-old" {
			t.Errorf("record older than since returned")
		}
		if records[i].TransactionID == "T-test-new" {
			found = &records[i]
		}
	}
	if found == nil {
		t.Fatal("new record not returned")
	}
	if found.Quantity != 4 || !found.UnitPrice.Equal(decimal.RequireFromString("3.50")) {
		t.Errorf("record = %+v", *found)
	}
}

func TestProducts_Upsert(t *testing.T) {
	adapter, db := setupMySQL(t)
	defer db.Close()

	ctx := context.Background()
	p := domain.Product{ID: "test-cola", Name: "Cola", Price: decimal.RequireFromString("3.50"), Capacity: 12}
	if err := adapter.UpsertProduct(ctx, p); err != nil {
		t.Fatalf("UpsertProduct() error = %v", err)
	}
	p.Price = decimal.RequireFromString("3.80")
	if err := adapter.UpsertProduct(ctx, p); err != nil {
		t.Fatalf("UpsertProduct() update error = %v", err)
	}

	products, err := adapter.Products(ctx)
	if err != nil {
		t.Fatalf("Products() error = %v", err)
	}
	for _, got := range products {
		if got.ID == "test-cola" {
			if !got.Price.Equal(decimal.RequireFromString("3.80")) || got.Capacity != 12 {
				t.Errorf("product = %+v", got)
			}
			return
		}
	}
	t.Error("product not found")
}
