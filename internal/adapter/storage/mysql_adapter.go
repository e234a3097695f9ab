package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rl1809/smart-fridge/internal/core/domain"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sales_records (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		transaction_id VARCHAR(64) NOT NULL,
		product_id VARCHAR(64) NOT NULL,
		quantity INT NOT NULL,
		unit_price DECIMAL(12,2) NOT NULL,
		sold_at DATETIME(3) NOT NULL,
		UNIQUE KEY uniq_txn_product (transaction_id, product_id),
		KEY idx_sold_at (sold_at)
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		price DECIMAL(12,2) NOT NULL,
		capacity INT NOT NULL DEFAULT 0,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
	)`,
}

// MySQLAdapter stores the sales ledger and the product catalog.
// The DSN must set parseTime=true.
type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

func (m *MySQLAdapter) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// AppendSales inserts records in one transaction. A record already stored for
// the same transaction and product is skipped.
func (m *MySQLAdapter) AppendSales(ctx context.Context, records []domain.SalesRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT IGNORE INTO sales_records (transaction_id, product_id, quantity, unit_price, sold_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.TransactionID, r.ProductID, r.Quantity, r.UnitPrice, r.Timestamp.UTC()); err != nil {
			return fmt.Errorf("insert sales record %s/%s: %w", r.TransactionID, r.ProductID, err)
		}
	}

	return tx.Commit()
}

func (m *MySQLAdapter) LoadSales(ctx context.Context, since time.Time) ([]domain.SalesRecord, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT transaction_id, product_id, quantity, unit_price, sold_at
		FROM sales_records WHERE sold_at >= ? ORDER BY sold_at, id`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query sales: %w", err)
	}
	defer rows.Close()

	var records []domain.SalesRecord
	for rows.Next() {
		var r domain.SalesRecord
		if err := rows.Scan(&r.TransactionID, &r.ProductID, &r.Quantity, &r.UnitPrice, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan sales record: %w", err)
		}
		r.Timestamp = r.Timestamp.Local()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sales: %w", err)
	}
	return records, nil
}

func (m *MySQLAdapter) Products(ctx context.Context) ([]domain.Product, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id, name, price, capacity FROM products ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Capacity); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return products, nil
}

// UpsertProduct seeds or updates a catalog entry.
func (m *MySQLAdapter) UpsertProduct(ctx context.Context, p domain.Product) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO products (id, name, price, capacity) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE name = VALUES(name), price = VALUES(price), capacity = VALUES(capacity)`,
		p.ID, p.Name, p.Price, p.Capacity,
	)
	if err != nil {
		return fmt.Errorf("upsert product %s: %w", p.ID, err)
	}
	return nil
}
