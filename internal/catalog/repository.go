// Package catalog exposes product and variant lookups for the core modules.
// Product CRUD itself lives outside this service.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ErrNotFound indicates the product or variant is absent.
var ErrNotFound = errors.New("catalog: not found")

// Product carries the catalog fields the core needs.
type Product struct {
	ID          int64           `json:"id" db:"id"`
	SKU         string          `json:"sku" db:"sku"`
	Name        string          `json:"name" db:"name"`
	DefaultVAT  decimal.Decimal `json:"default_vat" db:"default_vat"`
	DefaultCost decimal.Decimal `json:"default_cost" db:"default_cost"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Variant is a sellable variation of a product.
type Variant struct {
	ID        int64     `json:"id" db:"id"`
	ProductID int64     `json:"product_id" db:"product_id"`
	SKU       string    `json:"sku" db:"sku"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Repository provides PostgreSQL backed catalog lookups.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetProduct returns one product.
func (r *Repository) GetProduct(ctx context.Context, id int64) (*Product, error) {
	var p Product
	err := r.pool.QueryRow(ctx, `SELECT id, sku, name, default_vat, default_cost, created_at FROM products WHERE id = $1`, id).Scan(
		&p.ID, &p.SKU, &p.Name, &p.DefaultVAT, &p.DefaultCost, &p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ProductExists validates product existence.
func (r *Repository) ProductExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)`, id).Scan(&exists)
	return exists, err
}

// VariantProduct returns the owning product id for a variant, or 0 when the
// variant does not exist.
func (r *Repository) VariantProduct(ctx context.Context, variantID int64) (int64, error) {
	var productID int64
	err := r.pool.QueryRow(ctx, `SELECT product_id FROM product_variants WHERE id = $1`, variantID).Scan(&productID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return productID, nil
}

// GetVariant returns one variant.
func (r *Repository) GetVariant(ctx context.Context, id int64) (*Variant, error) {
	var v Variant
	err := r.pool.QueryRow(ctx, `SELECT id, product_id, sku, name, created_at FROM product_variants WHERE id = $1`, id).Scan(
		&v.ID, &v.ProductID, &v.SKU, &v.Name, &v.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}
