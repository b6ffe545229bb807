package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const pgProductColumns = `id, name, category, price::text, content_kind, blob_key, file_name, seller_id, metadata, sold_at, sold_to, created_at`

func scanPgProduct(row pgx.Row) (*Product, error) {
	var p Product
	var price, kind string
	var metaJSON []byte
	if err := row.Scan(&p.ID, &p.Name, &p.Category, &price, &kind, &p.BlobKey, &p.FileName, &p.SellerID, &metaJSON, &p.SoldAt, &p.SoldTo, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	amount, err := decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	p.Price = amount
	p.ContentKind = ContentKind(kind)
	p.Metadata = fromJSON(metaJSON)
	return &p, nil
}

// ListCategories returns the distinct categories that still have available inventory.
func (r *Postgres) ListCategories(ctx context.Context) ([]string, error) {
	const q = `
SELECT DISTINCT category
FROM products
WHERE sold_at IS NULL
ORDER BY category;
`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}
	return out, nil
}

// ListAvailableProducts returns unsold products of a category ordered by price.
func (r *Postgres) ListAvailableProducts(ctx context.Context, category string) ([]Product, error) {
	q := `SELECT ` + pgProductColumns + `
FROM products
WHERE category = $1 AND sold_at IS NULL
ORDER BY price ASC, id ASC;
`
	rows, err := r.pool.Query(ctx, q, category)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		p, err := scanPgProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return out, nil
}

// GetProduct retrieves a product regardless of availability.
func (r *Postgres) GetProduct(ctx context.Context, id int64) (*Product, error) {
	p, err := scanPgProduct(r.pool.QueryRow(ctx, `SELECT `+pgProductColumns+` FROM products WHERE id = $1;`, id))
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

// InsertProducts stores a batch of products atomically.
func (r *Postgres) InsertProducts(ctx context.Context, products []Product) ([]Product, error) {
	const q = `
INSERT INTO products (name, category, price, content_kind, blob_key, file_name, seller_id, metadata)
VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8::jsonb)
RETURNING id, created_at;
`
	inserted := make([]Product, 0, len(products))
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		for _, p := range products {
			meta, err := toJSON(p.Metadata)
			if err != nil {
				return err
			}
			if err := tx.QueryRow(ctx, q,
				p.Name,
				p.Category,
				p.Price.String(),
				string(p.ContentKind),
				p.BlobKey,
				p.FileName,
				p.SellerID,
				jsonParam(meta),
			).Scan(&p.ID, &p.CreatedAt); err != nil {
				return fmt.Errorf("insert product %q: %w", p.Name, err)
			}
			inserted = append(inserted, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}
