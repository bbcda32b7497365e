package qualification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Qualification maps a provider to a category/tier combination they are
// authorized to serve. Only verified rows count toward assignment.
type Qualification struct {
	ID         string
	ProviderID string
	CategoryID string
	TierID     string
	Verified   bool
	CreatedAt  time.Time
}

// ErrNotFound signals the qualification row does not exist.
var ErrNotFound = errors.New("qualification: not found")

// Repository provides read access to provider qualifications. The resolver
// treats this as an external, read-only input.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// IsQualified reports whether the provider holds a verified qualification for
// the category/tier combination.
func (r *Repository) IsQualified(ctx context.Context, providerID, categoryID, tierID string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM provider_qualifications
			WHERE provider_id = $1 AND category_id = $2 AND tier_id = $3 AND verified
		)
	`
	var qualified bool
	if err := r.pool.QueryRow(ctx, query, providerID, categoryID, tierID).Scan(&qualified); err != nil {
		return false, fmt.Errorf("qualification: check: %w", err)
	}
	return qualified, nil
}

// ListForProvider returns every qualification held by the provider.
func (r *Repository) ListForProvider(ctx context.Context, providerID string) ([]Qualification, error) {
	const query = `
		SELECT id, provider_id, category_id, tier_id, verified, created_at
		FROM provider_qualifications
		WHERE provider_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.pool.Query(ctx, query, providerID)
	if err != nil {
		return nil, fmt.Errorf("qualification: list: %w", err)
	}
	defer rows.Close()

	out := make([]Qualification, 0, 8)
	for rows.Next() {
		var q Qualification
		if err := rows.Scan(&q.ID, &q.ProviderID, &q.CategoryID, &q.TierID, &q.Verified, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("qualification: scan: %w", err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("qualification: iterate: %w", err)
	}
	return out, nil
}

// Get fetches a single qualification row.
func (r *Repository) Get(ctx context.Context, providerID, categoryID, tierID string) (Qualification, error) {
	const query = `
		SELECT id, provider_id, category_id, tier_id, verified, created_at
		FROM provider_qualifications
		WHERE provider_id = $1 AND category_id = $2 AND tier_id = $3
	`
	var q Qualification
	err := r.pool.QueryRow(ctx, query, providerID, categoryID, tierID).
		Scan(&q.ID, &q.ProviderID, &q.CategoryID, &q.TierID, &q.Verified, &q.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Qualification{}, ErrNotFound
		}
		return Qualification{}, fmt.Errorf("qualification: get: %w", err)
	}
	return q, nil
}
