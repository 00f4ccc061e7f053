package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/PortNumber53/subcatalog/backend/internal/models"
)

// GetPlan loads a catalog plan. Plans are owned by the catalog service; this
// store only reads them.
func (q *queries) GetPlan(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	query := `
		SELECT id, name, description, price, currency, period, category, is_active, created_at, updated_at
		FROM plans
		WHERE id = $1
	`

	var p models.Plan
	err := q.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID, &p.Name, &p.Description, &p.Price, &p.Currency,
		&p.Period, &p.Category, &p.IsActive, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("store: plan %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("store: get plan: %w", err)
	}

	return &p, nil
}
