package catalog

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned for unknown, inactive, or deleted services.
var ErrNotFound = errors.New("catalog: service not found")

// Querier is the row-reading subset of pgx.Tx / pgxpool.Pool used here.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Service is an active catalog entry. Price is the tax-inclusive price in
// minor units; MaterialUsage drives COGS attribution for service lines.
type Service struct {
	ID              uuid.UUID      `json:"id"`
	Name            string         `json:"name"`
	Price           int64          `json:"price"`
	DurationMinutes int32          `json:"durationMinutes"`
	MaterialUsage   []MaterialLine `json:"materialUsage,omitempty"`
}

// MaterialLine is one inventory item consumed per unit of service rendered.
type MaterialLine struct {
	InventoryItemID uuid.UUID `json:"inventoryItemId"`
	Quantity        int64     `json:"quantity"`
}

// Source looks up catalog rows for the billing core.
type Source struct{}

// GetActive resolves an active service and its material-usage table.
func (Source) GetActive(ctx context.Context, q Querier, id uuid.UUID) (Service, error) {
	var svc Service
	err := q.QueryRow(ctx,
		`SELECT id, name, price, duration_minutes
		   FROM services WHERE id = $1 AND active AND deleted_at IS NULL`,
		id,
	).Scan(&svc.ID, &svc.Name, &svc.Price, &svc.DurationMinutes)
	if errors.Is(err, pgx.ErrNoRows) {
		return Service{}, ErrNotFound
	}
	if err != nil {
		return Service{}, err
	}

	rows, err := q.Query(ctx,
		`SELECT inventory_item_id, quantity FROM service_materials WHERE service_id = $1 ORDER BY inventory_item_id`,
		id,
	)
	if err != nil {
		return Service{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line MaterialLine
		if err := rows.Scan(&line.InventoryItemID, &line.Quantity); err != nil {
			return Service{}, err
		}
		svc.MaterialUsage = append(svc.MaterialUsage, line)
	}
	return svc, rows.Err()
}
