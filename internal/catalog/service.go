package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const listCacheKey = "catalog:services:list"

// Menu manages the service menu: the list the front desk bills from and the
// back-office mutations that maintain it. Reads go through the cache; every
// mutation invalidates it.
type Menu struct {
	Pool   *pgxpool.Pool
	Cache  *Cache
	Source Source
}

// ServiceInput carries a create or update request for one menu entry.
type ServiceInput struct {
	Name            string         `json:"name" validate:"required,min=2,max=120"`
	Price           int64          `json:"price" validate:"required,gt=0"`
	DurationMinutes int32          `json:"durationMinutes" validate:"gte=0"`
	MaterialUsage   []MaterialLine `json:"materialUsage" validate:"omitempty,dive"`
}

// List returns active menu entries ordered by name.
func (m *Menu) List(ctx context.Context) ([]Service, error) {
	if m.Cache != nil {
		var cached []Service
		if ok, err := m.Cache.GetJSON(ctx, listCacheKey, &cached); err == nil && ok {
			return cached, nil
		}
	}
	rows, err := m.Pool.Query(ctx,
		`SELECT id, name, price, duration_minutes
		   FROM services WHERE active AND deleted_at IS NULL ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()
	var out []Service
	for rows.Next() {
		var svc Service
		if err := rows.Scan(&svc.ID, &svc.Name, &svc.Price, &svc.DurationMinutes); err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if m.Cache != nil {
		_ = m.Cache.SetJSON(ctx, listCacheKey, out)
	}
	return out, nil
}

// Detail returns one active service with its material-usage table.
func (m *Menu) Detail(ctx context.Context, id uuid.UUID) (Service, error) {
	return m.Source.GetActive(ctx, m.Pool, id)
}

// Create inserts a menu entry and its material lines.
func (m *Menu) Create(ctx context.Context, in ServiceInput) (Service, error) {
	svc := Service{
		ID:              uuid.New(),
		Name:            strings.TrimSpace(in.Name),
		Price:           in.Price,
		DurationMinutes: in.DurationMinutes,
		MaterialUsage:   in.MaterialUsage,
	}
	tx, err := m.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Service{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if _, err := tx.Exec(ctx,
		`INSERT INTO services (id, name, price, duration_minutes) VALUES ($1, $2, $3, $4)`,
		svc.ID, svc.Name, svc.Price, svc.DurationMinutes,
	); err != nil {
		return Service{}, err
	}
	if err := insertMaterials(ctx, tx, svc.ID, svc.MaterialUsage); err != nil {
		return Service{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Service{}, err
	}
	_ = m.Cache.Invalidate(ctx, listCacheKey)
	return svc, nil
}

// Update rewrites a menu entry and replaces its material lines.
func (m *Menu) Update(ctx context.Context, id uuid.UUID, in ServiceInput) (Service, error) {
	tx, err := m.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Service{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	tag, err := tx.Exec(ctx,
		`UPDATE services SET name = $2, price = $3, duration_minutes = $4, updated_at = now()
		  WHERE id = $1 AND deleted_at IS NULL`,
		id, strings.TrimSpace(in.Name), in.Price, in.DurationMinutes,
	)
	if err != nil {
		return Service{}, err
	}
	if tag.RowsAffected() == 0 {
		return Service{}, ErrNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM service_materials WHERE service_id = $1`, id); err != nil {
		return Service{}, err
	}
	if err := insertMaterials(ctx, tx, id, in.MaterialUsage); err != nil {
		return Service{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Service{}, err
	}
	_ = m.Cache.Invalidate(ctx, listCacheKey)
	return Service{
		ID:              id,
		Name:            strings.TrimSpace(in.Name),
		Price:           in.Price,
		DurationMinutes: in.DurationMinutes,
		MaterialUsage:   in.MaterialUsage,
	}, nil
}

// Deactivate soft-deletes a menu entry. Historical bills keep their
// snapshotted name and price.
func (m *Menu) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := m.Pool.Exec(ctx,
		`UPDATE services SET active = FALSE, deleted_at = now(), updated_at = now()
		  WHERE id = $1 AND deleted_at IS NULL`,
		id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	_ = m.Cache.Invalidate(ctx, listCacheKey)
	return nil
}

func insertMaterials(ctx context.Context, tx pgx.Tx, serviceID uuid.UUID, lines []MaterialLine) error {
	for _, line := range lines {
		if line.Quantity <= 0 {
			return errors.New("catalog: material quantity must be positive")
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO service_materials (service_id, inventory_item_id, quantity) VALUES ($1, $2, $3)`,
			serviceID, line.InventoryItemID, line.Quantity,
		); err != nil {
			return err
		}
	}
	return nil
}
