package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCatalog reads the warehouse model from the WMS database via pgx.
type PostgresCatalog struct {
	pool *pgxpool.Pool
}

func NewPostgresCatalog(ctx context.Context, dsn string) (*PostgresCatalog, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse catalog dsn: %w", err)
	}
	cfg.MaxConns = 8

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresCatalog{pool: pool}, nil
}

func (c *PostgresCatalog) Close() {
	c.pool.Close()
}

const cellColumns = `id, qr, name, col, row, floor_id, rack_id, cell_type,
	direction_type, is_blocked, has_box,
	coalesce(pallet_id, ''), coalesce(pallet_type, '')`

func scanCell(row pgx.Row) (*Cell, error) {
	var cell Cell
	var directions string
	err := row.Scan(&cell.ID, &cell.QR, &cell.Name, &cell.Col, &cell.Row,
		&cell.FloorID, &cell.RackID, &cell.CellType, &directions,
		&cell.IsBlocked, &cell.HasBox, &cell.PalletID, &cell.PalletType)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if directions != "" {
		cell.Directions = strings.Split(directions, ",")
	}
	return &cell, nil
}

func (c *PostgresCatalog) CellByQR(ctx context.Context, qr string, floorID int) (*Cell, error) {
	row := c.pool.QueryRow(ctx,
		`SELECT `+cellColumns+` FROM cells WHERE qr = $1 AND floor_id = $2`, qr, floorID)
	return scanCell(row)
}

func (c *PostgresCatalog) CellByID(ctx context.Context, id int64) (*Cell, error) {
	row := c.pool.QueryRow(ctx,
		`SELECT `+cellColumns+` FROM cells WHERE id = $1`, id)
	return scanCell(row)
}

func (c *PostgresCatalog) collect(ctx context.Context, query string, args ...interface{}) ([]*Cell, error) {
	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cells []*Cell
	for rows.Next() {
		cell, err := scanCell(rows)
		if err != nil {
			return nil, err
		}
		cells = append(cells, cell)
	}
	return cells, rows.Err()
}

func (c *PostgresCatalog) FloorCells(ctx context.Context, floorID int) ([]*Cell, error) {
	return c.collect(ctx,
		`SELECT `+cellColumns+` FROM cells WHERE floor_id = $1 ORDER BY row, col`, floorID)
}

func (c *PostgresCatalog) AvailableCells(ctx context.Context, palletType string, floorID int, row int) ([]*Cell, error) {
	query := `SELECT ` + cellColumns + ` FROM cells
		WHERE floor_id = $1 AND cell_type = 'storage'
		  AND is_blocked = false AND has_box = false
		  AND (pallet_type IS NULL OR pallet_type = '' OR pallet_type = $2)`
	args := []interface{}{floorID, palletType}
	if row > 0 {
		query += ` AND row = $3`
		args = append(args, row)
	}
	query += ` ORDER BY row, col`
	return c.collect(ctx, query, args...)
}

func (c *PostgresCatalog) LifterCell(ctx context.Context, floorID int) (*Cell, error) {
	row := c.pool.QueryRow(ctx,
		`SELECT `+cellColumns+` FROM cells WHERE floor_id = $1 AND cell_type = 'lifter' LIMIT 1`, floorID)
	return scanCell(row)
}

func (c *PostgresCatalog) RackFloors(ctx context.Context, rackID string) ([]*Floor, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT floor_id, rack_id, floor_order, name FROM floors
		 WHERE rack_id = $1 ORDER BY floor_order`, rackID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var floors []*Floor
	for rows.Next() {
		var f Floor
		if err := rows.Scan(&f.FloorID, &f.RackID, &f.FloorOrder, &f.Name); err != nil {
			return nil, err
		}
		floors = append(floors, &f)
	}
	if len(floors) == 0 {
		return nil, ErrNotFound
	}
	return floors, rows.Err()
}

func (c *PostgresCatalog) SetCellBox(ctx context.Context, qr string, floorID int, palletID string) error {
	tag, err := c.pool.Exec(ctx,
		`UPDATE cells SET has_box = true, pallet_id = $3 WHERE qr = $1 AND floor_id = $2`,
		qr, floorID, palletID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *PostgresCatalog) StoredPallets(ctx context.Context, palletIDs []string) ([]string, error) {
	if len(palletIDs) == 0 {
		return nil, nil
	}
	rows, err := c.pool.Query(ctx,
		`SELECT pallet_id FROM cells WHERE has_box = true AND pallet_id = ANY($1)`, palletIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stored []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		stored = append(stored, id)
	}
	return stored, rows.Err()
}
