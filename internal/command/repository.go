package command

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/iotlab-core/internal/infrastructure/database"
)

// Repository persists commands.
type Repository interface {
	// Create inserts c as given and sets its ID and timestamps.
	Create(ctx context.Context, c *Command) error

	GetByID(ctx context.Context, id int64) (*Command, error)

	// UpdateStatus returns ErrCommandNotFound if id does not exist.
	UpdateStatus(ctx context.Context, id int64, status string) error

	// ResolveOldestPending atomically moves the device's oldest PENDING
	// command to status and returns it, or ErrCommandNotFound.
	ResolveOldestPending(ctx context.Context, deviceID int64, status string) (*Command, error)

	// ListByDevice returns the device's newest commands first.
	ListByDevice(ctx context.Context, deviceID int64, limit int) ([]Command, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed command repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const commandColumns = `id, device_id, body, status, created_at, updated_at`

func (r *SQLiteRepository) Create(ctx context.Context, c *Command) error {
	now := time.Now().UTC()
	if c.Status == "" {
		c.Status = StatusPending
	}
	ts := database.FormatTime(now)

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO commands (device_id, body, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.DeviceID, c.Body, c.Status, ts, ts,
	)
	if err != nil {
		return fmt.Errorf("inserting command: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading command id: %w", err)
	}
	c.ID = id
	c.CreatedAt = now
	c.UpdatedAt = now
	return nil
}

func (r *SQLiteRepository) GetByID(ctx context.Context, id int64) (*Command, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = ?`, id)
	c, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCommandNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying command: %w", err)
	}
	return c, nil
}

func (r *SQLiteRepository) UpdateStatus(ctx context.Context, id int64, status string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE commands SET status = ?, updated_at = ? WHERE id = ?`,
		normaliseStatus(status), database.FormatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating command status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrCommandNotFound
	}
	return nil
}

func (r *SQLiteRepository) ResolveOldestPending(ctx context.Context, deviceID int64, status string) (*Command, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE commands SET status = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM commands
			WHERE device_id = ? AND status = ?
			ORDER BY id LIMIT 1
		)
		RETURNING `+commandColumns,
		normaliseStatus(status), database.FormatTime(time.Now()), deviceID, StatusPending)

	c, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCommandNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolving pending command: %w", err)
	}
	return c, nil
}

func (r *SQLiteRepository) ListByDevice(ctx context.Context, deviceID int64, limit int) ([]Command, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE device_id = ? ORDER BY id DESC LIMIT ?`,
		deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying commands: %w", err)
	}
	defer rows.Close()

	commands := []Command{}
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning command: %w", err)
		}
		commands = append(commands, *c)
	}
	return commands, rows.Err()
}

func normaliseStatus(status string) string {
	return strings.ToUpper(strings.TrimSpace(status))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*Command, error) {
	var c Command
	var createdAt, updatedAt string
	if err := row.Scan(&c.ID, &c.DeviceID, &c.Body, &c.Status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if c.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}
