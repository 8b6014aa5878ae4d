package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/iotlab-core/internal/infrastructure/database"
)

// Repository defines device persistence.
type Repository interface {
	// GetByID returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id int64) (*Device, error)

	// GetByExternalID returns ErrDeviceNotFound if the device does not exist.
	GetByExternalID(ctx context.Context, externalID string) (*Device, error)

	// List returns devices ordered by ID.
	List(ctx context.Context, offset, limit int) ([]Device, error)

	// Count returns the number of stored devices.
	Count(ctx context.Context) (int, error)

	// Create assigns ID and CreatedAt.
	// Returns ErrDeviceExists if the external identifier is taken.
	Create(ctx context.Context, device *Device) error

	// Update rewrites the mutable fields and sets UpdatedAt.
	// Returns ErrDeviceNotFound if the device does not exist.
	Update(ctx context.Context, device *Device) error
}

// SQLiteRepository implements Repository on the iot_devices table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const deviceColumns = `id, external_id, name, type, location, network_name, address, created_at, updated_at`

func (r *SQLiteRepository) GetByID(ctx context.Context, id int64) (*Device, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM iot_devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return d, nil
}

func (r *SQLiteRepository) GetByExternalID(ctx context.Context, externalID string) (*Device, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM iot_devices WHERE external_id = ?`, externalID)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by external id: %w", err)
	}
	return d, nil
}

func (r *SQLiteRepository) List(ctx context.Context, offset, limit int) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM iot_devices ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	devices := make([]Device, 0, limit)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

func (r *SQLiteRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM iot_devices`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting devices: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) Create(ctx context.Context, d *Device) error {
	now := time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO iot_devices (external_id, name, type, location, network_name, address, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ExternalID, d.Name, d.Type, d.Location, d.NetworkName, d.Address, database.FormatTime(now),
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading device id: %w", err)
	}
	d.ID = id
	d.CreatedAt = now
	d.UpdatedAt = nil
	return nil
}

func (r *SQLiteRepository) Update(ctx context.Context, d *Device) error {
	now := time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
		UPDATE iot_devices
		SET name = ?, type = ?, location = ?, network_name = ?, address = ?, updated_at = ?
		WHERE id = ?`,
		d.Name, d.Type, d.Location, d.NetworkName, d.Address, database.FormatTime(now), d.ID,
	)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	d.UpdatedAt = &now
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var createdAt string
	var updatedAt sql.NullString

	if err := row.Scan(&d.ID, &d.ExternalID, &d.Name, &d.Type, &d.Location,
		&d.NetworkName, &d.Address, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if d.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if updatedAt.Valid {
		t, err := database.ParseTime(updatedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		d.UpdatedAt = &t
	}
	return &d, nil
}
