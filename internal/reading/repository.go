package reading

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/iotlab-core/internal/infrastructure/database"
)

// Repository persists readings.
type Repository interface {
	// Append inserts r and sets its ID and CreatedAt.
	Append(ctx context.Context, r *Reading) error

	// Latest returns ErrReadingNotFound when the device has no readings.
	Latest(ctx context.Context, deviceID int64) (*Reading, error)

	// Recent returns readings newest first, skipping offset rows.
	Recent(ctx context.Context, deviceID int64, offset, limit int) ([]Reading, error)

	// Count returns how many readings the device has.
	Count(ctx context.Context, deviceID int64) (int, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a new SQLite-backed reading repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

const readingColumns = `id, device_id, temperature, humidity, light, gas,
	alert_led, buzzer, led, fan, servo, topic, broker, payload, created_at`

// newest-first with id breaking ties between equal timestamps
const newestFirst = `ORDER BY created_at DESC, id DESC`

func (r *SQLiteRepository) Append(ctx context.Context, rd *Reading) error {
	createdAt := r.now().UTC()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO sensor_data (device_id, temperature, humidity, light, gas,
			alert_led, buzzer, led, fan, servo, topic, broker, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rd.DeviceID, rd.Temperature, rd.Humidity, rd.Light, rd.Gas,
		rd.AlertLED, rd.Buzzer, rd.LED, rd.Fan, rd.Servo,
		rd.Topic, rd.Broker, rd.Payload, database.FormatTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("inserting reading: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading inserted id: %w", err)
	}
	rd.ID = id
	rd.CreatedAt = createdAt
	return nil
}

func (r *SQLiteRepository) Latest(ctx context.Context, deviceID int64) (*Reading, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+readingColumns+` FROM sensor_data WHERE device_id = ? `+newestFirst+` LIMIT 1`,
		deviceID)

	rd, err := scanReading(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReadingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest reading: %w", err)
	}
	return rd, nil
}

func (r *SQLiteRepository) Recent(ctx context.Context, deviceID int64, offset, limit int) ([]Reading, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+readingColumns+` FROM sensor_data WHERE device_id = ? `+newestFirst+` LIMIT ? OFFSET ?`,
		deviceID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying readings: %w", err)
	}
	defer rows.Close()

	readings := make([]Reading, 0, limit)
	for rows.Next() {
		rd, err := scanReading(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning reading: %w", err)
		}
		readings = append(readings, *rd)
	}
	return readings, rows.Err()
}

func (r *SQLiteRepository) Count(ctx context.Context, deviceID int64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sensor_data WHERE device_id = ?`, deviceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting readings: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReading(row rowScanner) (*Reading, error) {
	var rd Reading
	var createdAt string

	if err := row.Scan(&rd.ID, &rd.DeviceID,
		&rd.Temperature, &rd.Humidity, &rd.Light, &rd.Gas,
		&rd.AlertLED, &rd.Buzzer, &rd.LED, &rd.Fan, &rd.Servo,
		&rd.Topic, &rd.Broker, &rd.Payload, &createdAt); err != nil {
		return nil, err
	}

	t, err := database.ParseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	rd.CreatedAt = t
	return &rd, nil
}
