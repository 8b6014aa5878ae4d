package reading

import (
	"context"
	"fmt"
)

const defaultPageSize = 10

// Store applies the history window on top of a Repository.
type Store struct {
	repo Repository
}

// NewStore creates a Store over repo.
func NewStore(repo Repository) *Store {
	return &Store{repo: repo}
}

// Append persists r. Identical readings are stored as separate rows.
func (s *Store) Append(ctx context.Context, r *Reading) error {
	if r == nil || r.DeviceID <= 0 {
		return fmt.Errorf("%w: device id required", ErrInvalidReading)
	}
	return s.repo.Append(ctx, r)
}

// Latest returns the newest reading of the device, or ErrReadingNotFound.
func (s *Store) Latest(ctx context.Context, deviceID int64) (*Reading, error) {
	return s.repo.Latest(ctx, deviceID)
}

// History returns one page of the device's most recent MaxHistoryWindow
// readings, newest first. page is zero-based; size defaults to 10 and is
// capped at the window. Pages past the window are empty.
func (s *Store) History(ctx context.Context, deviceID int64, page, size int) (Page, error) {
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = defaultPageSize
	}
	if size > MaxHistoryWindow {
		size = MaxHistoryWindow
	}

	total, err := s.repo.Count(ctx, deviceID)
	if err != nil {
		return Page{}, err
	}
	if total > MaxHistoryWindow {
		total = MaxHistoryWindow
	}

	result := Page{
		Items:      []Reading{},
		Page:       page,
		Size:       size,
		TotalItems: total,
		TotalPages: (total + size - 1) / size,
	}

	offset := page * size
	if offset >= total {
		return result, nil
	}
	limit := size
	if offset+limit > MaxHistoryWindow {
		limit = MaxHistoryWindow - offset
	}

	items, err := s.repo.Recent(ctx, deviceID, offset, limit)
	if err != nil {
		return Page{}, err
	}
	result.Items = items
	return result, nil
}
