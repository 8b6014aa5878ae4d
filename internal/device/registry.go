package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Registry resolves devices by either identifier and provisions unseen ones.
//
// Lookups are served from an in-memory cache keyed by external identifier.
// Devices are never deleted by the ingestion path, so the cache only grows
// or is refreshed by administrative saves.
//
// All public methods are safe for concurrent use.
type Registry struct {
	repo Repository

	cacheMu    sync.RWMutex
	byExternal map[string]*Device
	byID       map[int64]*Device

	// provisioning collapses concurrent FindOrCreate calls for one device.
	provisioning singleflight.Group

	logger        Logger
	onProvisioned func(*Device)
}

// NewRegistry creates a new device registry over repo.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:       repo,
		byExternal: make(map[string]*Device),
		byID:       make(map[int64]*Device),
		logger:     noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetOnProvisioned registers a callback run once for every device created
// by FindOrCreate. Set it before the registry is shared.
func (r *Registry) SetOnProvisioned(fn func(*Device)) {
	r.onProvisioned = fn
}

// FindOrCreate returns the device with id.ExternalID, creating it with the
// announced metadata plus DefaultType and DefaultLocation when absent.
//
// Metadata is first-write-wins: an existing device is returned untouched
// even if id carries different values. Concurrent calls for the same
// external identifier yield one record; a creation lost to another
// process's insert resolves to that winner.
//
// The shared lookup runs detached from any one caller's ctx, so a caller
// that gives up returns ctx.Err() without failing the others waiting on
// the same device.
func (r *Registry) FindOrCreate(ctx context.Context, id Identity) (*Device, error) {
	if strings.TrimSpace(id.ExternalID) == "" {
		return nil, fmt.Errorf("%w: empty external id", ErrInvalidDevice)
	}

	if d := r.cachedByExternal(id.ExternalID); d != nil {
		return d, nil
	}

	flight := context.WithoutCancel(ctx)
	ch := r.provisioning.DoChan(id.ExternalID, func() (interface{}, error) {
		return r.findOrCreate(flight, id)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Device).DeepCopy(), nil
	}
}

func (r *Registry) findOrCreate(ctx context.Context, id Identity) (*Device, error) {
	existing, err := r.repo.GetByExternalID(ctx, id.ExternalID)
	switch {
	case err == nil:
		r.store(existing)
		return existing, nil
	case !errors.Is(err, ErrDeviceNotFound):
		return nil, fmt.Errorf("looking up device %s: %w", id.ExternalID, err)
	}

	d := &Device{
		ExternalID:  id.ExternalID,
		Name:        id.Name,
		Type:        DefaultType,
		Location:    DefaultLocation,
		NetworkName: id.NetworkName,
		Address:     id.Address,
	}

	err = r.repo.Create(ctx, d)
	if errors.Is(err, ErrDeviceExists) {
		winner, getErr := r.repo.GetByExternalID(ctx, id.ExternalID)
		if getErr != nil {
			return nil, fmt.Errorf("re-reading device %s after conflict: %w", id.ExternalID, getErr)
		}
		r.logger.Debug("device created concurrently, using existing record",
			"device_id", id.ExternalID, "id", winner.ID)
		r.store(winner)
		return winner, nil
	}
	if err != nil {
		return nil, fmt.Errorf("creating device %s: %w", id.ExternalID, err)
	}

	r.store(d)
	r.logger.Info("device provisioned", "device_id", d.ExternalID, "id", d.ID, "name", d.Name)
	if r.onProvisioned != nil {
		r.onProvisioned(d.DeepCopy())
	}
	return d, nil
}

// GetByID returns ErrDeviceNotFound if the device does not exist.
// The returned device is a copy; callers may modify it.
func (r *Registry) GetByID(ctx context.Context, id int64) (*Device, error) {
	r.cacheMu.RLock()
	cached, ok := r.byID[id]
	r.cacheMu.RUnlock()
	if ok {
		return cached.DeepCopy(), nil
	}

	d, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.store(d)
	return d.DeepCopy(), nil
}

// GetByExternalID returns ErrDeviceNotFound if the device does not exist.
func (r *Registry) GetByExternalID(ctx context.Context, externalID string) (*Device, error) {
	if d := r.cachedByExternal(externalID); d != nil {
		return d, nil
	}

	d, err := r.repo.GetByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	r.store(d)
	return d.DeepCopy(), nil
}

// List returns one page of devices ordered by ID. page is zero-based;
// size defaults to 20 and is capped at 100.
func (r *Registry) List(ctx context.Context, page, size int) (Page, error) {
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}

	total, err := r.repo.Count(ctx)
	if err != nil {
		return Page{}, err
	}
	items, err := r.repo.List(ctx, page*size, size)
	if err != nil {
		return Page{}, err
	}

	return Page{
		Items:      items,
		Page:       page,
		Size:       size,
		TotalItems: total,
		TotalPages: (total + size - 1) / size,
	}, nil
}

// Save is the administrative write path. A device without an ID is created
// (type and location default like provisioned devices); otherwise the
// mutable fields of the existing device are replaced.
func (r *Registry) Save(ctx context.Context, d *Device) (*Device, error) {
	if err := Validate(d); err != nil {
		return nil, err
	}

	saved := d.DeepCopy()
	if saved.ID == 0 {
		if saved.Type == "" {
			saved.Type = DefaultType
		}
		if saved.Location == "" {
			saved.Location = DefaultLocation
		}
		if err := r.repo.Create(ctx, saved); err != nil {
			return nil, err
		}
		r.store(saved)
		r.logger.Info("device created", "device_id", saved.ExternalID, "id", saved.ID)
		return saved.DeepCopy(), nil
	}

	current, err := r.repo.GetByID(ctx, saved.ID)
	if err != nil {
		return nil, err
	}
	if current.ExternalID != saved.ExternalID {
		return nil, ErrExternalIDImmutable
	}
	saved.CreatedAt = current.CreatedAt

	if err := r.repo.Update(ctx, saved); err != nil {
		return nil, err
	}
	r.store(saved)
	r.logger.Info("device updated", "device_id", saved.ExternalID, "id", saved.ID)
	return saved.DeepCopy(), nil
}

// RefreshCache drops cached devices so the next lookups re-read the store.
func (r *Registry) RefreshCache() {
	r.cacheMu.Lock()
	r.byExternal = make(map[string]*Device)
	r.byID = make(map[int64]*Device)
	r.cacheMu.Unlock()
}

func (r *Registry) cachedByExternal(externalID string) *Device {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	if d, ok := r.byExternal[externalID]; ok {
		return d.DeepCopy()
	}
	return nil
}

func (r *Registry) store(d *Device) {
	cp := d.DeepCopy()
	r.cacheMu.Lock()
	r.byExternal[cp.ExternalID] = cp
	r.byID[cp.ID] = cp
	r.cacheMu.Unlock()
}
