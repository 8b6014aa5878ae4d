package command

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/iotlab-core/internal/device"
	"github.com/nerrad567/iotlab-core/internal/infrastructure/database"
	_ "github.com/nerrad567/iotlab-core/migrations"
)

// =============================================================================
// Test doubles
// =============================================================================

type published struct {
	topic    string
	payload  string
	qos      byte
	retained bool
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (p *fakePublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{topic, string(payload), qos, retained})
	return nil
}

type fakeDevices map[int64]*device.Device

func (f fakeDevices) GetByID(_ context.Context, id int64) (*device.Device, error) {
	if d, ok := f[id]; ok {
		return d.DeepCopy(), nil
	}
	return nil, device.ErrDeviceNotFound
}

type failingDevices struct{ err error }

func (f failingDevices) GetByID(context.Context, int64) (*device.Device, error) {
	return nil, f.err
}

type prefixTopics string

func (p prefixTopics) Command(externalID string) string { return string(p) + externalID }

type failingRepository struct {
	Repository
}

func (failingRepository) Create(context.Context, *Command) error {
	return errors.New("database is locked")
}

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db.DB
}

func insertDevice(t *testing.T, db *sql.DB, externalID string) int64 {
	t.Helper()
	res, err := db.Exec(`INSERT INTO iot_devices (external_id, created_at) VALUES (?, ?)`,
		externalID, database.FormatTime(time.Now()))
	if err != nil {
		t.Fatalf("insert device: %v", err)
	}
	id, _ := res.LastInsertId()
	return id
}

type dispatcherFixture struct {
	dispatcher *Dispatcher
	publisher  *fakePublisher
	repo       *SQLiteRepository
	deviceID   int64
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()
	db := setupTestDB(t)
	id := insertDevice(t, db, "node_7")

	f := &dispatcherFixture{
		publisher: &fakePublisher{},
		repo:      NewSQLiteRepository(db),
		deviceID:  id,
	}
	f.dispatcher = NewDispatcher(DispatcherDeps{
		Devices:    fakeDevices{id: {ID: id, ExternalID: "node_7"}},
		Repository: f.repo,
		Publisher:  f.publisher,
		Topics:     prefixTopics("iot/command/"),
	})
	return f
}

// =============================================================================
// Send
// =============================================================================

func TestDispatcher_Send_Publishes(t *testing.T) {
	f := newDispatcherFixture(t)

	ack, err := f.dispatcher.Send(context.Background(), f.deviceID,
		[]byte(`{"deviceName":"n1","led":true,"fan":"0"}`))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if ack.Status != AckPublished || ack.Topic != "iot/command/node_7" || ack.CommandID == 0 {
		t.Errorf("ack = %+v", ack)
	}

	if len(f.publisher.sent) != 1 {
		t.Fatalf("published %d messages, want 1", len(f.publisher.sent))
	}
	got := f.publisher.sent[0]
	if got.topic != "iot/command/node_7" {
		t.Errorf("topic = %q", got.topic)
	}
	if got.payload != `{"led":1,"fan":0}` {
		t.Errorf("payload = %s", got.payload)
	}
	if got.qos != 2 || got.retained {
		t.Errorf("qos/retained = %d/%v, want 2/false", got.qos, got.retained)
	}

	stored, err := f.repo.GetByID(context.Background(), ack.CommandID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if stored.Status != StatusPending || stored.Body != `{"led":1,"fan":0}` || stored.DeviceID != f.deviceID {
		t.Errorf("stored command = %+v", stored)
	}
}

func TestDispatcher_Send_UnknownDevice(t *testing.T) {
	f := newDispatcherFixture(t)

	ack, err := f.dispatcher.Send(context.Background(), 999, []byte(`{"led":1}`))
	if err != nil {
		t.Fatalf("Send() error = %v, want nil", err)
	}
	if ack.Status != AckDropped {
		t.Errorf("ack.Status = %q, want %q", ack.Status, AckDropped)
	}
	if len(f.publisher.sent) != 0 {
		t.Errorf("published %d messages for an unknown device", len(f.publisher.sent))
	}
}

func TestDispatcher_Send_InvalidBody(t *testing.T) {
	f := newDispatcherFixture(t)

	for _, body := range []string{`[1]`, `nope`, `"x"`} {
		if _, err := f.dispatcher.Send(context.Background(), f.deviceID, []byte(body)); !errors.Is(err, ErrInvalidCommand) {
			t.Errorf("Send(%s) error = %v, want ErrInvalidCommand", body, err)
		}
	}
	if len(f.publisher.sent) != 0 {
		t.Errorf("published %d messages for invalid bodies", len(f.publisher.sent))
	}
}

func TestDispatcher_Send_PublishFailure(t *testing.T) {
	f := newDispatcherFixture(t)
	busDown := errors.New("not connected")
	f.publisher.err = busDown

	ack, err := f.dispatcher.Send(context.Background(), f.deviceID, []byte(`{"led":1}`))
	if !errors.Is(err, ErrPublishFailed) {
		t.Fatalf("Send() error = %v, want ErrPublishFailed", err)
	}
	if !errors.Is(err, busDown) {
		t.Errorf("Send() error = %v, want wrapped cause", err)
	}
	if ack.Status != AckFailed {
		t.Errorf("ack.Status = %q, want %q", ack.Status, AckFailed)
	}

	stored, err := f.repo.GetByID(context.Background(), ack.CommandID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if stored.Status != StatusFailed {
		t.Errorf("stored status = %q, want %q", stored.Status, StatusFailed)
	}
}

func TestDispatcher_Send_RecordFailureStillPublishes(t *testing.T) {
	pub := &fakePublisher{}
	d := NewDispatcher(DispatcherDeps{
		Devices:    fakeDevices{1: {ID: 1, ExternalID: "node_1"}},
		Repository: failingRepository{},
		Publisher:  pub,
		Topics:     prefixTopics("iot/command/"),
	})

	ack, err := d.Send(context.Background(), 1, []byte(`{"fan":1}`))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if ack.Status != AckPublished || ack.CommandID != 0 {
		t.Errorf("ack = %+v", ack)
	}
	if len(pub.sent) != 1 {
		t.Errorf("published %d messages, want 1", len(pub.sent))
	}
}

func TestDispatcher_Send_LookupFailure(t *testing.T) {
	lookupErr := errors.New("disk I/O error")
	d := NewDispatcher(DispatcherDeps{
		Devices:   failingDevices{err: lookupErr},
		Publisher: &fakePublisher{},
		Topics:    prefixTopics("iot/command/"),
	})

	if _, err := d.Send(context.Background(), 1, []byte(`{}`)); !errors.Is(err, lookupErr) {
		t.Errorf("Send() error = %v, want wrapped lookup error", err)
	}
}

func TestDispatcher_Send_ConcurrentDevices(t *testing.T) {
	pub := &fakePublisher{}
	devices := fakeDevices{}
	for i := int64(1); i <= 20; i++ {
		devices[i] = &device.Device{ID: i, ExternalID: "node_" + string(rune('a'+i))}
	}
	d := NewDispatcher(DispatcherDeps{Devices: devices, Publisher: pub, Topics: prefixTopics("iot/command/")})

	var wg sync.WaitGroup
	for i := int64(1); i <= 20; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if _, err := d.Send(context.Background(), id, []byte(`{"led":1}`)); err != nil {
				t.Errorf("Send(%d) error = %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	if len(pub.sent) != 20 {
		t.Errorf("published %d messages, want 20", len(pub.sent))
	}
}

// =============================================================================
// Repository
// =============================================================================

func TestSQLiteRepository_ResolveOldestPending(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()
	dev := insertDevice(t, db, "node_7")

	var ids []int64
	for i := 0; i < 3; i++ {
		c := &Command{DeviceID: dev, Body: `{"led":1}`}
		if err := repo.Create(ctx, c); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if c.Status != StatusPending {
			t.Errorf("default status = %q, want PENDING", c.Status)
		}
		ids = append(ids, c.ID)
	}

	got, err := repo.ResolveOldestPending(ctx, dev, "ok")
	if err != nil {
		t.Fatalf("ResolveOldestPending() error = %v", err)
	}
	if got.ID != ids[0] || got.Status != "OK" {
		t.Errorf("resolved = %+v, want id %d status OK", got, ids[0])
	}

	got, err = repo.ResolveOldestPending(ctx, dev, StatusResponded)
	if err != nil {
		t.Fatalf("ResolveOldestPending() error = %v", err)
	}
	if got.ID != ids[1] {
		t.Errorf("second resolve id = %d, want %d", got.ID, ids[1])
	}

	if err := repo.UpdateStatus(ctx, ids[2], StatusFailed); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if _, err := repo.ResolveOldestPending(ctx, dev, "ok"); !errors.Is(err, ErrCommandNotFound) {
		t.Errorf("ResolveOldestPending() with none pending error = %v, want ErrCommandNotFound", err)
	}
}

func TestSQLiteRepository_NotFound(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	if _, err := repo.GetByID(ctx, 1); !errors.Is(err, ErrCommandNotFound) {
		t.Errorf("GetByID() error = %v, want ErrCommandNotFound", err)
	}
	if err := repo.UpdateStatus(ctx, 1, StatusFailed); !errors.Is(err, ErrCommandNotFound) {
		t.Errorf("UpdateStatus() error = %v, want ErrCommandNotFound", err)
	}
}

func TestDispatcher_History(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	for _, body := range []string{`{"led":1}`, `{"led":0}`} {
		if _, err := f.dispatcher.Send(ctx, f.deviceID, []byte(body)); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	got, err := f.dispatcher.History(ctx, f.deviceID, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(got) != 2 || got[0].Body != `{"led":0}` {
		t.Errorf("History() = %+v, want newest first", got)
	}
}
