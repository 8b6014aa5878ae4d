package router

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/iotlab-core/internal/device"
	"github.com/nerrad567/iotlab-core/internal/infrastructure/database"
	"github.com/nerrad567/iotlab-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/iotlab-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/iotlab-core/internal/reading"
	_ "github.com/nerrad567/iotlab-core/migrations"
)

const (
	telemetryTopic = "iot/data"
	responseTopic  = "iot/command-response/#"
)

// =============================================================================
// Test doubles
// =============================================================================

type fakeBus struct {
	mu sync.Mutex

	// disconnectedFor makes the first N IsConnected calls report false.
	disconnectedFor int
	subscribeErr    error
	// failOnce makes the first Subscribe of the named topic fail.
	failOnce string

	// handlers outlive Unsubscribe so a message already in flight at the
	// broker can still be delivered.
	handlers     map[string]mqtt.MessageHandler
	qos          map[string]byte
	subscribed   map[string]bool
	subscribes   map[string]int
	unsubscribed []string
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		handlers:   make(map[string]mqtt.MessageHandler),
		qos:        make(map[string]byte),
		subscribed: make(map[string]bool),
		subscribes: make(map[string]int),
	}
}

func (b *fakeBus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disconnectedFor > 0 {
		b.disconnectedFor--
		return false
	}
	return true
}

func (b *fakeBus) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribeErr != nil {
		return b.subscribeErr
	}
	if b.failOnce == topic {
		b.failOnce = ""
		return errors.New("subscribe rejected")
	}
	b.handlers[topic] = handler
	b.qos[topic] = qos
	b.subscribed[topic] = true
	b.subscribes[topic]++
	return nil
}

func (b *fakeBus) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribed, topic)
	b.unsubscribed = append(b.unsubscribed, topic)
	return nil
}

func (b *fakeBus) HasSubscription(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribed[topic]
}

func (b *fakeBus) deliver(t *testing.T, topic, handlerTopic, payload string) {
	t.Helper()
	b.mu.Lock()
	h, ok := b.handlers[handlerTopic]
	b.mu.Unlock()
	if !ok {
		t.Fatalf("no handler subscribed for %s", handlerTopic)
	}
	if err := h(topic, []byte(payload)); err != nil {
		t.Errorf("handler(%s) error = %v", topic, err)
	}
}

type telemetryEvent struct {
	reading *reading.Reading
	device  *device.Device
}

type recordingNotifier struct {
	events chan telemetryEvent
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{events: make(chan telemetryEvent, 256)}
}

func (n *recordingNotifier) OnTelemetry(r *reading.Reading, d *device.Device) {
	n.events <- telemetryEvent{r, d}
}

func (n *recordingNotifier) wait(t *testing.T) telemetryEvent {
	t.Helper()
	select {
	case ev := <-n.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for telemetry notification")
		return telemetryEvent{}
	}
}

type recordingSeries struct {
	mu      sync.Mutex
	points  []influxdb.TelemetryPoint
	flushes int
}

func (s *recordingSeries) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
}

func (s *recordingSeries) WriteTelemetry(p influxdb.TelemetryPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = append(s.points, p)
}

type routedResponse struct {
	topic   string
	payload string
}

type recordingResponses struct {
	routed chan routedResponse
	// slow delays routing of one topic.
	slow  string
	delay time.Duration
}

func (r *recordingResponses) Route(_ context.Context, topic string, payload []byte) bool {
	if topic == r.slow {
		time.Sleep(r.delay)
	}
	r.routed <- routedResponse{topic, string(payload)}
	return true
}

// orderedStore records appends per device, optionally slowly.
type orderedStore struct {
	mu     sync.Mutex
	nextID int64
	seen   map[int64][]int
	delay  time.Duration
}

func (s *orderedStore) Append(_ context.Context, r *reading.Reading) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	r.ID = s.nextID
	r.CreatedAt = time.Now()
	if s.seen == nil {
		s.seen = make(map[int64][]int)
	}
	s.seen[r.DeviceID] = append(s.seen[r.DeviceID], r.Servo)
	return nil
}

// stubRegistry maps node_<n> to device id n and panics for node_panic
// the first time it sees it.
type stubRegistry struct {
	mu       sync.Mutex
	panicked bool
}

func (s *stubRegistry) FindOrCreate(_ context.Context, id device.Identity) (*device.Device, error) {
	if id.ExternalID == "node_panic" {
		s.mu.Lock()
		first := !s.panicked
		s.panicked = true
		s.mu.Unlock()
		if first {
			panic("registry exploded")
		}
		return &device.Device{ID: 999, ExternalID: id.ExternalID}, nil
	}
	if id.ExternalID == "node_fail" {
		return nil, errors.New("database is locked")
	}
	var n int64
	fmt.Sscanf(id.ExternalID, "node_%d", &n) //nolint:errcheck // test ids are well formed
	return &device.Device{ID: n, ExternalID: id.ExternalID}, nil
}

func testConfig() Config {
	return Config{
		TelemetryTopic: telemetryTopic,
		ResponseTopic:  responseTopic,
		QoS:            1,
		Workers:        4,
		QueueSize:      8,
		HandlerTimeout: 5 * time.Second,
		Backoff:        Backoff{Initial: time.Millisecond, Max: 4 * time.Millisecond, Multiplier: 2},
	}
}

func frame(id string, servo int) string {
	return fmt.Sprintf(`{"id":%q,"name":"n","w":"lab","i":"10.0.0.1","b":"broker","t":"data","ss":{"temp":20},"stt":{"sv":%d}}`, id, servo)
}

func startRouter(t *testing.T, r *Router) {
	t.Helper()
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { r.Stop(context.Background()) }) //nolint:errcheck // Test cleanup
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestRouter_Start_Subscribes(t *testing.T) {
	bus := newFakeBus()
	r := New(testConfig(), Deps{Bus: bus, Registry: &stubRegistry{}, Store: &orderedStore{}})

	if r.State() != StateInitializing {
		t.Fatalf("initial State() = %s", r.State())
	}
	startRouter(t, r)

	if r.State() != StateRunning {
		t.Errorf("State() = %s, want RUNNING", r.State())
	}
	for _, topic := range []string{telemetryTopic, responseTopic} {
		if _, ok := bus.handlers[topic]; !ok {
			t.Errorf("topic %s not subscribed", topic)
		}
		if bus.qos[topic] != 1 {
			t.Errorf("qos(%s) = %d, want 1", topic, bus.qos[topic])
		}
	}

	if err := r.Start(context.Background()); !errors.Is(err, ErrNotInitializing) {
		t.Errorf("second Start() error = %v, want ErrNotInitializing", err)
	}

	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if r.State() != StateStopped {
		t.Errorf("State() after Stop = %s, want STOPPED", r.State())
	}
}

func TestRouter_Start_KeepsEarlierSubscriptionsOnRetry(t *testing.T) {
	bus := newFakeBus()
	bus.failOnce = responseTopic
	r := New(testConfig(), Deps{Bus: bus, Registry: &stubRegistry{}, Store: &orderedStore{}})
	startRouter(t, r)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if bus.subscribes[telemetryTopic] != 1 {
		t.Errorf("telemetry subscribed %d times, want 1", bus.subscribes[telemetryTopic])
	}
	if bus.subscribes[responseTopic] != 1 {
		t.Errorf("responses subscribed %d times, want 1", bus.subscribes[responseTopic])
	}
}

func TestRouter_Start_RetriesUntilConnected(t *testing.T) {
	bus := newFakeBus()
	bus.disconnectedFor = 3
	r := New(testConfig(), Deps{Bus: bus, Registry: &stubRegistry{}, Store: &orderedStore{}})

	startRouter(t, r)

	if r.State() != StateRunning {
		t.Errorf("State() = %s, want RUNNING", r.State())
	}
	if bus.disconnectedFor != 0 {
		t.Errorf("router gave up early, %d disconnected checks left", bus.disconnectedFor)
	}
}

func TestRouter_Start_GivesUpAfterMaxAttempts(t *testing.T) {
	bus := newFakeBus()
	bus.subscribeErr = mqtt.ErrSubscribeFailed
	cfg := testConfig()
	cfg.Backoff.MaxAttempts = 3
	r := New(cfg, Deps{Bus: bus, Registry: &stubRegistry{}, Store: &orderedStore{}})

	err := r.Start(context.Background())
	if !errors.Is(err, ErrSubscribeFailed) || !errors.Is(err, mqtt.ErrSubscribeFailed) {
		t.Fatalf("Start() error = %v, want ErrSubscribeFailed wrapping the bus error", err)
	}
	if r.State() != StateStopped {
		t.Errorf("State() = %s, want STOPPED", r.State())
	}
}

func TestRouter_Start_HonoursCancellation(t *testing.T) {
	bus := newFakeBus()
	bus.disconnectedFor = 1 << 30
	cfg := testConfig()
	cfg.Backoff = Backoff{Initial: time.Hour, Max: time.Hour, Multiplier: 2}
	r := New(cfg, Deps{Bus: bus, Registry: &stubRegistry{}, Store: &orderedStore{}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Start() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after cancellation")
	}
	if r.State() != StateStopped {
		t.Errorf("State() = %s, want STOPPED", r.State())
	}
}

func TestBackoff(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 5 * time.Second, Multiplier: 2}.normalised()

	var got []time.Duration
	d := b.Initial
	for i := 0; i < 5; i++ {
		got = append(got, d)
		d = b.next(d)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	b.Jitter = true
	for i := 0; i < 100; i++ {
		w := b.wait(4 * time.Second)
		if w < 4*time.Second || w >= 5*time.Second {
			t.Fatalf("wait() = %v, want within [4s, 5s)", w)
		}
	}

	def := Backoff{}.normalised()
	if def.Initial != time.Second || def.Max != time.Minute || def.Multiplier != 2 {
		t.Errorf("normalised zero Backoff = %+v", def)
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateInitializing: "INITIALIZING",
		StateRunning:      "RUNNING",
		StateStopped:      "STOPPED",
		State(9):          "State(9)",
	} {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", int32(s), s.String(), want)
		}
	}
}

// =============================================================================
// Telemetry pipeline
// =============================================================================

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

func TestRouter_Telemetry_ProvisionsAndStores(t *testing.T) {
	db := setupTestDB(t)
	registry := device.NewRegistry(device.NewSQLiteRepository(db))
	readings := reading.NewSQLiteRepository(db)
	notifier := newRecordingNotifier()
	series := &recordingSeries{}
	bus := newFakeBus()

	r := New(testConfig(), Deps{
		Bus:        bus,
		Registry:   registry,
		Store:      reading.NewStore(readings),
		Notifier:   notifier,
		TimeSeries: series,
	})
	startRouter(t, r)

	payload := `{"id":"node_7","name":"Greenhouse","w":"lab-wifi","i":"10.0.0.7",` +
		`"b":"broker.lab","t":"data","ss":{"temp":21.5,"hum":40,"lgt":300,"gas":0.2},` +
		`"stt":{"alt":0,"bzr":0,"led":1,"fan":0,"sv":90}}`
	bus.deliver(t, telemetryTopic, telemetryTopic, payload)

	ev := notifier.wait(t)

	if ev.device.ExternalID != "node_7" || ev.device.Name != "Greenhouse" ||
		ev.device.Type != device.DefaultType || ev.device.Location != device.DefaultLocation ||
		ev.device.NetworkName != "lab-wifi" || ev.device.Address != "10.0.0.7" {
		t.Errorf("device = %+v", ev.device)
	}
	rd := ev.reading
	if rd.ID == 0 || rd.DeviceID != ev.device.ID || rd.Temperature != 21.5 || rd.Humidity != 40 ||
		rd.Light != 300 || rd.Gas != 0.2 || rd.LED != 1 || rd.Servo != 90 ||
		rd.Broker != "broker.lab" || rd.Topic != "data" || rd.Payload != payload {
		t.Errorf("reading = %+v", rd)
	}

	latest, err := readings.Latest(context.Background(), ev.device.ID)
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if latest.ID != rd.ID {
		t.Errorf("Latest().ID = %d, want %d", latest.ID, rd.ID)
	}

	series.mu.Lock()
	defer series.mu.Unlock()
	if len(series.points) != 1 || series.points[0].DeviceID != "node_7" || series.points[0].Fields["servo"] != 90 {
		t.Errorf("time-series points = %+v", series.points)
	}
}

func TestRouter_Telemetry_FilteredAndMalformed(t *testing.T) {
	store := &orderedStore{}
	notifier := newRecordingNotifier()
	bus := newFakeBus()
	r := New(testConfig(), Deps{Bus: bus, Registry: &stubRegistry{}, Store: store, Notifier: notifier})
	startRouter(t, r)

	for _, payload := range []string{
		`{"id":"sensor_9","ss":{"temp":1}}`,
		`not json at all`,
		`[1,2,3]`,
		`{}`,
	} {
		bus.deliver(t, telemetryTopic, telemetryTopic, payload)
	}

	// A valid frame behind them proves the worker is idle afterwards.
	bus.deliver(t, telemetryTopic, telemetryTopic, frame("node_1", 5))
	ev := notifier.wait(t)
	if ev.device.ExternalID != "node_1" {
		t.Errorf("first notification for %s, want node_1", ev.device.ExternalID)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.nextID != 1 {
		t.Errorf("stored %d readings, want 1", store.nextID)
	}
}

func TestRouter_Telemetry_PerDeviceOrder(t *testing.T) {
	store := &orderedStore{delay: 100 * time.Microsecond}
	notifier := newRecordingNotifier()
	bus := newFakeBus()
	r := New(testConfig(), Deps{Bus: bus, Registry: &stubRegistry{}, Store: store, Notifier: notifier})
	startRouter(t, r)

	const perDevice = 40
	for i := 0; i < perDevice; i++ {
		for dev := 1; dev <= 3; dev++ {
			bus.deliver(t, telemetryTopic, telemetryTopic, frame(fmt.Sprintf("node_%d", dev), i))
		}
	}
	for i := 0; i < perDevice*3; i++ {
		notifier.wait(t)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	for dev := int64(1); dev <= 3; dev++ {
		seq := store.seen[dev]
		if len(seq) != perDevice {
			t.Fatalf("device %d stored %d readings, want %d", dev, len(seq), perDevice)
		}
		for i, v := range seq {
			if v != i {
				t.Fatalf("device %d reading %d has servo %d: out of order", dev, i, v)
			}
		}
	}
}

func TestRouter_Telemetry_FailuresAreContained(t *testing.T) {
	store := &orderedStore{}
	notifier := newRecordingNotifier()
	bus := newFakeBus()
	r := New(testConfig(), Deps{Bus: bus, Registry: &stubRegistry{}, Store: store, Notifier: notifier})
	startRouter(t, r)

	bus.deliver(t, telemetryTopic, telemetryTopic, frame("node_panic", 1))
	bus.deliver(t, telemetryTopic, telemetryTopic, frame("node_fail", 1))
	bus.deliver(t, telemetryTopic, telemetryTopic, frame("node_panic", 2))

	ev := notifier.wait(t)
	if ev.device.ExternalID != "node_panic" || ev.reading.Servo != 2 {
		t.Errorf("notification = %+v / %+v, want second node_panic frame", ev.device, ev.reading)
	}
	if r.State() != StateRunning {
		t.Errorf("State() = %s, want RUNNING", r.State())
	}
}

// =============================================================================
// Responses and shutdown
// =============================================================================

func TestRouter_Responses(t *testing.T) {
	responses := &recordingResponses{routed: make(chan routedResponse, 4)}
	bus := newFakeBus()
	r := New(testConfig(), Deps{Bus: bus, Registry: &stubRegistry{}, Store: &orderedStore{}, Responses: responses})
	startRouter(t, r)

	bus.deliver(t, "iot/command-response/node_7", responseTopic, `{"status":"ok"}`)

	select {
	case got := <-responses.routed:
		if got != (routedResponse{"iot/command-response/node_7", `{"status":"ok"}`}) {
			t.Errorf("routed = %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("response not routed")
	}
}

func TestRouter_Responses_SameDeviceKeepsOrderAcrossSubTopics(t *testing.T) {
	responses := &recordingResponses{
		routed: make(chan routedResponse, 4),
		slow:   "iot/command-response/D123",
		delay:  50 * time.Millisecond,
	}
	bus := newFakeBus()
	r := New(testConfig(), Deps{Bus: bus, Registry: &stubRegistry{}, Store: &orderedStore{}, Responses: responses})
	startRouter(t, r)

	bus.deliver(t, "iot/command-response/D123", responseTopic, `{"seq":1}`)
	bus.deliver(t, "iot/command-response/D123/extra", responseTopic, `{"seq":2}`)

	var got []string
	for len(got) < 2 {
		select {
		case rr := <-responses.routed:
			got = append(got, rr.payload)
		case <-time.After(5 * time.Second):
			t.Fatalf("routed %v, want 2 responses", got)
		}
	}
	if got[0] != `{"seq":1}` || got[1] != `{"seq":2}` {
		t.Errorf("routing order = %v, want seq 1 then 2", got)
	}
}

func TestResponseKey(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{"iot/command-response/D123", "D123"},
		{"iot/command-response/D123/extra", "D123"},
		{"iot/command-response", "iot/command-response"},
		{"other/topic", "other/topic"},
	}
	for _, tt := range tests {
		if got := responseKey(tt.topic); got != tt.want {
			t.Errorf("responseKey(%q) = %q, want %q", tt.topic, got, tt.want)
		}
	}

	p := newWorkerPool(4, 1, time.Second, nil, nil)
	if p.index(responseKey("iot/command-response/D123")) != p.index(responseKey("iot/command-response/D123/extra")) {
		t.Error("sub-topics of one device land on different workers")
	}
}

func TestRouter_Stop_UnsubscribesAndFlushes(t *testing.T) {
	bus := newFakeBus()
	series := &recordingSeries{}
	r := New(testConfig(), Deps{Bus: bus, Registry: &stubRegistry{}, Store: &orderedStore{}, TimeSeries: series})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	bus.deliver(t, telemetryTopic, telemetryTopic, frame("node_3", 10))

	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	bus.mu.Lock()
	unsubscribed := append([]string(nil), bus.unsubscribed...)
	bus.mu.Unlock()
	if len(unsubscribed) != 2 || unsubscribed[0] != telemetryTopic || unsubscribed[1] != responseTopic {
		t.Errorf("unsubscribed = %v, want both inbound topics", unsubscribed)
	}

	series.mu.Lock()
	defer series.mu.Unlock()
	if series.flushes != 1 {
		t.Errorf("flushes = %d, want 1", series.flushes)
	}
	if len(series.points) != 1 {
		t.Errorf("points written before flush = %d, want 1", len(series.points))
	}
}

func TestRouter_Stop_DrainsQueuedMessages(t *testing.T) {
	store := &orderedStore{delay: time.Millisecond}
	bus := newFakeBus()
	r := New(testConfig(), Deps{Bus: bus, Registry: &stubRegistry{}, Store: store})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	for i := 0; i < 20; i++ {
		bus.deliver(t, telemetryTopic, telemetryTopic, frame("node_1", i))
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	store.mu.Lock()
	got := len(store.seen[1])
	store.mu.Unlock()
	if got != 20 {
		t.Errorf("stored %d readings before Stop returned, want 20", got)
	}

	// Messages after Stop are dropped without error.
	bus.deliver(t, telemetryTopic, telemetryTopic, frame("node_1", 99))
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.seen[1]) != 20 {
		t.Errorf("message accepted after Stop")
	}

	if err := r.Stop(context.Background()); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}
