package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"fleet-monitor/config"
	"fleet-monitor/models"
	"fleet-monitor/stream"
)

type fakeStream struct {
	mu      sync.Mutex
	onDelta func(models.PositionDelta)
	onState func(stream.State)
	state   stream.State
	started chan struct{}
	stops   int
}

func newFakeStream() *fakeStream {
	return &fakeStream{started: make(chan struct{}, 1)}
}

func (f *fakeStream) OnDelta(fn func(models.PositionDelta)) { f.onDelta = fn }
func (f *fakeStream) OnStateChange(fn func(stream.State))   { f.onState = fn }

func (f *fakeStream) Start(context.Context) error {
	select {
	case f.started <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeStream) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	f.set(stream.Disconnected)
}

func (f *fakeStream) State() stream.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeStream) set(s stream.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
	if f.onState != nil {
		f.onState(s)
	}
}

func (f *fakeStream) push(id string, lat, lng float64) {
	f.onDelta(models.PositionDelta{ID: models.DriverID(id), Lat: lat, Lng: lng, ReceivedAt: time.Now()})
}

// fakeFetcher returns scripted rosters. When gate is set, each Fetch signals
// entered and blocks until gate is closed.
type fakeFetcher struct {
	mu      sync.Mutex
	rosters [][]models.DriverSnapshot
	err     error
	gate    chan struct{}
	entered chan struct{}
	onFetch func()

	calls     atomic.Int32
	active    atomic.Int32
	maxActive atomic.Int32
}

func (f *fakeFetcher) Fetch(ctx context.Context) ([]models.DriverSnapshot, error) {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	if f.onFetch != nil {
		f.onFetch()
	}

	f.mu.Lock()
	gate, entered, err := f.gate, f.entered, f.err
	var r []models.DriverSnapshot
	if len(f.rosters) > 0 {
		r = f.rosters[0]
		if len(f.rosters) > 1 {
			f.rosters = f.rosters[1:]
		}
	}
	f.mu.Unlock()

	if gate != nil {
		if entered != nil {
			select {
			case entered <- struct{}{}:
			default:
			}
		}
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// block makes every later Fetch wait on the returned gate and serve rosters.
func (f *fakeFetcher) block(rosters ...[]models.DriverSnapshot) (gate, entered chan struct{}) {
	gate, entered = make(chan struct{}), make(chan struct{}, 1)
	f.mu.Lock()
	f.gate, f.entered = gate, entered
	if len(rosters) > 0 {
		f.rosters = rosters
	}
	f.mu.Unlock()
	return gate, entered
}

// serve stops blocking later fetches and makes them return rosters. A fetch
// already waiting on the old gate keeps waiting.
func (f *fakeFetcher) serve(rosters ...[]models.DriverSnapshot) {
	f.mu.Lock()
	f.gate, f.entered = nil, nil
	f.rosters = rosters
	f.mu.Unlock()
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func roster(ids ...string) []models.DriverSnapshot {
	out := make([]models.DriverSnapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.DriverSnapshot{
			ID:           models.DriverID(id),
			Name:         "driver " + id,
			Availability: models.Online,
		})
	}
	return out
}

func testConfig(interval time.Duration) config.MonitorConfig {
	return config.MonitorConfig{
		RefreshInterval: interval,
		PendingTTL:      time.Minute,
		PendingMax:      16,
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestMonitor_FetchesBeforeStreamStarts(t *testing.T) {
	s := newFakeStream()
	var streamStartedFirst atomic.Bool
	f := &fakeFetcher{rosters: [][]models.DriverSnapshot{roster("1", "2")}}
	f.onFetch = func() {
		select {
		case <-s.started:
			streamStartedFirst.Store(true)
		default:
		}
	}
	m := New(testConfig(time.Hour), f, s, zap.NewNop())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	if streamStartedFirst.Load() {
		t.Fatal("stream started before the initial roster fetch")
	}
	if got := m.Store().Snapshot().Len(); got != 2 {
		t.Fatalf("expected roster applied on Start, got %d drivers", got)
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestMonitor_PeriodicRefresh(t *testing.T) {
	s := newFakeStream()
	f := &fakeFetcher{rosters: [][]models.DriverSnapshot{roster("1"), roster("1", "2"), roster("2")}}
	m := New(testConfig(10*time.Millisecond), f, s, zap.NewNop())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	eventually(t, func() bool {
		st := m.Store().Snapshot()
		return st.Len() == 1 && st.Has("2")
	}, "later rosters were never applied")
}

func TestMonitor_CoalescesTicks(t *testing.T) {
	s := newFakeStream()
	f := &fakeFetcher{rosters: [][]models.DriverSnapshot{roster("1")}}
	m := New(testConfig(5*time.Millisecond), f, s, zap.NewNop())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	// Hold one fetch open and let many ticks pass over it.
	gate, entered := f.block()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("no tick fired")
	}
	calls := f.calls.Load()
	time.Sleep(60 * time.Millisecond)
	if got := f.calls.Load(); got != calls {
		t.Fatalf("%d fetches started while one was in flight", got-calls)
	}
	if got := f.maxActive.Load(); got != 1 {
		t.Fatalf("max concurrent fetches = %d", got)
	}
	close(gate)
}

func TestMonitor_FetchErrorKeepsState(t *testing.T) {
	s := newFakeStream()
	f := &fakeFetcher{rosters: [][]models.DriverSnapshot{roster("1", "2")}}
	m := New(testConfig(10*time.Millisecond), f, s, zap.NewNop())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	f.setErr(errors.New("backend down"))
	eventually(t, func() bool { return m.Status().LastRefreshErr != "" }, "refresh error not reported")
	if got := m.Store().Snapshot().Len(); got != 2 {
		t.Fatalf("failed refresh changed the roster: %d drivers", got)
	}

	f.setErr(nil)
	eventually(t, func() bool { return m.Status().LastRefreshErr == "" }, "refresh error not cleared")
}

func TestMonitor_InitialFetchFailureIsNotFatal(t *testing.T) {
	s := newFakeStream()
	f := &fakeFetcher{err: errors.New("refused")}
	m := New(testConfig(time.Hour), f, s, zap.NewNop())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()
	select {
	case <-s.started:
	default:
		t.Fatal("stream not started after failed initial fetch")
	}
	if m.Store().Snapshot().Len() != 0 {
		t.Fatal("expected empty roster")
	}
}

func TestMonitor_DeltaRouting(t *testing.T) {
	s := newFakeStream()
	f := &fakeFetcher{rosters: [][]models.DriverSnapshot{roster("1"), roster("1", "2")}}
	m := New(testConfig(time.Hour), f, s, zap.NewNop())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	s.push("1", -6.2, 106.8)
	rec, _ := m.Store().Snapshot().Get("1")
	if rec.Position == nil || rec.Position.Lat != -6.2 {
		t.Fatalf("delta for known driver not applied: %+v", rec)
	}

	// Unknown driver: buffered, then applied once a roster admits it.
	s.push("2", -6.3, 106.9)
	if m.Store().Snapshot().Has("2") {
		t.Fatal("delta created a driver")
	}
	if m.Status().Pending != 1 {
		t.Fatalf("expected one pending delta, got %d", m.Status().Pending)
	}

	r := m.cur.Load()
	r.inFlight.Store(true)
	m.refresh(context.Background(), r)
	rec, ok := m.Store().Snapshot().Get("2")
	if !ok || rec.Position == nil || rec.Position.Lng != 106.9 {
		t.Fatalf("buffered delta not applied after admission: %+v", rec)
	}
	if m.Status().Pending != 0 {
		t.Fatalf("pending buffer not drained: %d", m.Status().Pending)
	}
}

func TestMonitor_StopDiscardsInFlightFetch(t *testing.T) {
	s := newFakeStream()
	f := &fakeFetcher{rosters: [][]models.DriverSnapshot{roster("1")}}
	m := New(testConfig(5*time.Millisecond), f, s, zap.NewNop())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	gate, entered := f.block(roster("1", "2", "3"))
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("no refresh started")
	}

	r := m.cur.Load()
	m.Stop()
	close(gate)
	eventually(t, func() bool { return !r.inFlight.Load() }, "in-flight fetch never finished")
	if got := m.Store().Snapshot().Len(); got != 1 {
		t.Fatalf("fetch completing after Stop was applied: %d drivers", got)
	}
	s.mu.Lock()
	stops := s.stops
	s.mu.Unlock()
	if stops != 1 {
		t.Fatalf("stream stopped %d times", stops)
	}
}

func TestMonitor_Status(t *testing.T) {
	s := newFakeStream()
	f := &fakeFetcher{rosters: [][]models.DriverSnapshot{roster("1")}}
	m := New(testConfig(time.Hour), f, s, zap.NewNop())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	s.set(stream.Connected)
	st := m.Status()
	if !st.Connected || st.StreamState != "CONNECTED" || st.Drivers != 1 || st.LastRefresh.IsZero() {
		t.Fatalf("unexpected status %+v", st)
	}
	s.set(stream.Disconnected)
	if m.Status().Connected {
		t.Fatal("status still connected after disconnect")
	}
	if m.Store().Snapshot().Len() != 1 {
		t.Fatal("disconnect cleared the roster")
	}
}

func TestMonitor_RestartIgnoresEarlierFetch(t *testing.T) {
	s := newFakeStream()
	f := &fakeFetcher{rosters: [][]models.DriverSnapshot{roster("A")}}
	m := New(testConfig(5*time.Millisecond), f, s, zap.NewNop())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	gate, entered := f.block(roster("B"))
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("no refresh started")
	}
	first := m.cur.Load()
	m.Stop()

	f.serve(roster("C"))
	calls := f.calls.Load()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if got := f.calls.Load(); got == calls {
		t.Fatal("restart skipped the startup fetch")
	}
	if st := m.Store().Snapshot(); !st.Has("C") || st.Len() != 1 {
		t.Fatalf("startup roster not applied on restart: %d drivers", st.Len())
	}

	close(gate)
	eventually(t, func() bool { return !first.inFlight.Load() }, "earlier fetch never finished")
	if m.Store().Snapshot().Has("B") {
		t.Fatal("fetch from before Stop was applied after restart")
	}
}
