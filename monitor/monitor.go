// Package monitor runs live fleet monitoring: it refreshes the roster on a
// fixed period, feeds stream positions into the reconciled store, and exposes
// connectivity to the presentation layer.
package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"fleet-monitor/config"
	"fleet-monitor/fleet"
	"fleet-monitor/models"
	"fleet-monitor/snapshot"
	"fleet-monitor/stream"
)

var ErrAlreadyRunning = errors.New("monitor: already running")

// Stream is the position feed; *stream.Client implements it.
type Stream interface {
	OnDelta(func(models.PositionDelta))
	OnStateChange(func(stream.State))
	Start(ctx context.Context) error
	Stop()
	State() stream.State
}

// Status is what the presentation layer shows next to the map.
type Status struct {
	Connected      bool      `json:"connected"`
	StreamState    string    `json:"streamState"`
	LastRefresh    time.Time `json:"lastRefresh"`
	LastRefreshErr string    `json:"lastRefreshError,omitempty"`
	Drivers        int       `json:"drivers"`
	Pending        int       `json:"pending"`
	Version        uint64    `json:"version"`
}

// run is one Start..Stop session. Fetches belong to the run that started
// them, so a fetch left over from an earlier run can neither block nor write
// into a later one.
type run struct {
	inFlight atomic.Bool
	stopped  atomic.Bool
}

type Monitor struct {
	cfg     config.MonitorConfig
	fetcher snapshot.Fetcher
	stream  Stream
	store   *fleet.Store
	pending *fleet.PendingBuffer
	logger  *zap.Logger

	// applyMu orders commits against Stop: appliers hold it shared while
	// they check their run and write, Stop holds it exclusively to end the run.
	applyMu sync.RWMutex
	cur     atomic.Pointer[run]

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	statMu      sync.Mutex
	lastRefresh time.Time
	lastErr     error

	now func() time.Time
}

func New(cfg config.MonitorConfig, fetcher snapshot.Fetcher, s Stream, logger *zap.Logger) *Monitor {
	m := &Monitor{
		cfg:     cfg,
		fetcher: fetcher,
		stream:  s,
		store:   fleet.NewStore(),
		pending: fleet.NewPendingBuffer(cfg.PendingTTL, cfg.PendingMax),
		logger:  logger.Named("monitor"),
		now:     time.Now,
	}
	s.OnDelta(m.handleDelta)
	s.OnStateChange(m.handleState)
	return m
}

// Store exposes the reconciled state for reads and subscriptions.
func (m *Monitor) Store() *fleet.Store { return m.store }

// Subscribe registers a listener called after every committed change.
func (m *Monitor) Subscribe(fn fleet.Listener) (func(), error) {
	return m.store.Subscribe(fn)
}

// Start fetches the roster once, then connects the stream and starts the
// refresh ticker. A failed first fetch is logged, not returned: the ticker
// retries it.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrAlreadyRunning
	}
	r := &run{}
	m.cur.Store(r)
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)

	r.inFlight.Store(true)
	m.refresh(ctx, r)

	if err := m.stream.Start(ctx); err != nil {
		m.endRun(r)
		m.cancel()
		m.running = false
		return err
	}

	m.wg.Add(1)
	go m.schedule(ctx, r)
	m.logger.Info("monitor started", zap.Duration("refresh_interval", m.cfg.RefreshInterval))
	return nil
}

// Stop tears down the stream and the ticker. A fetch still in flight is
// allowed to finish; its result is discarded.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.endRun(m.cur.Load())
	m.cancel()
	m.stream.Stop()
	m.wg.Wait()
	m.running = false
	m.logger.Info("monitor stopped")
}

// endRun marks r stopped once no commit of r is in progress. No state change
// from r happens after it returns.
func (m *Monitor) endRun(r *run) {
	m.applyMu.Lock()
	r.stopped.Store(true)
	m.applyMu.Unlock()
}

// active reports whether r may still commit. The caller holds applyMu shared.
func (m *Monitor) active(r *run) bool {
	return r != nil && !r.stopped.Load() && m.cur.Load() == r
}

// Status reports connectivity and refresh health.
func (m *Monitor) Status() Status {
	m.statMu.Lock()
	last, lastErr := m.lastRefresh, m.lastErr
	m.statMu.Unlock()

	st := m.store.Snapshot()
	ss := m.stream.State()
	s := Status{
		Connected:   ss == stream.Connected,
		StreamState: ss.String(),
		LastRefresh: last,
		Drivers:     st.Len(),
		Pending:     m.pending.Len(),
		Version:     st.Version(),
	}
	if lastErr != nil {
		s.LastRefreshErr = lastErr.Error()
	}
	return s
}

func (m *Monitor) schedule(ctx context.Context, r *run) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.inFlight.CompareAndSwap(false, true) {
				m.logger.Debug("refresh still in flight, skipping tick")
				continue
			}
			go m.refresh(ctx, r)
		}
	}
}

// refresh runs one fetch-and-merge cycle for r. The caller must have set
// r.inFlight.
func (m *Monitor) refresh(ctx context.Context, r *run) {
	defer r.inFlight.Store(false)

	fetchedAt := m.now()
	list, err := m.fetcher.Fetch(context.WithoutCancel(ctx))

	m.applyMu.RLock()
	defer m.applyMu.RUnlock()
	if !m.active(r) {
		m.logger.Debug("discarding roster fetched before stop")
		return
	}
	if err != nil {
		m.logger.Warn("roster refresh failed, keeping last known state", zap.Error(err))
		m.recordRefresh(time.Time{}, err)
		return
	}

	res := m.store.ApplySnapshot(list, fetchedAt)
	m.pending.Release(res.Removed)
	flushed := m.pending.Flush(m.store)
	expired := 0
	if m.cfg.StaleAfter > 0 {
		expired = m.store.ExpirePositions(m.now().Add(-m.cfg.StaleAfter))
	}
	m.recordRefresh(fetchedAt, nil)
	m.logger.Debug("roster applied",
		zap.Int("drivers", len(list)-res.Skipped),
		zap.Int("added", len(res.Added)),
		zap.Int("removed", len(res.Removed)),
		zap.Int("skipped", res.Skipped),
		zap.Int("buffered_applied", flushed),
		zap.Int("positions_expired", expired),
	)
}

func (m *Monitor) recordRefresh(at time.Time, err error) {
	m.statMu.Lock()
	defer m.statMu.Unlock()
	if err == nil {
		m.lastRefresh = at
	}
	m.lastErr = err
}

func (m *Monitor) handleDelta(d models.PositionDelta) {
	m.applyMu.RLock()
	defer m.applyMu.RUnlock()
	if !m.active(m.cur.Load()) {
		return
	}
	switch m.store.ApplyDelta(d) {
	case fleet.DeltaUnknown:
		m.pending.Add(d)
	case fleet.DeltaStale:
		m.logger.Debug("ignoring stale position", zap.String("driver_id", string(d.ID)))
	}
}

func (m *Monitor) handleState(s stream.State) {
	if r := m.cur.Load(); s == stream.Disconnected && r != nil && !r.stopped.Load() {
		m.logger.Warn("position stream lost, showing last known positions")
	}
}
