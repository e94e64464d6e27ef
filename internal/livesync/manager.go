package livesync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"mappoints/internal/metrics"
)

const defaultFetchTimeout = 5 * time.Second

// Options tunes a Manager. Zero values fall back to defaults.
type Options struct {
	Limits       RegionLimits
	FetchTimeout time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

type loadResult struct {
	id    string
	token uint64
	coord Coordinate
	rec   Record
	err   error
}

// Manager keeps a live set of points aligned with the circle region derived
// from the latest viewport, and forwards point writes to a Lifecycle.
//
// All subscription and live-set state is owned by the Run goroutine. Observer
// callbacks are delivered in order from a single dispatch goroutine, except
// OnWillCreate which runs on the goroutine calling CreatePoint.
type Manager struct {
	store        Store
	lifecycle    *Lifecycle
	limits       RegionLimits
	fetchTimeout time.Duration
	log          *slog.Logger

	obsMu    sync.RWMutex
	observer Observer

	cmds      chan func()
	loads     chan loadResult
	done      chan struct{}
	startOnce sync.Once
	notes     *dispatcher

	// owned by Run
	ctx       context.Context
	enabled   bool
	region    QueryRegion
	hasRegion bool
	sub       Subscription
	members   map[string]uint64
	live      map[string]Point
	gen       uint64
}

func NewManager(store Store, obs Observer, opts Options) *Manager {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Manager{
		store:        store,
		lifecycle:    NewLifecycle(store, opts.WriteTimeout, opts.Logger),
		limits:       opts.Limits.Normalized(),
		fetchTimeout: opts.FetchTimeout,
		log:          opts.Logger,
		observer:     obs,
		cmds:         make(chan func(), 16),
		loads:        make(chan loadResult),
		done:         make(chan struct{}),
		members:      make(map[string]uint64),
		live:         make(map[string]Point),
	}
	m.notes = newDispatcher(m.currentObserver)
	return m
}

// SetObserver swaps the notification target; nil silences notifications.
// The manager never keeps an observer alive beyond the next SetObserver.
func (m *Manager) SetObserver(obs Observer) {
	m.obsMu.Lock()
	m.observer = obs
	m.obsMu.Unlock()
}

func (m *Manager) currentObserver() Observer {
	m.obsMu.RLock()
	defer m.obsMu.RUnlock()
	return m.observer
}

// Run processes region changes, subscription events and fetch completions
// until ctx is cancelled. It may be called once.
func (m *Manager) Run(ctx context.Context) error {
	first := false
	m.startOnce.Do(func() { first = true })
	if !first {
		return fmt.Errorf("livesync: Run called twice")
	}
	m.ctx = ctx
	go m.notes.run(m.done)
	defer m.shutdown()

	for {
		var events <-chan Event
		if m.sub != nil {
			events = m.sub.Events()
		}
		select {
		case <-ctx.Done():
			return nil
		case fn := <-m.cmds:
			fn()
		case res := <-m.loads:
			m.finishLoad(res)
		case ev, ok := <-events:
			if !ok {
				m.subscriptionLost()
				continue
			}
			m.handleEvent(ev)
		}
	}
}

func (m *Manager) shutdown() {
	if m.sub != nil {
		m.sub.Cancel()
		m.sub = nil
	}
	close(m.done)
}

// UpdateRegion recomputes the query region from the viewport and moves or
// creates the subscription accordingly.
func (m *Manager) UpdateRegion(v Viewport) error {
	return m.do(func() { m.updateRegion(v) })
}

// SetTrackingEnabled starts or stops following the query region. Setting the
// current value again does nothing.
func (m *Manager) SetTrackingEnabled(enabled bool) error {
	return m.do(func() { m.setTracking(enabled) })
}

// CreatePoint persists a pending point. OnWillCreate is called before this
// method returns and before any write is issued; OnCreated follows once both
// writes finished.
func (m *Manager) CreatePoint(ctx context.Context, pending Point) (Point, error) {
	return m.lifecycle.Create(ctx, pending,
		func(p Point) {
			if obs := m.currentObserver(); obs != nil {
				obs.OnWillCreate(p)
			}
		},
		func(p Point, err error) {
			m.notes.push(func(o Observer) { o.OnCreated(p, err) })
		})
}

// RemovePoint deletes a persisted point. OnRemoved reports the geo-index
// removal outcome only.
func (m *Manager) RemovePoint(ctx context.Context, p Point) error {
	return m.lifecycle.Remove(ctx, p, func(p Point, err error) {
		m.notes.push(func(o Observer) { o.OnRemoved(p, err) })
	})
}

// LiveSet returns the points currently believed to be inside the region,
// ordered by id.
func (m *Manager) LiveSet() ([]Point, error) {
	var out []Point
	err := m.query(func() {
		out = make([]Point, 0, len(m.live))
		for _, p := range m.live {
			out = append(out, p)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// Region returns the last computed query region, if any.
func (m *Manager) Region() (QueryRegion, bool, error) {
	var (
		region QueryRegion
		ok     bool
	)
	err := m.query(func() { region, ok = m.region, m.hasRegion })
	return region, ok, err
}

// Tracking reports whether a subscription is wanted.
func (m *Manager) Tracking() (bool, error) {
	var enabled bool
	err := m.query(func() { enabled = m.enabled })
	return enabled, err
}

func (m *Manager) do(fn func()) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case m.cmds <- fn:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

func (m *Manager) query(fn func()) error {
	finished := make(chan struct{})
	if err := m.do(func() { fn(); close(finished) }); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

func (m *Manager) updateRegion(v Viewport) {
	region := m.limits.RegionFor(v)
	m.region, m.hasRegion = region, true
	metrics.RegionUpdatesTotal.Inc()

	if m.sub != nil {
		if err := m.sub.UpdateRegion(region); err != nil {
			m.log.Warn("query region update failed", "err", err)
		}
		return
	}
	if m.enabled {
		m.subscribe()
	}
}

func (m *Manager) setTracking(enabled bool) {
	if m.enabled == enabled {
		return
	}
	m.enabled = enabled
	if !enabled {
		m.teardown()
		return
	}
	if m.hasRegion && m.sub == nil {
		m.subscribe()
	}
}

func (m *Manager) subscribe() {
	sub, err := m.store.Subscribe(m.ctx, m.region)
	if err != nil {
		metrics.SubscriptionsTotal.WithLabelValues("failed").Inc()
		m.log.Error("subscribe failed", "center", m.region.Center.String(), "radius_km", m.region.RadiusKM, "err", err)
		return
	}
	metrics.SubscriptionsTotal.WithLabelValues("created").Inc()
	m.log.Debug("subscribed", "center", m.region.Center.String(), "radius_km", m.region.RadiusKM)
	m.sub = sub
}

// teardown drops the subscription. Pending fetches lose their tokens so
// their late completions are discarded; the live set is kept until the
// next subscription reports ready.
func (m *Manager) teardown() {
	if m.sub == nil {
		return
	}
	m.sub.Cancel()
	m.sub = nil
	clear(m.members)
	metrics.SubscriptionsTotal.WithLabelValues("cancelled").Inc()
}

func (m *Manager) subscriptionLost() {
	m.log.Warn("subscription closed by store")
	m.sub = nil
	clear(m.members)
	metrics.SubscriptionsTotal.WithLabelValues("lost").Inc()
}

func (m *Manager) handleEvent(ev Event) {
	metrics.QueryEventsTotal.WithLabelValues(ev.Kind.String()).Inc()
	switch ev.Kind {
	case EventEntered:
		m.entered(ev.ID, ev.Coordinate)
	case EventExited:
		m.exited(ev.ID)
	case EventReady:
		m.ready()
	}
}

func (m *Manager) entered(id string, coord Coordinate) {
	if id == "" {
		return
	}
	m.gen++
	token := m.gen
	m.members[id] = token

	ctx, cancel := context.WithTimeout(m.ctx, m.fetchTimeout)
	go func() {
		defer cancel()
		rec, err := m.store.FetchRecord(ctx, id)
		if err == nil && strings.TrimSpace(rec.Title) == "" {
			err = fmt.Errorf("%w: %s has no title", ErrIncompleteRecord, id)
		}
		select {
		case m.loads <- loadResult{id: id, token: token, coord: coord, rec: rec, err: err}:
		case <-m.done:
		}
	}()
}

func (m *Manager) finishLoad(res loadResult) {
	if token, ok := m.members[res.id]; !ok || token != res.token {
		metrics.PointLoadsTotal.WithLabelValues("stale").Inc()
		m.log.Debug("discarding stale point load", "id", res.id)
		return
	}
	if res.err != nil {
		metrics.PointLoadsTotal.WithLabelValues("failed").Inc()
		m.log.Warn("point load failed", "id", res.id, "err", res.err)
		err := res.err
		m.notes.push(func(o Observer) {
			if lo, ok := o.(LoadErrorObserver); ok {
				lo.OnLoadFailed(res.id, err)
			}
		})
		return
	}

	p := Point{
		ID:          res.id,
		Coordinate:  res.coord,
		Title:       res.rec.Title,
		Description: res.rec.Description,
	}
	m.live[p.ID] = p
	metrics.PointLoadsTotal.WithLabelValues("loaded").Inc()
	m.notes.push(func(o Observer) { o.OnPointLoaded(p) })
}

func (m *Manager) exited(id string) {
	delete(m.members, id)
	delete(m.live, id)
	m.notes.push(func(o Observer) { o.OnPointRemoved(id) })
}

// ready prunes points kept from an earlier subscription that the current
// one did not report.
func (m *Manager) ready() {
	for id := range m.live {
		if _, ok := m.members[id]; ok {
			continue
		}
		delete(m.live, id)
		m.notes.push(func(o Observer) { o.OnPointRemoved(id) })
	}
}
