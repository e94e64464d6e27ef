package livesync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu      sync.Mutex
	nextID  int
	records map[string]Record
	gates   map[string]chan struct{}
	calls   []string
	subs    []*fakeSub

	writeRecordErr  error
	writeGeoErr     error
	removeGeoErr    error
	removeRecordErr error

	subscribeCount int
	cancelCount    int
	fetchDone      chan string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:   make(map[string]Record),
		gates:     make(map[string]chan struct{}),
		fetchDone: make(chan string, 64),
	}
}

func (s *fakeStore) record(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

func (s *fakeStore) callLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeStore) gate(id string) chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	s.gates[id] = ch
	s.mu.Unlock()
	return ch
}

func (s *fakeStore) AllocateID() string {
	s.mu.Lock()
	s.nextID++
	id := fmt.Sprintf("pt_%d", s.nextID)
	s.calls = append(s.calls, "allocate")
	s.mu.Unlock()
	return id
}

func (s *fakeStore) WriteRecord(ctx context.Context, id string, rec Record) error {
	s.record("writeRecord")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeRecordErr != nil {
		return s.writeRecordErr
	}
	s.records[id] = rec
	return nil
}

func (s *fakeStore) RemoveRecord(ctx context.Context, id string) error {
	s.record("removeRecord")
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return s.removeRecordErr
}

func (s *fakeStore) WriteGeoIndex(ctx context.Context, id string, c Coordinate) error {
	s.record("writeGeoIndex")
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeGeoErr
}

func (s *fakeStore) RemoveGeoIndex(ctx context.Context, id string) error {
	s.record("removeGeoIndex")
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeGeoErr
}

func (s *fakeStore) FetchRecord(ctx context.Context, id string) (Record, error) {
	defer func() { s.fetchDone <- id }()
	s.mu.Lock()
	gate := s.gates[id]
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Record{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

func (s *fakeStore) Subscribe(ctx context.Context, region QueryRegion) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribeCount++
	sub := &fakeSub{store: s, events: make(chan Event), regions: []QueryRegion{region}}
	s.subs = append(s.subs, sub)
	return sub, nil
}

func (s *fakeStore) counts() (subscribed, cancelled int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribeCount, s.cancelCount
}

func (s *fakeStore) lastSub(t *testing.T) *fakeSub {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) == 0 {
		t.Fatalf("no subscription created")
	}
	return s.subs[len(s.subs)-1]
}

type fakeSub struct {
	store   *fakeStore
	events  chan Event
	mu      sync.Mutex
	regions []QueryRegion
}

func (f *fakeSub) Events() <-chan Event { return f.events }

func (f *fakeSub) UpdateRegion(region QueryRegion) error {
	f.mu.Lock()
	f.regions = append(f.regions, region)
	f.mu.Unlock()
	return nil
}

func (f *fakeSub) Cancel() {
	f.store.mu.Lock()
	f.store.cancelCount++
	f.store.mu.Unlock()
}

func (f *fakeSub) regionLog() []QueryRegion {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]QueryRegion(nil), f.regions...)
}

func (f *fakeSub) emit(t *testing.T, ev Event) {
	t.Helper()
	select {
	case f.events <- ev:
	case <-time.After(2 * time.Second):
		t.Fatalf("event %s %s not consumed", ev.Kind, ev.ID)
	}
}

type outcome struct {
	point Point
	err   error
}

type recorder struct {
	loaded     chan Point
	removedIDs chan string
	will       chan Point
	created    chan outcome
	removed    chan outcome
	loadFailed chan outcome
	onWill     func()
}

func newRecorder() *recorder {
	return &recorder{
		loaded:     make(chan Point, 64),
		removedIDs: make(chan string, 64),
		will:       make(chan Point, 64),
		created:    make(chan outcome, 64),
		removed:    make(chan outcome, 64),
		loadFailed: make(chan outcome, 64),
	}
}

func (r *recorder) OnPointLoaded(p Point)    { r.loaded <- p }
func (r *recorder) OnPointRemoved(id string) { r.removedIDs <- id }
func (r *recorder) OnWillCreate(p Point) {
	if r.onWill != nil {
		r.onWill()
	}
	r.will <- p
}
func (r *recorder) OnCreated(p Point, err error)      { r.created <- outcome{p, err} }
func (r *recorder) OnRemoved(p Point, err error)      { r.removed <- outcome{p, err} }
func (r *recorder) OnLoadFailed(id string, err error) { r.loadFailed <- outcome{Point{ID: id}, err} }

func receive[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		var zero T
		t.Fatalf("timed out waiting for %s", what)
		return zero
	}
}

func expectNone[T any](t *testing.T, ch <-chan T, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %s: %#v", what, v)
	case <-time.After(150 * time.Millisecond):
	}
}

func startManager(t *testing.T, store Store, obs Observer) *Manager {
	t.Helper()
	m := NewManager(store, obs, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(finished)
	}()
	t.Cleanup(func() {
		cancel()
		<-finished
	})
	return m
}
