package pointstore

import (
	"context"
	"sort"
	"sync"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"

	"mappoints/internal/livesync"
)

type job struct {
	region *livesync.QueryRegion
	change *Change
}

// circleQuery is a Subscription. Jobs are queued without bound and applied
// in order by a single worker, which owns region and members.
type circleQuery struct {
	store  *Store
	events chan livesync.Event

	mu       sync.Mutex
	jobs     []job
	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once

	region  livesync.QueryRegion
	members map[string]livesync.Coordinate
}

func newCircleQuery(s *Store, region livesync.QueryRegion) *circleQuery {
	q := &circleQuery{
		store:   s,
		events:  make(chan livesync.Event),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		members: make(map[string]livesync.Coordinate),
	}
	q.enqueue(job{region: &region})
	return q
}

func (q *circleQuery) Events() <-chan livesync.Event { return q.events }

func (q *circleQuery) UpdateRegion(region livesync.QueryRegion) error {
	select {
	case <-q.stop:
		return ErrCancelled
	default:
	}
	q.enqueue(job{region: &region})
	return nil
}

func (q *circleQuery) Cancel() {
	q.stopOnce.Do(func() {
		close(q.stop)
		q.store.forget(q)
	})
}

func (q *circleQuery) enqueue(j job) {
	q.mu.Lock()
	q.jobs = append(q.jobs, j)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *circleQuery) next() (job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return job{}, false
	}
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	return j, true
}

func (q *circleQuery) run() {
	defer close(q.events)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-q.stop
		cancel()
	}()

	for {
		select {
		case <-q.stop:
			return
		case <-q.wake:
		}
		for {
			j, ok := q.next()
			if !ok {
				break
			}
			var alive bool
			if j.region != nil {
				alive = q.refresh(ctx, *j.region)
			} else {
				alive = q.apply(*j.change)
			}
			if !alive {
				return
			}
		}
	}
}

// refresh moves the circle and reports the membership difference: exits,
// then entries nearest first, then Ready.
func (q *circleQuery) refresh(ctx context.Context, region livesync.QueryRegion) bool {
	found, err := q.store.index.Within(ctx, region.Center.Latitude, region.Center.Longitude, region.RadiusKM)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		q.store.log.Warn("circle query failed", "center", region.Center.String(), "radius_km", region.RadiusKM, "err", err)
		q.region = region
		return q.emit(livesync.Event{Kind: livesync.EventReady})
	}
	q.region = region

	inside := make(map[string]livesync.Coordinate, len(found))
	for _, m := range found {
		inside[m.ID] = livesync.Coordinate{Latitude: m.Latitude, Longitude: m.Longitude}
	}

	var gone []string
	for id := range q.members {
		if _, ok := inside[id]; !ok {
			gone = append(gone, id)
		}
	}
	sort.Strings(gone)
	for _, id := range gone {
		delete(q.members, id)
		if !q.emit(livesync.Event{Kind: livesync.EventExited, ID: id}) {
			return false
		}
	}
	for _, m := range found {
		if _, ok := q.members[m.ID]; ok {
			q.members[m.ID] = inside[m.ID]
			continue
		}
		q.members[m.ID] = inside[m.ID]
		if !q.emit(livesync.Event{Kind: livesync.EventEntered, ID: m.ID, Coordinate: inside[m.ID]}) {
			return false
		}
	}
	return q.emit(livesync.Event{Kind: livesync.EventReady})
}

func (q *circleQuery) apply(c Change) bool {
	_, member := q.members[c.ID]
	inside := c.Present && q.contains(c.Coordinate)
	switch {
	case inside && !member:
		q.members[c.ID] = c.Coordinate
		return q.emit(livesync.Event{Kind: livesync.EventEntered, ID: c.ID, Coordinate: c.Coordinate})
	case inside:
		q.members[c.ID] = c.Coordinate
	case member:
		delete(q.members, c.ID)
		return q.emit(livesync.Event{Kind: livesync.EventExited, ID: c.ID})
	}
	return true
}

func (q *circleQuery) contains(c livesync.Coordinate) bool {
	center := orb.Point{q.region.Center.Longitude, q.region.Center.Latitude}
	return orbgeo.DistanceHaversine(center, orb.Point{c.Longitude, c.Latitude})/1000 <= q.region.RadiusKM
}

func (q *circleQuery) emit(ev livesync.Event) bool {
	select {
	case q.events <- ev:
		return true
	case <-q.stop:
		return false
	}
}
