// Package pointstore joins point records and the geo index into a
// livesync.Store with circle subscriptions.
package pointstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"mappoints/internal/geo"
	"mappoints/internal/livesync"
	"mappoints/internal/storage"
)

var ErrCancelled = errors.New("subscription cancelled")

// Change is a geo-index mutation fanned out to open subscriptions.
type Change struct {
	ID         string              `json:"id"`
	Coordinate livesync.Coordinate `json:"coordinate"`
	Present    bool                `json:"present"`
}

// NearbyPoint is a point returned by Nearby with its distance from the center.
type NearbyPoint struct {
	livesync.Point
	DistanceKM float64 `json:"distanceKm"`
}

type Store struct {
	records storage.Records
	index   geo.Index
	log     *slog.Logger

	mu      sync.Mutex
	queries map[*circleQuery]struct{}
	relay   *Relay
}

var _ livesync.Store = (*Store)(nil)

func New(records storage.Records, index geo.Index, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		records: records,
		index:   index,
		log:     log,
		queries: make(map[*circleQuery]struct{}),
	}
}

// AttachRelay publishes local geo-index changes through r and applies
// changes made by other instances until ctx is done.
func (s *Store) AttachRelay(ctx context.Context, r *Relay) {
	s.mu.Lock()
	s.relay = r
	s.mu.Unlock()
	go func() {
		if err := r.Run(ctx, s.fanOut); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("geo relay stopped", "err", err)
		}
	}()
}

func (s *Store) AllocateID() string {
	return uuid.NewString()
}

func (s *Store) WriteRecord(ctx context.Context, id string, rec livesync.Record) error {
	return s.records.Write(ctx, id, rec)
}

func (s *Store) RemoveRecord(ctx context.Context, id string) error {
	return s.records.Remove(ctx, id)
}

func (s *Store) FetchRecord(ctx context.Context, id string) (livesync.Record, error) {
	return s.records.Fetch(ctx, id)
}

func (s *Store) WriteGeoIndex(ctx context.Context, id string, c livesync.Coordinate) error {
	if err := s.index.Set(ctx, id, c.Latitude, c.Longitude); err != nil {
		return err
	}
	s.changed(ctx, Change{ID: id, Coordinate: c, Present: true})
	return nil
}

func (s *Store) RemoveGeoIndex(ctx context.Context, id string) error {
	if err := s.index.Remove(ctx, id); err != nil {
		return err
	}
	s.changed(ctx, Change{ID: id})
	return nil
}

// Subscribe opens a circle query. Its events start with an Entered for every
// point already inside the region, followed by Ready.
func (s *Store) Subscribe(ctx context.Context, region livesync.QueryRegion) (livesync.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := newCircleQuery(s, region)
	s.mu.Lock()
	s.queries[q] = struct{}{}
	s.mu.Unlock()

	go q.run()
	go func() {
		select {
		case <-ctx.Done():
			q.Cancel()
		case <-q.stop:
		}
	}()
	return q, nil
}

// Point loads a single persisted point.
func (s *Store) Point(ctx context.Context, id string) (livesync.Point, error) {
	lat, lon, ok, err := s.index.Position(ctx, id)
	if err != nil {
		return livesync.Point{}, fmt.Errorf("position %s: %w", id, err)
	}
	if !ok {
		return livesync.Point{}, fmt.Errorf("%w: %s", livesync.ErrNotFound, id)
	}
	rec, err := s.records.Fetch(ctx, id)
	if err != nil {
		return livesync.Point{}, err
	}
	return livesync.Point{
		ID:          id,
		Coordinate:  livesync.Coordinate{Latitude: lat, Longitude: lon},
		Title:       rec.Title,
		Description: rec.Description,
	}, nil
}

// Nearby returns the points inside region, nearest first. Indexed points
// without a record are skipped.
func (s *Store) Nearby(ctx context.Context, region livesync.QueryRegion) ([]NearbyPoint, error) {
	members, err := s.index.Within(ctx, region.Center.Latitude, region.Center.Longitude, region.RadiusKM)
	if err != nil {
		return nil, err
	}
	out := make([]NearbyPoint, 0, len(members))
	for _, m := range members {
		rec, err := s.records.Fetch(ctx, m.ID)
		if errors.Is(err, livesync.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, NearbyPoint{
			Point: livesync.Point{
				ID:          m.ID,
				Coordinate:  livesync.Coordinate{Latitude: m.Latitude, Longitude: m.Longitude},
				Title:       rec.Title,
				Description: rec.Description,
			},
			DistanceKM: m.DistanceKM,
		})
	}
	return out, nil
}

// OpenQueries reports the number of live circle subscriptions.
func (s *Store) OpenQueries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queries)
}

func (s *Store) changed(ctx context.Context, c Change) {
	s.fanOut(c)
	s.mu.Lock()
	r := s.relay
	s.mu.Unlock()
	if r != nil {
		if err := r.Publish(ctx, c); err != nil {
			s.log.Warn("geo relay publish failed", "id", c.ID, "err", err)
		}
	}
}

func (s *Store) fanOut(c Change) {
	s.mu.Lock()
	qs := make([]*circleQuery, 0, len(s.queries))
	for q := range s.queries {
		qs = append(qs, q)
	}
	s.mu.Unlock()
	for _, q := range qs {
		q.enqueue(job{change: &c})
	}
}

func (s *Store) forget(q *circleQuery) {
	s.mu.Lock()
	delete(s.queries, q)
	s.mu.Unlock()
}
