package livesync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mappoints/internal/metrics"
)

const defaultWriteTimeout = 5 * time.Second

// Lifecycle persists new points and removes existing ones. It never reads or
// writes a live set; visibility is always query-driven.
type Lifecycle struct {
	store   Store
	timeout time.Duration
	log     *slog.Logger
}

func NewLifecycle(store Store, timeout time.Duration, log *slog.Logger) *Lifecycle {
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Lifecycle{store: store, timeout: timeout, log: log}
}

// Create assigns an id to a pending point, calls willCreate before any write
// is issued and then writes the record and the geo-index entry concurrently.
// created runs exactly once, from another goroutine, with the first write
// error to complete or nil when both writes succeeded. A failed pair is not
// rolled back.
func (l *Lifecycle) Create(ctx context.Context, pending Point, willCreate func(Point), created func(Point, error)) (Point, error) {
	if !pending.Pending() {
		return pending, ErrAlreadyPersisted
	}
	p := pending
	p.ID = l.store.AllocateID()
	if strings.TrimSpace(p.Title) == "" {
		p.Title = DefaultTitle
	}
	if p.Description == "" {
		p.Description = p.Subtitle()
	}

	if willCreate != nil {
		willCreate(p)
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	start := time.Now()
	var g errgroup.Group
	g.Go(func() error {
		if err := l.store.WriteRecord(wctx, p.ID, Record{Title: p.Title, Description: p.Description}); err != nil {
			return fmt.Errorf("write record %s: %w", p.ID, err)
		}
		return nil
	})
	g.Go(func() error {
		if err := l.store.WriteGeoIndex(wctx, p.ID, p.Coordinate); err != nil {
			return fmt.Errorf("write geo-index %s: %w", p.ID, err)
		}
		return nil
	})

	go func() {
		defer cancel()
		err := g.Wait()
		metrics.WriteDurationMs.WithLabelValues("create").Observe(float64(time.Since(start).Microseconds()) / 1000)
		if err != nil {
			metrics.PointWritesTotal.WithLabelValues("create", "error").Inc()
			l.log.Warn("point create failed", "id", p.ID, "err", err)
		} else {
			metrics.PointWritesTotal.WithLabelValues("create", "ok").Inc()
			l.log.Debug("point created", "id", p.ID)
		}
		if created != nil {
			created(p, err)
		}
	}()
	return p, nil
}

// Remove deletes the geo-index entry and the record. Both are attempted;
// removed runs once with the geo-index error only. A record left behind is
// logged and otherwise ignored since queries no longer see the point.
func (l *Lifecycle) Remove(ctx context.Context, p Point, removed func(Point, error)) error {
	if p.Pending() {
		return ErrNotPersisted
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	start := time.Now()

	go func() {
		defer cancel()
		var (
			wg     sync.WaitGroup
			geoErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := l.store.RemoveGeoIndex(rctx, p.ID); err != nil {
				geoErr = fmt.Errorf("remove geo-index %s: %w", p.ID, err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := l.store.RemoveRecord(rctx, p.ID); err != nil {
				l.log.Warn("point record left orphaned", "id", p.ID, "err", err)
			}
		}()
		wg.Wait()

		metrics.WriteDurationMs.WithLabelValues("remove").Observe(float64(time.Since(start).Microseconds()) / 1000)
		if geoErr != nil {
			metrics.PointWritesTotal.WithLabelValues("remove", "error").Inc()
			l.log.Warn("point remove failed", "id", p.ID, "err", geoErr)
		} else {
			metrics.PointWritesTotal.WithLabelValues("remove", "ok").Inc()
		}
		if removed != nil {
			removed(p, geoErr)
		}
	}()
	return nil
}
