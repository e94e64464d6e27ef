package livesync

import "sync"

// Observer receives live-set and lifecycle notifications.
type Observer interface {
	OnPointLoaded(p Point)
	OnPointRemoved(id string)
	OnWillCreate(p Point)
	OnCreated(p Point, err error)
	OnRemoved(p Point, err error)
}

// LoadErrorObserver is optionally implemented by observers that want to hear
// about entered points whose record could not be loaded.
type LoadErrorObserver interface {
	OnLoadFailed(id string, err error)
}

// dispatcher delivers notifications to the current observer in push order
// from a single goroutine.
type dispatcher struct {
	mu     sync.Mutex
	queue  []func(Observer)
	wake   chan struct{}
	target func() Observer
}

func newDispatcher(target func() Observer) *dispatcher {
	return &dispatcher{
		wake:   make(chan struct{}, 1),
		target: target,
	}
}

func (d *dispatcher) push(fn func(Observer)) {
	d.mu.Lock()
	d.queue = append(d.queue, fn)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			d.flush()
			return
		case <-d.wake:
			d.flush()
		}
	}
}

func (d *dispatcher) flush() {
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		d.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		obs := d.target()
		if obs == nil {
			continue
		}
		for _, fn := range batch {
			fn(obs)
		}
	}
}
