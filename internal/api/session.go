package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mappoints/internal/auth"
	"mappoints/internal/livesync"
	"mappoints/internal/storage"
)

const writeWait = 5 * time.Second

// Client message types.
const (
	msgViewport = "viewport"
	msgTracking = "tracking"
	msgCreate   = "create"
	msgRemove   = "remove"
)

// Server message types.
const (
	msgPointLoaded  = "point_loaded"
	msgPointRemoved = "point_removed"
	msgWillCreate   = "will_create"
	msgCreated      = "created"
	msgRemoved      = "removed"
	msgLoadFailed   = "load_failed"
	msgError        = "error"
)

type clientMessage struct {
	Type     string             `json:"type"`
	Viewport *livesync.Viewport `json:"viewport,omitempty"`
	Enabled  *bool              `json:"enabled,omitempty"`
	Point    *livesync.Point    `json:"point,omitempty"`
	ID       string             `json:"id,omitempty"`
}

type serverMessage struct {
	Type  string          `json:"type"`
	Point *livesync.Point `json:"point,omitempty"`
	ID    string          `json:"id,omitempty"`
	Error string          `json:"error,omitempty"`
}

// session is one live map connection. It owns a Manager and is its observer.
type session struct {
	conn     *websocket.Conn
	mgr      *livesync.Manager
	identity auth.Identity
	canEdit  bool
	events   storage.EventLogger
	log      *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, store livesync.Store, opts livesync.Options, identity auth.Identity, canEdit bool, events storage.EventLogger, log *slog.Logger) *session {
	s := &session{
		conn:     conn,
		identity: identity,
		canEdit:  canEdit,
		events:   events,
		log:      log.With("session", identity.ID),
	}
	opts.Logger = s.log
	s.mgr = livesync.NewManager(store, s, opts)
	return s
}

// serve runs the manager and reads client messages until the connection
// drops or ctx is done.
func (s *session) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		_ = s.mgr.Run(ctx)
		close(stopped)
	}()
	defer func() {
		cancel()
		<-stopped
	}()
	go func() {
		<-ctx.Done()
		s.close()
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("live session read failed", "err", err)
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError("malformed message")
			continue
		}
		if err := s.handle(ctx, msg); err != nil {
			s.sendError(err.Error())
		}
	}
}

func (s *session) handle(ctx context.Context, msg clientMessage) error {
	switch msg.Type {
	case msgViewport:
		if msg.Viewport == nil {
			return errors.New("viewport required")
		}
		return s.mgr.UpdateRegion(*msg.Viewport)
	case msgTracking:
		if msg.Enabled == nil {
			return errors.New("enabled required")
		}
		return s.mgr.SetTrackingEnabled(*msg.Enabled)
	case msgCreate:
		if !s.canEdit {
			return errors.New("forbidden")
		}
		if msg.Point == nil {
			return errors.New("point required")
		}
		pending := *msg.Point
		pending.ID = ""
		if err := validCoordinate(pending.Coordinate); err != nil {
			return err
		}
		_, err := s.mgr.CreatePoint(ctx, pending)
		return err
	case msgRemove:
		if !s.canEdit {
			return errors.New("forbidden")
		}
		if msg.ID == "" {
			return errors.New("id required")
		}
		return s.mgr.RemovePoint(ctx, livesync.Point{ID: msg.ID})
	}
	return errors.New("unknown message type")
}

func (s *session) OnPointLoaded(p livesync.Point) {
	s.send(serverMessage{Type: msgPointLoaded, Point: &p})
}

func (s *session) OnPointRemoved(id string) {
	s.send(serverMessage{Type: msgPointRemoved, ID: id})
}

func (s *session) OnWillCreate(p livesync.Point) {
	s.send(serverMessage{Type: msgWillCreate, Point: &p})
}

func (s *session) OnCreated(p livesync.Point, err error) {
	if err != nil {
		s.send(serverMessage{Type: msgCreated, Point: &p, Error: err.Error()})
		return
	}
	s.audit(storage.EventCreated, p)
	s.send(serverMessage{Type: msgCreated, Point: &p})
}

func (s *session) OnRemoved(p livesync.Point, err error) {
	if err != nil {
		s.send(serverMessage{Type: msgRemoved, Point: &p, Error: err.Error()})
		return
	}
	s.audit(storage.EventRemoved, p)
	s.send(serverMessage{Type: msgRemoved, Point: &p})
}

func (s *session) OnLoadFailed(id string, err error) {
	s.send(serverMessage{Type: msgLoadFailed, ID: id, Error: err.Error()})
}

func (s *session) audit(typ string, p livesync.Point) {
	if s.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := appendEvent(ctx, s.events, typ, p, s.identity); err != nil {
		s.log.Warn("point event append failed", "id", p.ID, "type", typ, "err", err)
	}
}

func (s *session) sendError(msg string) {
	s.send(serverMessage{Type: msgError, Error: msg})
}

func (s *session) send(msg serverMessage) {
	s.writeMu.Lock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := s.conn.WriteJSON(msg)
	s.writeMu.Unlock()
	if err != nil {
		s.log.Debug("live session write failed", "type", msg.Type, "err", err)
		s.close()
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
}
