package storage

import (
	"context"
	"encoding/json"
	"time"
)

const (
	EventCreated = "created"
	EventRemoved = "removed"
)

// PointEvent is an audit entry for a point write.
type PointEvent struct {
	PointID   string          `json:"pointId"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ActorID   string          `json:"actorId,omitempty"`
	ActorRole string          `json:"actorRole,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

type EventLogger interface {
	AppendPointEvent(ctx context.Context, evt PointEvent) error
	ListPointEvents(ctx context.Context, pointID string, limit, offset int) ([]PointEvent, error)
	CountPointEvents(ctx context.Context, pointID string) (int, error)
}

func (p *Postgres) AppendPointEvent(ctx context.Context, evt PointEvent) error {
	var created *time.Time
	if !evt.CreatedAt.IsZero() {
		created = &evt.CreatedAt
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO point_events (point_id, event_type, payload, actor_id, actor_role, created_at)
VALUES ($1,$2,$3,$4,$5,COALESCE($6,NOW()))
`, evt.PointID, evt.Type, evt.Payload, evt.ActorID, evt.ActorRole, created)
	return err
}

func (p *Postgres) ListPointEvents(ctx context.Context, pointID string, limit, offset int) ([]PointEvent, error) {
	rows, err := p.pool.Query(ctx, `
SELECT point_id, event_type, payload, actor_id, actor_role, created_at
FROM point_events
WHERE point_id = $1
ORDER BY created_at ASC, id ASC
LIMIT $2 OFFSET $3
`, pointID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PointEvent
	for rows.Next() {
		var evt PointEvent
		if err := rows.Scan(&evt.PointID, &evt.Type, &evt.Payload, &evt.ActorID, &evt.ActorRole, &evt.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func (p *Postgres) CountPointEvents(ctx context.Context, pointID string) (int, error) {
	var count int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM point_events WHERE point_id = $1`, pointID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
