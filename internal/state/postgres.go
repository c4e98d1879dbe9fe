package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres persists conversation state as one JSONB document per
// conversation.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) GetState(ctx context.Context, senderID, pageID string) (map[string]any, bool, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx,
		`SELECT state FROM conversation_states WHERE sender_id = $1 AND page_id = $2`,
		senderID, pageID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query conversation state: %w", err)
	}

	st := map[string]any{}
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, false, fmt.Errorf("failed to decode conversation state: %w", err)
	}
	return st, true, nil
}

func (p *Postgres) SetState(ctx context.Context, senderID, pageID string, st map[string]any) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode conversation state: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO conversation_states (sender_id, page_id, state, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (sender_id, page_id) DO UPDATE
		 SET state = EXCLUDED.state, updated_at = now()`,
		senderID, pageID, raw)
	if err != nil {
		return fmt.Errorf("failed to save conversation state: %w", err)
	}
	return nil
}
