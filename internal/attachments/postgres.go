package attachments

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres persists the attachment cache across restarts.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) FindAttachmentByURL(ctx context.Context, url string) (string, error) {
	var attachmentID string
	err := p.pool.QueryRow(ctx,
		`SELECT attachment_id FROM messenger_attachments WHERE url = $1`, url,
	).Scan(&attachmentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query attachment cache: %w", err)
	}
	return attachmentID, nil
}

func (p *Postgres) SaveAttachmentID(ctx context.Context, url, attachmentID string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO messenger_attachments (url, attachment_id, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (url) DO UPDATE
		 SET attachment_id = EXCLUDED.attachment_id, updated_at = now()`,
		url, attachmentID)
	if err != nil {
		return fmt.Errorf("failed to save attachment id: %w", err)
	}
	return nil
}
