package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema backs docstore.PGStore: one row per document, addressed by its full
// path ("products/abc", "siteContent/global/shipping/defaultFee").
const schema = `
CREATE TABLE IF NOT EXISTS documents (
	path       TEXT PRIMARY KEY,
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	data       JSONB NOT NULL,
	version    BIGINT NOT NULL DEFAULT 1,
	seq        BIGSERIAL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS documents_collection_created_idx ON documents (collection, created_at, seq);
CREATE INDEX IF NOT EXISTS documents_orders_user_idx ON documents ((data->>'userId')) WHERE collection = 'orders';
`

func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, schema)
	return err
}
