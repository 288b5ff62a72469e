package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const notifyChannel = "geoannotate_changes"

// Postgres keeps records in a single table keyed by (kind, id) and uses
// LISTEN/NOTIFY to report changes from any process.
type Postgres struct {
	pool   *pgxpool.Pool
	cancel context.CancelFunc
	notify notifier
	log    zerolog.Logger
	table  string
	wg     sync.WaitGroup
}

// NewPostgres creates the table if needed and starts listening for changes.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool, table string, log zerolog.Logger) (*Postgres, error) {
	if table == "" {
		table = "annotations"
	}
	p := &Postgres{
		pool:  pool,
		table: pgx.Identifier{table}.Sanitize(),
		log:   log.With().Str("component", "store").Str("backend", "postgres").Logger(),
	}

	if _, err := pool.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS `+p.table+` (
            kind       TEXT NOT NULL,
            id         TEXT NOT NULL,
            data       JSONB NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY (kind, id)
        )`); err != nil {
		return nil, fmt.Errorf("create table: %w", err)
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listener: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go p.listen(runCtx, conn)

	return p, nil
}

func (p *Postgres) listen(ctx context.Context, conn *pgxpool.Conn) {
	defer p.wg.Done()
	// the connection still has LISTEN state; drop it instead of returning it
	defer func() { _ = conn.Hijack().Close(context.Background()) }()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.log.Error().Err(err).Msg("Notification listener stopped")
			}
			return
		}
		kind := Kind(n.Payload)
		if !kind.Valid() {
			continue
		}
		p.notify.notify(kind)
	}
}

func (p *Postgres) LoadAll(ctx context.Context, kind Kind) ([]Record, error) {
	if !kind.Valid() {
		return nil, ErrUnknownKind
	}
	rows, err := p.pool.Query(ctx, `
        SELECT id, data
        FROM `+p.table+`
        WHERE kind = $1
        ORDER BY id`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", kind, err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var r Record
		var data []byte
		if err := rows.Scan(&r.ID, &data); err != nil {
			return nil, err
		}
		r.Data = json.RawMessage(data)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func (p *Postgres) Save(ctx context.Context, kind Kind, rec Record) error {
	if err := checkRecord(kind, rec); err != nil {
		return err
	}
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
            INSERT INTO `+p.table+` (kind, id, data, updated_at)
            VALUES ($1, $2, $3, NOW())
            ON CONFLICT (kind, id) DO UPDATE
            SET data = EXCLUDED.data, updated_at = NOW()`,
			string(kind), rec.ID, []byte(rec.Data)); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(kind))
		return err
	})
	if err != nil {
		return fmt.Errorf("save %s/%s: %w", kind, rec.ID, err)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, kind Kind, id string) error {
	if !kind.Valid() {
		return ErrUnknownKind
	}
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM `+p.table+` WHERE kind = $1 AND id = $2`, string(kind), id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errNothingDeleted
		}
		_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(kind))
		return err
	})
	if err != nil && !errors.Is(err, errNothingDeleted) {
		return fmt.Errorf("delete %s/%s: %w", kind, id, err)
	}
	return nil
}

var errNothingDeleted = errors.New("nothing deleted")

func (p *Postgres) Subscribe(kind Kind, onChange func()) func() {
	return p.notify.subscribe(kind, onChange)
}

// Close stops the listener and closes the pool.
func (p *Postgres) Close() error {
	p.cancel()
	p.wg.Wait()
	p.pool.Close()
	return nil
}
