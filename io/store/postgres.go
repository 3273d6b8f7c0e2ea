package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/subbridge/core/dto"
)

const (
	postgresTableName        = "subbridge_queues"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Postgres keeps each queue as a JSON document in one row per kind. The table is created
// lazily on first use.
type Postgres struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.Wrap(ErrInvalidDSN, "postgres dsn is empty")
	}
	return &Postgres{
		dsn:       dsn,
		tableName: postgresTableName,
		openDB:    sql.Open,
	}, nil
}

func (p *Postgres) Load(ctx context.Context, kind dto.Kind) ([]dto.QueueItem, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT items FROM %s WHERE queue_key = $1", pq.QuoteIdentifier(p.tableName))
	var payload string
	err := p.db.QueryRowContext(ctx, query, queueKey(kind)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load %s queue", kind)
	}

	var items []dto.QueueItem
	if err := json.Unmarshal([]byte(payload), &items); err != nil {
		return nil, errors.Wrapf(err, "decode %s queue", kind)
	}
	return items, nil
}

func (p *Postgres) Save(ctx context.Context, kind dto.Kind, items []dto.QueueItem) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	if items == nil {
		items = []dto.QueueItem{}
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return errors.Wrapf(err, "encode %s queue", kind)
	}

	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (queue_key, items, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (queue_key)
		DO UPDATE SET items = EXCLUDED.items, updated_at = NOW()`, pq.QuoteIdentifier(p.tableName))
	_, err = p.db.ExecContext(ctx, query, queueKey(kind), string(payload))
	return errors.Wrapf(err, "save %s queue", kind)
}

func (p *Postgres) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *Postgres) ensureReady() error {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = errors.Wrap(err, "open postgres")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				queue_key TEXT PRIMARY KEY,
				items TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, pq.QuoteIdentifier(p.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			p.initErr = errors.Wrap(err, "create queue table")
			return
		}
		p.db = db
	})
	return p.initErr
}
