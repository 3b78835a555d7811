package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/campus-ledger/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresJournal хранит журнал событий в PostgreSQL.
type PostgresJournal struct {
	pool   *pgxpool.Pool
	delays []time.Duration
}

// NewPostgresJournal создаёт журнал и применяет миграции схемы.
func NewPostgresJournal(dsn string) (*PostgresJournal, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	j := &PostgresJournal{
		pool:   pool,
		delays: []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second},
	}

	if err := j.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return j, nil
}

func (j *PostgresJournal) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(j.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает пул соединений с БД.
func (j *PostgresJournal) Close() error {
	j.pool.Close()
	return nil
}

// AppendEvents сохраняет пачку событий в одной транзакции.
func (j *PostgresJournal) AppendEvents(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}

	return withRetry(ctx, j.delays, func() error {
		tx, err := j.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		// Блокировка таблицы сериализует запись: номера должны идти без пропусков.
		if _, err := tx.Exec(ctx, `LOCK TABLE events IN SHARE ROW EXCLUSIVE MODE`); err != nil {
			return fmt.Errorf("lock events: %w", err)
		}

		var last int64
		if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&last); err != nil {
			return fmt.Errorf("select last seq: %w", err)
		}
		if events[0].Seq != uint64(last)+1 {
			if events[0].Seq <= uint64(last) {
				return fmt.Errorf("%w: seq %d", ErrDuplicateEvent, events[0].Seq)
			}
			return fmt.Errorf("%w: want %d, got %d", ErrOutOfOrder, last+1, events[0].Seq)
		}

		for _, e := range events {
			payload, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("marshal event %d: %w", e.Seq, err)
			}

			_, err = tx.Exec(ctx,
				`INSERT INTO events (seq, kind, actor, subject, record_id, natural_key, at, payload)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				int64(e.Seq), string(e.Kind), e.Actor[:], e.Subject[:],
				int64(e.RecordID), e.NaturalKey, e.At, payload,
			)
			if err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
					return fmt.Errorf("%w: seq %d", ErrDuplicateEvent, e.Seq)
				}
				return fmt.Errorf("insert event %d: %w", e.Seq, err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// LoadEvents возвращает не более limit событий с номером больше after в порядке номеров.
func (j *PostgresJournal) LoadEvents(ctx context.Context, after uint64, limit int) ([]model.Event, error) {
	query := `SELECT payload FROM events WHERE seq > $1 ORDER BY seq`
	args := []any{int64(after)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := j.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select events: %w", err)
	}
	defer rows.Close()

	var res []model.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		var e model.Event
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// LastSeq возвращает номер последнего сохранённого события.
func (j *PostgresJournal) LastSeq(ctx context.Context) (uint64, error) {
	var last int64
	err := j.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("select last seq: %w", err)
	}
	return uint64(last), nil
}

// SaveCursor запоминает позицию получателя name. Позиция не уменьшается.
func (j *PostgresJournal) SaveCursor(ctx context.Context, name string, seq uint64) error {
	return withRetry(ctx, j.delays, func() error {
		_, err := j.pool.Exec(ctx,
			`INSERT INTO relay_cursors (name, seq, updated_at)
			 VALUES ($1, $2, now())
			 ON CONFLICT (name) DO UPDATE
			 SET seq = EXCLUDED.seq, updated_at = EXCLUDED.updated_at
			 WHERE relay_cursors.seq < EXCLUDED.seq`,
			name, int64(seq),
		)
		if err != nil {
			return fmt.Errorf("save cursor %s: %w", name, err)
		}
		return nil
	})
}

// LoadCursor возвращает позицию получателя name или 0, если она не сохранялась.
func (j *PostgresJournal) LoadCursor(ctx context.Context, name string) (uint64, error) {
	var seq int64
	err := j.pool.QueryRow(ctx, `SELECT seq FROM relay_cursors WHERE name = $1`, name).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load cursor %s: %w", name, err)
	}
	return uint64(seq), nil
}

// withRetry повторяет fn при временных ошибках БД с паузами из delays.
func withRetry(ctx context.Context, delays []time.Duration, fn func() error) error {
	var err error

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(delays) {
			break
		}

		timer := time.NewTimer(delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}
