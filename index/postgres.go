package index

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/vinizap/lumi/mirror/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Postgres keeps the index in a resources table.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects, applies pending migrations and pings the database.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	if err := Migrate(databaseURL); err != nil {
		return nil, err
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// migrateURL rewrites a postgres URL to the scheme of the pgx/v5 migrate driver.
func migrateURL(databaseURL string) string {
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(databaseURL, scheme) {
			return "pgx5://" + strings.TrimPrefix(databaseURL, scheme)
		}
	}
	return databaseURL
}

// Migrate applies the embedded schema migrations.
func Migrate(databaseURL string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(databaseURL))
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	version, _, _ := m.Version()
	log.Info().Uint("version", version).Msg("index schema up to date")
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Type() string { return "postgres" }

const columns = `id, file_key, node_id, name, file_name, url, last_synced_revision, assets, added_at, updated_at`

func scanResource(row pgx.Row) (*domain.Resource, error) {
	var rec domain.Resource
	var assets []byte
	err := row.Scan(&rec.ID, &rec.FileKey, &rec.NodeID, &rec.Name, &rec.FileName, &rec.URL,
		&rec.LastSyncedRevision, &assets, &rec.AddedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(assets) > 0 {
		if err := json.Unmarshal(assets, &rec.Assets); err != nil {
			return nil, fmt.Errorf("decode assets of %s: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

func (p *Postgres) Create(ctx context.Context, rec *domain.Resource) error {
	assets, err := json.Marshal(rec.Assets)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO resources (`+columns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.FileKey, rec.NodeID, rec.Name, rec.FileName, rec.URL,
		rec.LastSyncedRevision, assets, rec.AddedAt, rec.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return fmt.Errorf("%w: %s", ErrExists, rec.ID)
	}
	if err != nil {
		return fmt.Errorf("insert resource: %w", err)
	}
	return nil
}

func (p *Postgres) Update(ctx context.Context, rec *domain.Resource) error {
	assets, err := json.Marshal(rec.Assets)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE resources SET file_key = $2, node_id = $3, name = $4, file_name = $5, url = $6,
		 last_synced_revision = $7, assets = $8, updated_at = $9 WHERE id = $1`,
		rec.ID, rec.FileKey, rec.NodeID, rec.Name, rec.FileName, rec.URL,
		rec.LastSyncedRevision, assets, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update resource: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, rec.ID)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id string) (*domain.Resource, error) {
	rec, err := scanResource(p.pool.QueryRow(ctx, `SELECT `+columns+` FROM resources WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get resource: %w", err)
	}
	return rec, nil
}

func (p *Postgres) List(ctx context.Context) ([]*domain.Resource, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+columns+` FROM resources ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	defer rows.Close()

	out := []*domain.Resource{}
	for rows.Next() {
		rec, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) Remove(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM resources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete resource: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
