package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"atlasProtocol/internal/model"
)

// Schema creates the tables the store writes to.
const Schema = `
CREATE TABLE IF NOT EXISTS cvs_updates (
	sale_tx_hash     TEXT        NOT NULL,
	sale_log_index   BIGINT      NOT NULL,
	run_id           TEXT        NOT NULL,
	block_number     BIGINT      NOT NULL,
	vault_address    TEXT        NOT NULL,
	ip_id            TEXT        NOT NULL,
	licensee         TEXT        NOT NULL,
	sale_amount      NUMERIC(78,0),
	license_type     TEXT        NOT NULL,
	previous_cvs     NUMERIC(78,0),
	increment        NUMERIC(78,0),
	new_cvs          NUMERIC(78,0),
	update_tx_hash   TEXT,
	state            TEXT        NOT NULL,
	failed_at        TEXT,
	error_kind       TEXT,
	error            TEXT,
	processed_at     TIMESTAMPTZ NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (sale_tx_hash, sale_log_index)
);
CREATE INDEX IF NOT EXISTS cvs_updates_ip_id_idx ON cvs_updates (ip_id);

CREATE TABLE IF NOT EXISTS watcher_state (
	name                 TEXT PRIMARY KEY,
	last_processed_block BIGINT      NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Store provides Postgres persistence for outcomes and watcher progress.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// PutOutcome inserts or updates the outcome of one sale.
func (s *Store) PutOutcome(ctx context.Context, o model.UpdateOutcome) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cvs_updates (
			sale_tx_hash, sale_log_index, run_id, block_number, vault_address, ip_id, licensee,
			sale_amount, license_type, previous_cvs, increment, new_cvs, update_tx_hash,
			state, failed_at, error_kind, error, processed_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			NULLIF($8, '')::numeric, $9, NULLIF($10, '')::numeric, NULLIF($11, '')::numeric, NULLIF($12, '')::numeric, NULLIF($13, ''),
			$14, NULLIF($15, ''), NULLIF($16, ''), NULLIF($17, ''), $18::timestamptz, now(), now()
		)
		ON CONFLICT (sale_tx_hash, sale_log_index)
		DO UPDATE SET
			run_id = EXCLUDED.run_id,
			previous_cvs = EXCLUDED.previous_cvs,
			increment = EXCLUDED.increment,
			new_cvs = EXCLUDED.new_cvs,
			update_tx_hash = EXCLUDED.update_tx_hash,
			state = EXCLUDED.state,
			failed_at = EXCLUDED.failed_at,
			error_kind = EXCLUDED.error_kind,
			error = EXCLUDED.error,
			processed_at = EXCLUDED.processed_at,
			updated_at = now()
	`,
		o.SaleTxHash,
		int64(o.SaleLogIndex),
		o.RunID,
		int64(o.BlockNumber),
		o.VaultAddress,
		o.IPID,
		o.Licensee,
		o.SaleAmount,
		o.LicenseType,
		o.PreviousCVS,
		o.Increment,
		o.NewCVS,
		o.UpdateTxHash,
		string(o.State),
		string(o.FailedAt),
		o.ErrorKind,
		o.Error,
		o.ProcessedAt,
	)
	return err
}

// IsProcessed reports whether an outcome was recorded for the sale.
func (s *Store) IsProcessed(ctx context.Context, saleTxHash string, logIndex uint64) (bool, error) {
	var exists bool
	row := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM cvs_updates WHERE sale_tx_hash=$1 AND sale_log_index=$2)
	`, saleTxHash, int64(logIndex))
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// LoadState returns last_processed_block for a name.
func (s *Store) LoadState(ctx context.Context, name string) (uint64, bool, error) {
	if name == "" {
		return 0, false, fmt.Errorf("state name required")
	}
	var block int64
	row := s.pool.QueryRow(ctx, `SELECT last_processed_block FROM watcher_state WHERE name=$1`, name)
	if err := row.Scan(&block); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return uint64(block), true, nil
}

// SaveState upserts last_processed_block for a name.
func (s *Store) SaveState(ctx context.Context, name string, block uint64) error {
	if name == "" {
		return fmt.Errorf("state name required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO watcher_state (name, last_processed_block, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE
		SET last_processed_block = EXCLUDED.last_processed_block, updated_at = now()
	`, name, int64(block))
	return err
}
