package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/api"
)

// PostgresLedger persists transitions in PostgreSQL. The caller
// supplies an *sql.DB opened with a Postgres driver; this package does
// not import one.
//
// Appends use the same conditional scheme as the SQLite ledger: a
// transactional MAX(seq)+1 insert under a (execution_id, seq) primary
// key, with the lease carried on the executions side table.
type PostgresLedger struct {
	db *sql.DB
}

var _ Ledger = (*PostgresLedger)(nil)

func NewPostgresLedger(db *sql.DB) (*PostgresLedger, error) {
	l := &PostgresLedger{db: db}
	if err := l.initSchema(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *PostgresLedger) initSchema() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS transitions (
			execution_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			at BIGINT NOT NULL,
			type TEXT NOT NULL,
			instance_id TEXT NOT NULL DEFAULT '',
			template_id TEXT NOT NULL DEFAULT '',
			template_version BIGINT NOT NULL DEFAULT 0,
			step_id TEXT NOT NULL DEFAULT '',
			attempt BIGINT NOT NULL DEFAULT 0,
			output BYTEA,
			detail TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (execution_id, seq)
		);
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			active BOOLEAN NOT NULL DEFAULT FALSE,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_executions_active ON executions(active);`,
	)
	return err
}

func (l *PostgresLedger) Append(ctx context.Context, t *api.Transition) (int, error) {
	output, err := store.EncodeAny(t.Output)
	if err != nil {
		return 0, err
	}

	at := t.At
	if at.IsZero() {
		at = time.Now()
		t.At = at
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM transitions WHERE execution_id = $1`,
		t.ExecutionID,
	).Scan(&seq); err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transitions (execution_id, seq, at, type, instance_id, template_id, template_version, step_id, attempt, output, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ExecutionID,
		seq,
		at.UnixNano(),
		string(t.Type),
		t.InstanceID,
		t.TemplateID,
		t.TemplateVersion,
		t.StepID,
		t.Attempt,
		output,
		t.Detail,
	); err != nil {
		return 0, err
	}

	active := !t.Type.Terminal()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO executions (id, active) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET active = EXCLUDED.active`,
		t.ExecutionID, active,
	); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	t.Seq = seq
	return seq, nil
}

func (l *PostgresLedger) History(ctx context.Context, executionID string) ([]api.Transition, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT execution_id, seq, at, type, instance_id, template_id, template_version, step_id, attempt, output, detail
		FROM transitions
		WHERE execution_id = $1
		ORDER BY seq ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Transition
	for rows.Next() {
		var (
			t      api.Transition
			atN    int64
			typ    string
			output []byte
		)
		if err := rows.Scan(&t.ExecutionID, &t.Seq, &atN, &typ, &t.InstanceID,
			&t.TemplateID, &t.TemplateVersion, &t.StepID, &t.Attempt, &output, &t.Detail); err != nil {
			return nil, err
		}
		t.At = time.Unix(0, atN)
		t.Type = api.TransitionType(typ)

		val, err := store.DecodeAny(output)
		if err != nil {
			return nil, err
		}
		t.Output = val
		out = append(out, t)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) ListActive(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id FROM executions WHERE active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) TryAcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()

	// The lease row may predate the first append.
	if _, err := l.db.ExecContext(ctx, `
		INSERT INTO executions (id, active) VALUES ($1, FALSE)
		ON CONFLICT (id) DO NOTHING`, executionID); err != nil {
		return false, err
	}

	res, err := l.db.ExecContext(ctx, `
		UPDATE executions
		SET lease_owner = $1, lease_expires_at = $2
		WHERE id = $3
		AND (lease_owner = '' OR lease_expires_at <= $4 OR lease_owner = $1)`,
		owner, now.Add(ttl).UnixNano(), executionID, now.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (l *PostgresLedger) RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE executions
		SET lease_expires_at = $1
		WHERE id = $2 AND lease_owner = $3`,
		time.Now().Add(ttl).UnixNano(), executionID, owner,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (l *PostgresLedger) ReleaseLease(ctx context.Context, executionID, owner string) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE executions
		SET lease_owner = '', lease_expires_at = 0
		WHERE id = $1 AND lease_owner = $2`,
		executionID, owner,
	)
	return err
}
