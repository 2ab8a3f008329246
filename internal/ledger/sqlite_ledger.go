package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/api"
)

// SQLiteLedger persists transitions in SQLite.
//
// Appends run inside a transaction that computes the next sequence
// number and inserts under a (execution_id, seq) primary key, so two
// contending writers cannot both commit the same position. The
// executions side table tracks the active flag for the recovery scan
// and carries the writer lease.
type SQLiteLedger struct {
	db *sql.DB
}

var _ Ledger = (*SQLiteLedger)(nil)

func NewSQLiteLedger(db *sql.DB) (*SQLiteLedger, error) {
	l := &SQLiteLedger{db: db}
	if err := l.initSchema(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLedger) initSchema() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS transitions (
			execution_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			at INTEGER NOT NULL,
			type TEXT NOT NULL,
			instance_id TEXT NOT NULL DEFAULT '',
			template_id TEXT NOT NULL DEFAULT '',
			template_version INTEGER NOT NULL DEFAULT 0,
			step_id TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 0,
			output BLOB,
			detail TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (execution_id, seq)
		);
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			active INTEGER NOT NULL DEFAULT 0,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_executions_active ON executions(active);`,
	)
	return err
}

func (l *SQLiteLedger) Append(ctx context.Context, t *api.Transition) (int, error) {
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
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM transitions WHERE execution_id = ?`,
		t.ExecutionID,
	).Scan(&seq); err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transitions (execution_id, seq, at, type, instance_id, template_id, template_version, step_id, attempt, output, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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

	active := 1
	if t.Type.Terminal() {
		active = 0
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO executions (id, active) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET active = excluded.active`,
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

func (l *SQLiteLedger) History(ctx context.Context, executionID string) ([]api.Transition, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT execution_id, seq, at, type, instance_id, template_id, template_version, step_id, attempt, output, detail
		FROM transitions
		WHERE execution_id = ?
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

func (l *SQLiteLedger) ListActive(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id FROM executions WHERE active = 1 ORDER BY id`)
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

func (l *SQLiteLedger) TryAcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()

	// The lease row may predate the first append.
	if _, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO executions (id, active) VALUES (?, 0)`, executionID); err != nil {
		return false, err
	}

	res, err := l.db.ExecContext(ctx, `
		UPDATE executions
		SET lease_owner = ?, lease_expires_at = ?
		WHERE id = ?
		AND (lease_owner = '' OR lease_expires_at <= ? OR lease_owner = ?)`,
		owner, now.Add(ttl).UnixNano(), executionID, now.UnixNano(), owner,
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

func (l *SQLiteLedger) RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE executions
		SET lease_expires_at = ?
		WHERE id = ? AND lease_owner = ?`,
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

func (l *SQLiteLedger) ReleaseLease(ctx context.Context, executionID, owner string) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE executions
		SET lease_owner = '', lease_expires_at = 0
		WHERE id = ? AND lease_owner = ?`,
		executionID, owner,
	)
	return err
}
