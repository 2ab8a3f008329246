package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/loomworks/loom/pkg/api"
)

// SQLiteStore is a TemplateStore + InstanceStore backed by SQLite.
//
// It expects an *sql.DB opened with a SQLite driver (for example
// "modernc.org/sqlite"). The caller is responsible for importing the
// driver:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ TemplateStore = (*SQLiteStore)(nil)
	_ InstanceStore = (*SQLiteStore)(nil)
)

// NewSQLiteStore initializes the required schema and returns the store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS templates (
			id TEXT NOT NULL,
			version INTEGER NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			tags BLOB,
			inputs BLOB,
			steps BLOB,
			published_at INTEGER NOT NULL,
			PRIMARY KEY (id, version)
		);
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			template_id TEXT NOT NULL,
			template_version INTEGER NOT NULL,
			owner TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			inputs BLOB,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_instances_template ON instances(template_id);`,
	)
	return err
}

func (s *SQLiteStore) SaveTemplate(ctx context.Context, tpl *api.WorkflowTemplate) error {
	tags, err := EncodeAs(tpl.Tags)
	if err != nil {
		return err
	}
	inputs, err := EncodeAs(tpl.Inputs)
	if err != nil {
		return err
	}
	steps, err := EncodeAs(tpl.Steps)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO templates (id, version, name, description, category, tags, inputs, steps, published_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tpl.ID,
		tpl.Version,
		tpl.Name,
		tpl.Description,
		tpl.Category,
		tags,
		inputs,
		steps,
		tpl.PublishedAt.UnixNano(),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrVersionExists
	}
	return err
}

func (s *SQLiteStore) GetTemplate(ctx context.Context, id string, version int) (*api.WorkflowTemplate, error) {
	var row *sql.Row
	if version > 0 {
		row = s.db.QueryRowContext(ctx, `
			SELECT id, version, name, description, category, tags, inputs, steps, published_at
			FROM templates
			WHERE id = ? AND version = ?`, id, version)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT id, version, name, description, category, tags, inputs, steps, published_at
			FROM templates
			WHERE id = ?
			ORDER BY version DESC
			LIMIT 1`, id)
	}
	tpl, err := scanTemplate(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTemplateNotFound
		}
		return nil, err
	}
	return tpl, nil
}

func (s *SQLiteStore) LatestVersion(ctx context.Context, id string) (int, error) {
	var latest int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM templates WHERE id = ?`, id,
	).Scan(&latest)
	return latest, err
}

func (s *SQLiteStore) ListTemplates(ctx context.Context, f api.TemplateFilter) ([]*api.WorkflowTemplate, error) {
	// Latest version per template line; tag filtering happens in Go since
	// tags are stored as an opaque blob.
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.version, t.name, t.description, t.category, t.tags, t.inputs, t.steps, t.published_at
		FROM templates t
		JOIN (SELECT id, MAX(version) AS version FROM templates GROUP BY id) latest
		  ON t.id = latest.id AND t.version = latest.version
		ORDER BY t.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.WorkflowTemplate
	for rows.Next() {
		tpl, err := scanTemplate(rows.Scan)
		if err != nil {
			return nil, err
		}
		if matchTemplate(tpl, f) {
			out = append(out, tpl)
		}
	}
	return out, rows.Err()
}

func scanTemplate(scan func(dest ...any) error) (*api.WorkflowTemplate, error) {
	var (
		tpl         api.WorkflowTemplate
		tags        []byte
		inputs      []byte
		steps       []byte
		publishedAt int64
	)
	if err := scan(&tpl.ID, &tpl.Version, &tpl.Name, &tpl.Description, &tpl.Category,
		&tags, &inputs, &steps, &publishedAt); err != nil {
		return nil, err
	}

	var err error
	if tpl.Tags, err = DecodeAs[[]string](tags); err != nil {
		return nil, err
	}
	if tpl.Inputs, err = DecodeAs[[]api.InputSpec](inputs); err != nil {
		return nil, err
	}
	if tpl.Steps, err = DecodeAs[[]api.StepSpec](steps); err != nil {
		return nil, err
	}
	tpl.PublishedAt = time.Unix(0, publishedAt)
	return &tpl, nil
}

func (s *SQLiteStore) SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	inputs, err := EncodeAny(inst.Inputs)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO instances (id, template_id, template_version, owner, status, inputs, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inst.ID,
		inst.TemplateID,
		inst.TemplateVersion,
		inst.Owner,
		string(inst.Status),
		inputs,
		inst.CreatedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) UpdateInstanceStatus(ctx context.Context, id string, status api.InstanceStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, template_id, template_version, owner, status, inputs, created_at
		FROM instances
		WHERE id = ?`, id)

	inst, err := scanInstance(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return inst, nil
}

func (s *SQLiteStore) ListInstances(ctx context.Context, f api.InstanceFilter) ([]*api.WorkflowInstance, error) {
	query := `
		SELECT id, template_id, template_version, owner, status, inputs, created_at
		FROM instances`
	var (
		args    []any
		clauses []string
	)
	if f.TemplateID != "" {
		clauses = append(clauses, "template_id = ?")
		args = append(args, f.TemplateID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func scanInstance(scan func(dest ...any) error) (*api.WorkflowInstance, error) {
	var (
		inst      api.WorkflowInstance
		status    string
		inputs    []byte
		createdAt int64
	)
	if err := scan(&inst.ID, &inst.TemplateID, &inst.TemplateVersion, &inst.Owner,
		&status, &inputs, &createdAt); err != nil {
		return nil, err
	}

	inst.Status = api.InstanceStatus(status)
	inst.CreatedAt = time.Unix(0, createdAt)

	val, err := DecodeAny(inputs)
	if err != nil {
		return nil, err
	}
	if val != nil {
		m, ok := val.(map[string]any)
		if !ok {
			return nil, errors.New("instance inputs: unexpected payload type")
		}
		inst.Inputs = m
	}
	return &inst, nil
}
