package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/loomworks/loom/pkg/api"
)

// PostgresStore is a TemplateStore + InstanceStore backed by PostgreSQL.
// The caller supplies an *sql.DB opened with a Postgres driver; this
// package does not import one.
type PostgresStore struct {
	db *sql.DB
}

var (
	_ TemplateStore = (*PostgresStore)(nil)
	_ InstanceStore = (*PostgresStore)(nil)
)

func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS templates (
			id TEXT NOT NULL,
			version BIGINT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			tags BYTEA,
			inputs BYTEA,
			steps BYTEA,
			published_at BIGINT NOT NULL,
			PRIMARY KEY (id, version)
		);
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			template_id TEXT NOT NULL,
			template_version BIGINT NOT NULL,
			owner TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			inputs BYTEA,
			created_at BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_instances_template ON instances(template_id);`,
	)
	return err
}

func (s *PostgresStore) SaveTemplate(ctx context.Context, tpl *api.WorkflowTemplate) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
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
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return ErrVersionExists
	}
	return err
}

func (s *PostgresStore) GetTemplate(ctx context.Context, id string, version int) (*api.WorkflowTemplate, error) {
	var row *sql.Row
	if version > 0 {
		row = s.db.QueryRowContext(ctx, `
			SELECT id, version, name, description, category, tags, inputs, steps, published_at
			FROM templates
			WHERE id = $1 AND version = $2`, id, version)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT id, version, name, description, category, tags, inputs, steps, published_at
			FROM templates
			WHERE id = $1
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

func (s *PostgresStore) LatestVersion(ctx context.Context, id string) (int, error) {
	var latest int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM templates WHERE id = $1`, id,
	).Scan(&latest)
	return latest, err
}

func (s *PostgresStore) ListTemplates(ctx context.Context, f api.TemplateFilter) ([]*api.WorkflowTemplate, error) {
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

func (s *PostgresStore) SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	inputs, err := EncodeAny(inst.Inputs)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO instances (id, template_id, template_version, owner, status, inputs, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
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

func (s *PostgresStore) UpdateInstanceStatus(ctx context.Context, id string, status api.InstanceStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET status = $1 WHERE id = $2`, string(status), id)
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

func (s *PostgresStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, template_id, template_version, owner, status, inputs, created_at
		FROM instances
		WHERE id = $1`, id)

	inst, err := scanInstance(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return inst, nil
}

func (s *PostgresStore) ListInstances(ctx context.Context, f api.InstanceFilter) ([]*api.WorkflowInstance, error) {
	query := `
		SELECT id, template_id, template_version, owner, status, inputs, created_at
		FROM instances`
	var (
		args    []any
		clauses []string
	)
	if f.TemplateID != "" {
		args = append(args, f.TemplateID)
		clauses = append(clauses, "template_id = $1")
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		if len(args) == 2 {
			clauses = append(clauses, "status = $2")
		} else {
			clauses = append(clauses, "status = $1")
		}
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
