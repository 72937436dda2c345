// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = domain.ErrInvalidInput
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

func requireTenant(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	return nil
}

// SavePolicy inserts or replaces a policy.
func (r *SQLRepository) SavePolicy(ctx context.Context, tenantID string, policy *domain.PolicyRecord) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if policy.ID == "" || policy.Kind == "" {
		return fmt.Errorf("%w: policy id and kind are required", ErrInvalidInput)
	}
	if !json.Valid(policy.Body) {
		return fmt.Errorf("%w: policy body is not valid JSON", ErrInvalidInput)
	}

	now := time.Now().UTC()
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = now
	}
	policy.UpdatedAt = now

	query := `
		INSERT INTO policies (
			id, tenant_id, kind, name, description, body, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, kind, id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			body = excluded.body,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		policy.ID, tenantID, string(policy.Kind), policy.Name, policy.Description,
		string(policy.Body), policy.CreatedAt, policy.UpdatedAt,
	)
	return err
}

// GetPolicy retrieves a policy by kind and id.
func (r *SQLRepository) GetPolicy(ctx context.Context, tenantID string, kind domain.PolicyKind, policyID string) (*domain.PolicyRecord, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, kind, name, description, body, created_at, updated_at
		FROM policies
		WHERE tenant_id = ? AND kind = ? AND id = ?
	`

	p, err := scanPolicy(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, string(kind), policyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// ListPolicies retrieves every policy of a kind, ordered by name.
func (r *SQLRepository) ListPolicies(ctx context.Context, tenantID string, kind domain.PolicyKind) ([]*domain.PolicyRecord, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, kind, name, description, body, created_at, updated_at
		FROM policies
		WHERE tenant_id = ? AND kind = ?
		ORDER BY name, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []*domain.PolicyRecord
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}

	return policies, rows.Err()
}

// DeletePolicy removes a policy.
func (r *SQLRepository) DeletePolicy(ctx context.Context, tenantID string, kind domain.PolicyKind, policyID string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	query := `DELETE FROM policies WHERE tenant_id = ? AND kind = ? AND id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, string(kind), policyID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (*domain.PolicyRecord, error) {
	var p domain.PolicyRecord
	var kind, body string
	var description sql.NullString

	if err := row.Scan(&p.ID, &kind, &p.Name, &description, &body, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}

	p.Kind = domain.PolicyKind(kind)
	p.Description = description.String
	p.Body = json.RawMessage(body)
	return &p, nil
}

// SaveCirculationRules replaces the tenant's rule table.
func (r *SQLRepository) SaveCirculationRules(ctx context.Context, tenantID string, rules *domain.CirculationRules) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	rules.UpdatedAt = time.Now().UTC()

	query := `
		INSERT INTO circulation_rules (tenant_id, rules_text, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			rules_text = excluded.rules_text,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, rules.Text, rules.UpdatedAt)
	return err
}

// GetCirculationRules retrieves the tenant's rule table.
func (r *SQLRepository) GetCirculationRules(ctx context.Context, tenantID string) (*domain.CirculationRules, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT rules_text, updated_at FROM circulation_rules WHERE tenant_id = ?`

	var rules domain.CirculationRules
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID).Scan(&rules.Text, &rules.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &rules, nil
}

// ListRuleTenants returns every tenant that has a stored rule table.
func (r *SQLRepository) ListRuleTenants(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT tenant_id FROM circulation_rules ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var tenant string
		if err := rows.Scan(&tenant); err != nil {
			return nil, err
		}
		tenants = append(tenants, tenant)
	}

	return tenants, rows.Err()
}

// SaveFixedDueDateSchedule inserts or replaces a schedule.
func (r *SQLRepository) SaveFixedDueDateSchedule(ctx context.Context, tenantID string, schedule *domain.FixedDueDateSchedule) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if schedule.ID == "" {
		return fmt.Errorf("%w: schedule id is required", ErrInvalidInput)
	}

	bands, err := json.Marshal(schedule.Schedules)
	if err != nil {
		return fmt.Errorf("failed to encode schedule bands: %w", err)
	}

	schedule.UpdatedAt = time.Now().UTC()

	query := `
		INSERT INTO fixed_due_date_schedules (
			id, tenant_id, name, description, schedules, updated_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			schedules = excluded.schedules,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		schedule.ID, tenantID, schedule.Name, schedule.Description, string(bands), schedule.UpdatedAt,
	)
	return err
}

// GetFixedDueDateSchedule retrieves a schedule by id.
func (r *SQLRepository) GetFixedDueDateSchedule(ctx context.Context, tenantID string, scheduleID string) (*domain.FixedDueDateSchedule, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, name, description, schedules, updated_at
		FROM fixed_due_date_schedules
		WHERE tenant_id = ? AND id = ?
	`

	var s domain.FixedDueDateSchedule
	var description sql.NullString
	var bands string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, scheduleID).Scan(
		&s.ID, &s.Name, &description, &bands, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	s.Description = description.String
	if err := json.Unmarshal([]byte(bands), &s.Schedules); err != nil {
		return nil, fmt.Errorf("failed to parse schedule bands for %s: %w", s.ID, err)
	}

	return &s, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
