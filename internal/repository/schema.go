package repository

// Schema definitions for Heron database.
// Compatible with both SQLite and PostgreSQL.

// schemaPolicies stores every policy kind in one table. The body column
// holds the kind-specific JSON document.
const schemaPolicies = `
CREATE TABLE IF NOT EXISTS policies (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    body TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, kind, id)
);

CREATE INDEX IF NOT EXISTS idx_policies_kind ON policies(tenant_id, kind, name);
`

const schemaCirculationRules = `
CREATE TABLE IF NOT EXISTS circulation_rules (
    tenant_id TEXT PRIMARY KEY,
    rules_text TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaFixedDueDateSchedules = `
CREATE TABLE IF NOT EXISTS fixed_due_date_schedules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    schedules TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaPolicies,
		schemaCirculationRules,
		schemaFixedDueDateSchedules,
	}
}
