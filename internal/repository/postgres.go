package repository

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"

	"github.com/opensource-finance/heron/internal/domain"
)

// pqQuote quotes a lib/pq key/value connection parameter.
func pqQuote(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

// postgresDSN builds a key/value connection string for the pro tier.
// Unset values fall back to a local "heron" database without TLS.
func postgresDSN(cfg domain.RepositoryConfig) string {
	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}
	dbname := cfg.PostgresDB
	if dbname == "" {
		dbname = "heron"
	}
	sslmode := cfg.PostgresSSLMode
	if sslmode == "" {
		sslmode = "disable"
	}

	params := [][2]string{
		{"host", host},
		{"port", strconv.Itoa(port)},
		{"dbname", dbname},
		{"sslmode", sslmode},
		{"application_name", "heron"},
		{"connect_timeout", "10"},
	}
	if cfg.PostgresUser != "" {
		params = append(params, [2]string{"user", cfg.PostgresUser})
	}
	if cfg.PostgresPassword != "" {
		params = append(params, [2]string{"password", cfg.PostgresPassword})
	}

	parts := make([]string, 0, len(params))
	for _, p := range params {
		parts = append(parts, p[0]+"="+pqQuote(p[1]))
	}
	return strings.Join(parts, " ")
}

// openPostgres opens the pro tier database.
func openPostgres(cfg domain.RepositoryConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", postgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return db, nil
}
