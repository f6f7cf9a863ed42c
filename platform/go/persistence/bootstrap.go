package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	sqlassets "github.com/Opetushallitus/varda-reporting/database"
)

// BootstrapSchema creates the schema (if missing) and applies the embedded DDL in a
// single transaction with search_path set to that schema, in this order:
//  1. registry/entities.sql
//  2. registry/history.sql
//  3. reporting/reporting.sql
//  4. reporting/telemetry.sql
//
// Every statement is idempotent so the helper is safe for CLI bootstrap and tests.
func BootstrapSchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if pool == nil {
		return fmt.Errorf("bootstrap schema: pool is required")
	}
	if strings.TrimSpace(schema) == "" {
		return fmt.Errorf("bootstrap schema: schema is required")
	}

	var statements []string
	for _, src := range []string{
		sqlassets.RegistryEntitiesSQL,
		sqlassets.RegistryHistorySQL,
		sqlassets.ReportingSQL,
		sqlassets.TelemetrySQL,
	} {
		statements = append(statements, splitStatements(src)...)
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if _, err := tx.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize()); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT set_config('search_path', $1, true)`, schema); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}

	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply ddl: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// splitStatements breaks a DDL file on semicolons and drops chunks that hold only comments.
func splitStatements(src string) []string {
	raw := strings.Split(src, ";")
	out := make([]string, 0, len(raw))
	for _, chunk := range raw {
		if !hasSQL(chunk) {
			continue
		}
		out = append(out, strings.TrimSpace(chunk))
	}
	return out
}

func hasSQL(chunk string) bool {
	for _, line := range strings.Split(chunk, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		return true
	}
	return false
}
