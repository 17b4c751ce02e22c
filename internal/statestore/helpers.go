package statestore

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// sqlxGet runs a single-row query against ext, tolerating either the pool or
// an in-flight transaction (both implement sqlx.ExtContext).
func sqlxGet(ctx context.Context, ext sqlx.ExtContext, dest interface{}, query string, args ...interface{}) error {
	return sqlx.GetContext(ctx, ext, dest, ext.Rebind(query), args...)
}

// sqlxSelect runs a multi-row query against ext.
func sqlxSelect(ctx context.Context, ext sqlx.ExtContext, dest interface{}, query string, args ...interface{}) error {
	return sqlx.SelectContext(ctx, ext, dest, ext.Rebind(query), args...)
}

// sqlxNamedExec runs a named-parameter insert/update against ext.
func sqlxNamedExec(ctx context.Context, ext sqlx.ExtContext, query string, arg interface{}) error {
	_, err := sqlx.NamedExecContext(ctx, ext, query, arg)
	return err
}

// pqStringArray adapts a []string for a Postgres ANY($n) clause.
func pqStringArray(values []string) interface{} {
	return pq.Array(values)
}

// buildSetClause renders fields as a deterministic "col = $N, ..." clause
// for an UPDATE statement, with positional placeholders starting at
// startIdx, and returns the matching argument slice in the same order.
func buildSetClause(fields map[string]interface{}, startIdx int) (string, []interface{}) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	// Deterministic order keeps generated SQL stable across calls, which
	// matters for log readability and for tests asserting exact queries.
	sortStrings(keys)

	clause := ""
	args := make([]interface{}, 0, len(fields))
	idx := startIdx
	for i, k := range keys {
		if i > 0 {
			clause += ", "
		}
		clause += fmt.Sprintf("%s = $%d", k, idx)
		args = append(args, fields[k])
		idx++
	}
	return clause, args
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
