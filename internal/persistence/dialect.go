package persistence

import (
	"strconv"
	"strings"
)

// Dialect captures the differences between the SQL databases supported by
// SQLStore and the SQL task queue. Queries are written with '?' placeholders
// and rebound.
type Dialect struct {
	name string
	// numbered placeholders ($1, $2, ...) instead of '?'.
	numbered bool
	blob     string
}

var (
	SQLiteDialect   = Dialect{name: "sqlite", blob: "BLOB"}
	PostgresDialect = Dialect{name: "postgres", numbered: true, blob: "BYTEA"}
)

func (d Dialect) Name() string { return d.name }

// Placeholder returns the placeholder for the 1-based argument index.
func (d Dialect) Placeholder(index int) string {
	if d.numbered {
		return "$" + strconv.Itoa(index)
	}
	return "?"
}

// Rebind rewrites '?' placeholders into the dialect's form.
func (d Dialect) Rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(d.Placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// DDL substitutes dialect-specific column types into a schema statement.
func (d Dialect) DDL(stmt string) string {
	return strings.ReplaceAll(stmt, "{{BLOB}}", d.blob)
}
