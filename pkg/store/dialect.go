package store

import (
	"strconv"
	"strings"
)

// Dialect captures the differences between the SQL backends the store runs on.
type Dialect struct {
	Name string
	// Numbered rewrites "?" placeholders into "$1, $2, ...".
	Numbered bool
	// SkipLocked enables SELECT ... FOR UPDATE SKIP LOCKED when claiming rows.
	SkipLocked bool
}

var (
	Postgres = Dialect{Name: "postgres", Numbered: true, SkipLocked: true}
	SQLite   = Dialect{Name: "sqlite"}
)

// Rebind converts a query written with "?" placeholders for this dialect.
func (d Dialect) Rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
