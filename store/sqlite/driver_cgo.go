//go:build cgo_sqlite

package sqlite

import (
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

const driverName = "sqlite3"

// dsn renders pragmas as mattn/go-sqlite3 _key=value parameters.
func dsn(path string, pragmas ...pragma) string {
	if len(pragmas) == 0 {
		return path
	}
	q := make([]string, len(pragmas))
	for i, p := range pragmas {
		q[i] = "_" + p.key + "=" + p.value
	}
	return path + "?" + strings.Join(q, "&")
}
