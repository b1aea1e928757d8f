//go:build !cgo_sqlite

package sqlite

import (
	"strings"

	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

// dsn renders pragmas as modernc.org/sqlite _pragma=key(value)
// parameters.
func dsn(path string, pragmas ...pragma) string {
	if len(pragmas) == 0 {
		return path
	}
	q := make([]string, len(pragmas))
	for i, p := range pragmas {
		q[i] = "_pragma=" + p.key + "(" + p.value + ")"
	}
	return path + "?" + strings.Join(q, "&")
}
