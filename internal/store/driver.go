//go:build !cgo_sqlite || !cgo

package store

import (
	"net/url"

	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

func dsn(path string) string {
	return "file:" + (&url.URL{Path: path}).EscapedPath() + "?_pragma=busy_timeout(3000)"
}
