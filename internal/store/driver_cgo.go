//go:build cgo_sqlite && cgo

package store

import (
	"net/url"

	_ "github.com/mattn/go-sqlite3"
)

const driverName = "sqlite3"

func dsn(path string) string {
	return "file:" + (&url.URL{Path: path}).EscapedPath() + "?_busy_timeout=3000"
}
