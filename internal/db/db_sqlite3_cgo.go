//go:build cgo && sqlite3_cgo

package db

// cgo driver, opt-in via the sqlite3_cgo build tag.
import (
	_ "github.com/mattn/go-sqlite3"
)

const driverID = "mattn/go-sqlite3"
const driverName = "sqlite3"
