//go:build sqlite_vec && cgo

package vector

// The accelerated build registers the sqlite-vec extension with the cgo
// driver. Queries fall back to the same SQL; the extension speeds up distance
// computation for large libraries.
import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

const driverName = "sqlite3"

func init() {
	vec.Auto()
}
