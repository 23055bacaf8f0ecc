//go:build !sqlite_vec || !cgo

package vector

// The portable build uses the pure-Go sqlite driver.
import _ "modernc.org/sqlite"

const driverName = "sqlite"
