//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

// Registers the sqlite-vec extension with every new connection so vec0
// virtual tables are available to detectVecExtension.
func init() {
	vec.Auto()
}
