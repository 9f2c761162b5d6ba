// Package cache is the shared cache boundary: a byte-valued key store whose keys
// depend on named regions, so touching a region drops every dependent key.
package cache

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Cache stores encoded result rows. Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns the value and whether it was present
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Insert stores value under key, making it depend on every given region
	Insert(ctx context.Context, key string, value []byte, regions ...string) error
	Remove(ctx context.Context, key string) error
	ContainsKey(ctx context.Context, key string) (bool, error)
	// InvalidateRegion removes every key depending on region
	InvalidateRegion(ctx context.Context, region string) error
}

// Nop caches nothing
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (Nop) Insert(context.Context, string, []byte, ...string) error { return nil }
func (Nop) Remove(context.Context, string) error { return nil }
func (Nop) ContainsKey(context.Context, string) (bool, error) { return false, nil }
func (Nop) InvalidateRegion(context.Context, string) error { return nil }

const keyPrefix = "orm4go"

// EntityKey is the key of a single row loaded by id
func EntityKey(typeName string, id any) string {
	return fmt.Sprintf("%s:%s:id:%v", keyPrefix, typeName, id)
}

// QueryKey is the key of the rows returned by a statement
func QueryKey(typeName, sql string) string {
	return keyPrefix + ":" + typeName + ":q:" + strconv.FormatUint(xxhash.Sum64String(sql), 16)
}
