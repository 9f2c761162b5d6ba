package cache

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// EncodeRows serializes result rows for storage
func EncodeRows(rows []map[string]any) ([]byte, error) {
	data, err := msgpack.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rows: %w", err)
	}
	return data, nil
}

// DecodeRows restores rows written by EncodeRows. Integers come back as int64 or
// uint64 and floats as float64.
func DecodeRows(data []byte) ([]map[string]any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	var rows []map[string]any
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to decode rows: %w", err)
	}
	return rows, nil
}
