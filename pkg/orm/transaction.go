package orm

import (
	"context"
	"slices"

	"github.com/ammar0144/orm4go/pkg/tx"
)

// Transaction runs fn as one operation on the connections of the named types, or
// of every type when none is named. Session operations called by fn join it: it
// commits when fn and all of them succeed and rolls back otherwise. Transaction-less
// types keep writing on their own connection. Each connection key commits on its
// own, innermost key first.
func (s *Session) Transaction(ctx context.Context, fn func(ctx context.Context) error, typeNames ...string) error {
	return s.guard(ctx, func() error {
		keys, err := s.transactionKeys(typeNames)
		if err != nil {
			return err
		}
		return s.within(ctx, keys, fn)
	})
}

func (s *Session) transactionKeys(typeNames []string) ([]string, error) {
	types := s.engine.reg.Types()
	if len(typeNames) > 0 {
		types = types[:0:0]
		for _, name := range typeNames {
			t, err := s.engine.reg.Type(name)
			if err != nil {
				return nil, err
			}
			types = append(types, t)
		}
	}
	var keys []string
	for _, t := range types {
		if key := connectionKey(t); !t.TransactionLess && !slices.Contains(keys, key) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func (s *Session) within(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	if len(keys) == 0 {
		return fn(ctx)
	}
	return s.coord.Run(ctx, keys[0], func(*tx.Context) error {
		return s.within(ctx, keys[1:], fn)
	})
}
