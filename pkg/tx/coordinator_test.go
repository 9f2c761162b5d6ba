package tx

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ammar0144/orm4go/pkg/cache"
	"github.com/ammar0144/orm4go/pkg/db"
	"github.com/ammar0144/orm4go/pkg/entity"
	"github.com/ammar0144/orm4go/pkg/schema"
)

// fakeStore records what happens on its connections
type fakeStore struct {
	opens, closes      int
	begins             int
	commits, rollbacks int
	statements         []string
	failOn             string
	failCommit         bool
}

func (s *fakeStore) Open(context.Context) (db.Conn, error) {
	s.opens++
	return &fakeConn{store: s}, nil
}

type fakeConn struct {
	store *fakeStore
	inTx  bool
}

func (c *fakeConn) run(sql string) error {
	c.store.statements = append(c.store.statements, sql)
	if c.store.failOn != "" && sql == c.store.failOn {
		return errors.New("constraint violation")
	}
	return nil
}

func (c *fakeConn) Exec(_ context.Context, sql string) (int64, error) { return 1, c.run(sql) }
func (c *fakeConn) Query(_ context.Context, sql string) ([]db.Row, error) {
	return []db.Row{{"x": int64(1)}}, c.run(sql)
}
func (c *fakeConn) Scalar(_ context.Context, sql string) (any, error) { return int64(1), c.run(sql) }
func (c *fakeConn) Begin(context.Context) error {
	c.store.begins++
	c.inTx = true
	return nil
}
func (c *fakeConn) Commit() error {
	c.inTx = false
	if c.store.failCommit {
		return errors.New("serialization failure")
	}
	c.store.commits++
	return nil
}
func (c *fakeConn) Rollback() error {
	c.inTx = false
	c.store.rollbacks++
	return nil
}
func (c *fakeConn) InTransaction() bool { return c.inTx }
func (c *fakeConn) Close() error {
	c.store.closes++
	return nil
}

func newCoordinator(t *testing.T, opts ...Option) (*Coordinator, *fakeStore) {
	t.Helper()
	store := &fakeStore{}
	opts = append(opts, WithLogger(zaptest.NewLogger(t)))
	return NewCoordinator(map[string]db.Store{"main": store}, opts...), store
}

func TestContext_DepthInvariant(t *testing.T) {
	co, store := newCoordinator(t)
	ctx := context.Background()
	tc, err := co.Context("main")
	require.NoError(t, err)

	const n = 5
	for i := 0; i < n; i++ {
		require.NoError(t, tc.Begin(ctx))
		assert.Equal(t, i+1, tc.Depth())
	}
	assert.Equal(t, 1, store.opens, "only the outermost operation opens a connection")
	assert.Equal(t, 1, store.begins)

	for i := n; i > 0; i-- {
		require.NoError(t, tc.Finalize(ctx, false))
		require.NoError(t, tc.End())
		assert.Equal(t, i-1, tc.Depth())
	}
	assert.Equal(t, 1, store.commits)
	assert.Equal(t, 1, store.closes)
	assert.False(t, tc.Active())

	assert.Panics(t, func() { _ = tc.End() })
}

func TestRun_CommitInvalidatesRegions(t *testing.T) {
	mem := cache.NewMemory(0, 0)
	ctx := context.Background()
	require.NoError(t, mem.Insert(ctx, "k1", []byte("1"), "Person"))
	require.NoError(t, mem.Insert(ctx, "k2", []byte("2"), "Pet"))

	co, store := newCoordinator(t, WithCache(mem))
	committed := false
	err := co.Run(ctx, "main", func(tc *Context) error {
		tc.MarkInvalidate("Person", "Person")
		tc.OnCommit(func(context.Context) { committed = true })
		_, err := tc.Exec(ctx, "UPDATE person")
		return err
	})
	require.NoError(t, err)

	assert.True(t, committed)
	assert.Equal(t, 1, store.commits)
	ok, _ := mem.ContainsKey(ctx, "k1")
	assert.False(t, ok)
	ok, _ = mem.ContainsKey(ctx, "k2")
	assert.True(t, ok)
	assert.Equal(t, 0, co.Depth("main"))
}

func TestRun_NestedFailureRollsBack(t *testing.T) {
	mem := cache.NewMemory(0, 0)
	ctx := context.Background()
	require.NoError(t, mem.Insert(ctx, "k1", []byte("1"), "Person"))

	co, store := newCoordinator(t, WithCache(mem))
	store.failOn = "INSERT pet"

	var order []string
	err := co.Run(ctx, "main", func(tc *Context) error {
		tc.MarkInvalidate("Person")
		tc.OnRollback(func(context.Context) { order = append(order, "outer") })
		if _, err := tc.Exec(ctx, "INSERT person"); err != nil {
			return err
		}
		return co.Run(ctx, "main", func(inner *Context) error {
			assert.Same(t, tc, inner)
			assert.Equal(t, 2, inner.Depth())
			inner.OnRollback(func(context.Context) { order = append(order, "inner") })
			_, err := inner.Exec(ctx, "INSERT pet")
			return err
		})
	})

	require.Error(t, err)
	assert.True(t, db.IsOperation(err))
	var op *db.OperationError
	require.ErrorAs(t, err, &op)
	assert.Equal(t, "INSERT pet", op.SQL)

	assert.Equal(t, 0, store.commits)
	assert.Equal(t, 1, store.rollbacks)
	assert.Equal(t, 1, store.closes)
	assert.Equal(t, []string{"inner", "outer"}, order)
	ok, _ := mem.ContainsKey(ctx, "k1")
	assert.True(t, ok, "regions are only dropped on commit")
}

func TestRun_SwallowedNestedFailure(t *testing.T) {
	co, store := newCoordinator(t)
	ctx := context.Background()
	store.failOn = "INSERT pet"

	committed := false
	err := co.Run(ctx, "main", func(tc *Context) error {
		tc.OnCommit(func(context.Context) { committed = true })
		if _, err := tc.Exec(ctx, "INSERT person"); err != nil {
			return err
		}
		_ = co.Run(ctx, "main", func(inner *Context) error {
			_, err := inner.Exec(ctx, "INSERT pet")
			return err
		})
		return nil
	})

	require.ErrorIs(t, err, ErrRolledBack)
	var op *db.OperationError
	require.ErrorAs(t, err, &op)
	assert.Equal(t, "INSERT pet", op.SQL)
	assert.False(t, committed)
	assert.Equal(t, 0, store.commits)
	assert.Equal(t, 1, store.rollbacks)
	assert.Equal(t, 0, co.Depth("main"))

	store.failOn = ""
	require.NoError(t, co.Run(ctx, "main", func(tc *Context) error {
		_, err := tc.Exec(ctx, "INSERT person")
		return err
	}), "the next operation starts clean")
	assert.Equal(t, 1, store.commits)
}

func TestRun_InvalidForeignKeys(t *testing.T) {
	reg := schema.NewRegistry().MustRegister(
		schema.NewType("Pet").Key("Id", schema.KindInt).Column("Name", schema.KindString).MustBuild(),
	).MustSeal()
	pet := entity.New(reg.MustType("Pet"))
	require.NoError(t, pet.SetID(7))

	co, store := newCoordinator(t)
	err := co.Run(context.Background(), "main", func(tc *Context) error {
		tc.RegisterInvalid(pet)
		tc.RegisterInvalid(pet)
		assert.Len(t, tc.Invalid(), 1)
		return nil
	})

	require.ErrorIs(t, err, ErrInvalidForeignKeys)
	var ife *InvalidForeignKeysError
	require.ErrorAs(t, err, &ife)
	assert.Equal(t, []*entity.Entity{pet}, ife.Entities)
	assert.Contains(t, err.Error(), "Pet(7)")
	assert.Equal(t, 1, store.rollbacks)
	assert.Equal(t, 0, store.commits)
}

func TestRun_CommitFailure(t *testing.T) {
	co, store := newCoordinator(t)
	store.failCommit = true
	rolledBack := false

	err := co.Run(context.Background(), "main", func(tc *Context) error {
		tc.OnRollback(func(context.Context) { rolledBack = true })
		return nil
	})
	assert.True(t, db.IsOperation(err))
	assert.True(t, rolledBack)
	assert.Equal(t, 1, store.closes)
}

func TestRun_PanicReleasesConnection(t *testing.T) {
	co, store := newCoordinator(t)
	assert.Panics(t, func() {
		_ = co.Run(context.Background(), "main", func(*Context) error { panic("boom") })
	})
	assert.Equal(t, 1, store.rollbacks)
	assert.Equal(t, 1, store.closes)
	assert.Equal(t, 0, co.Depth("main"))
}

func TestContext_ReadsOutsideOperation(t *testing.T) {
	co, store := newCoordinator(t)
	tc, err := co.Context("main")
	require.NoError(t, err)
	ctx := context.Background()

	rows, err := tc.Query(ctx, "SELECT 1")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	v, err := tc.Scalar(ctx, "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	assert.Equal(t, 2, store.opens)
	assert.Equal(t, 2, store.closes)
	assert.Zero(t, store.begins)

	_, err = tc.Exec(ctx, "DELETE x")
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestDetached(t *testing.T) {
	co, store := newCoordinator(t)
	ctx := context.Background()

	err := co.Run(ctx, "main", func(tc *Context) error {
		require.NoError(t, co.Detached(ctx, "main", func(ex Executor) error {
			_, err := ex.Exec(ctx, "INSERT log")
			return err
		}))
		return errors.New("business failure")
	})
	require.Error(t, err)
	assert.Equal(t, 2, store.opens)
	assert.Equal(t, 1, store.begins, "the detached connection has no transaction")
	assert.Contains(t, store.statements, "INSERT log")

	_, err = co.Context("audit")
	assert.ErrorIs(t, err, ErrUnknownConnection)
	assert.ErrorIs(t, co.Detached(ctx, "audit", func(Executor) error { return nil }), ErrUnknownConnection)
}

func TestCoordinator_Close(t *testing.T) {
	co, store := newCoordinator(t)
	tc, _ := co.Context("main")
	require.NoError(t, tc.Begin(context.Background()))
	require.NoError(t, tc.Begin(context.Background()))

	require.NoError(t, co.Close())
	assert.Equal(t, 1, store.rollbacks)
	assert.Equal(t, 1, store.closes)
	assert.Equal(t, 0, tc.Depth())
}

func TestRun_SQLStore(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	co := NewCoordinator(map[string]db.Store{"main": db.NewSQLStore(sqlDB)})
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "Person"`)).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*)`)).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(int64(1)))
	mock.ExpectCommit()

	err = co.Run(ctx, "main", func(tc *Context) error {
		if _, err := tc.Exec(ctx, `INSERT INTO "Person" ("Id") VALUES (1)`); err != nil {
			return err
		}
		n, err := tc.Scalar(ctx, `SELECT COUNT(*) FROM "Person"`)
		assert.Equal(t, int64(1), n)
		return err
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE").WillReturnError(errors.New("locked"))
	mock.ExpectRollback()
	err = co.Run(ctx, "main", func(tc *Context) error {
		_, err := tc.Exec(ctx, `DELETE FROM "Person"`)
		return err
	})
	assert.True(t, db.IsOperation(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
