package db

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newSQLStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return NewSQLStore(sqlDB), mock
}

func newGormStore(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gdb, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	return NewManagerWithDB(gdb, nil), mock
}

func TestSQLStore_Statements(t *testing.T) {
	store, mock := newSQLStore(t)
	ctx := context.Background()

	conn, err := store.Open(ctx)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "Person" SET "Age" = 31`)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	n, err := conn.Exec(ctx, `UPDATE "Person" SET "Age" = 31`)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "Id", "Name" FROM "Person"`)).
		WillReturnRows(sqlmock.NewRows([]string{"Id", "Name"}).
			AddRow(int64(1), "Ann").
			AddRow(int64(2), []byte("Bob")))
	rows, err := conn.Query(ctx, `SELECT "Id", "Name" FROM "Person"`)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0]["Id"])
	assert.Equal(t, "Ann", rows[0]["Name"])
	assert.Equal(t, []byte("Bob"), rows[1]["Name"])

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "Person"`)).
		WillReturnRows(sqlmock.NewRows([]string{"COUNT(*)"}).AddRow(int64(7)))
	v, err := conn.Scalar(ctx, `SELECT COUNT(*) FROM "Person"`)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"x"}))
	v, err = conn.Scalar(ctx, "SELECT 1")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, conn.Close())
	_, err = conn.Exec(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrConnClosed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Transaction(t *testing.T) {
	store, mock := newSQLStore(t)
	ctx := context.Background()
	conn, err := store.Open(ctx)
	require.NoError(t, err)
	defer conn.Close()

	assert.ErrorIs(t, conn.Commit(), ErrNoTransaction)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	require.NoError(t, conn.Begin(ctx))
	assert.True(t, conn.InTransaction())
	assert.ErrorIs(t, conn.Begin(ctx), ErrTransactionActive)
	_, err = conn.Exec(ctx, `DELETE FROM "Pet"`)
	require.NoError(t, err)
	require.NoError(t, conn.Commit())
	assert.False(t, conn.InTransaction())

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO").WillReturnError(errors.New("duplicate key"))
	mock.ExpectRollback()
	require.NoError(t, conn.Begin(ctx))
	_, err = conn.Exec(ctx, `INSERT INTO "Pet" ("Id") VALUES (1)`)
	require.Error(t, err)
	require.NoError(t, conn.Rollback())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_CloseRollsBack(t *testing.T) {
	store, mock := newSQLStore(t)
	ctx := context.Background()
	conn, err := store.Open(ctx)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()
	require.NoError(t, conn.Begin(ctx))
	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close(), "closing twice is a no-op")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_Statements(t *testing.T) {
	m, mock := newGormStore(t)
	ctx := context.Background()

	conn, err := m.Open(ctx)
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `Id`, `Name` FROM `Person`")).
		WillReturnRows(sqlmock.NewRows([]string{"Id", "Name"}).AddRow("a", "Ann"))
	rows, err := conn.Query(ctx, "SELECT `Id`, `Name` FROM `Person`")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Ann", rows[0]["Name"])

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM `Person`")).
		WillReturnRows(sqlmock.NewRows([]string{"COUNT(*)"}).AddRow(int64(3)))
	v, err := conn.Scalar(ctx, "SELECT COUNT(*) FROM `Person`")
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `Person`")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	require.NoError(t, conn.Begin(ctx))
	n, err := conn.Exec(ctx, "UPDATE `Person`\nSET `Age` = 31")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, conn.Commit())

	mock.ExpectBegin()
	mock.ExpectRollback()
	require.NoError(t, conn.Begin(ctx))
	require.NoError(t, conn.Rollback())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOperationError(t *testing.T) {
	cause := errors.New("syntax error")
	err := WrapOperation("SELECT nope", cause)

	assert.True(t, IsOperation(err))
	assert.ErrorIs(t, err, cause)
	var op *OperationError
	require.ErrorAs(t, err, &op)
	assert.Equal(t, "SELECT nope", op.SQL)
	assert.Contains(t, err.Error(), "SELECT nope")

	assert.Same(t, err, WrapOperation("other", err), "already wrapped errors are kept")
	assert.NoError(t, WrapOperation("SELECT 1", nil))
}

func TestInstrument(t *testing.T) {
	store, mock := newSQLStore(t)
	core, logs := observer.New(zapcore.DebugLevel)
	reg := prometheus.NewRegistry()

	inst := Instrument(store, "main",
		WithLogger(zap.New(core)),
		WithStatementLog(true),
		WithSlowThreshold(time.Nanosecond),
		WithRegisterer(reg, "orm4go"))

	ctx := context.Background()
	conn, err := inst.Open(ctx)
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows([]string{"x"}).AddRow(int64(1)))
	mock.ExpectExec("DELETE").WillReturnError(errors.New("locked"))
	_, err = conn.Query(ctx, "SELECT 1")
	require.NoError(t, err)
	_, err = conn.Exec(ctx, `DELETE FROM "Pet"`)
	require.Error(t, err)

	snap := inst.Stats().Snapshot()
	assert.Equal(t, int64(1), snap.TotalQueries)
	assert.Equal(t, int64(1), snap.TotalExecs)
	assert.Equal(t, int64(1), snap.Errors)
	assert.Equal(t, int64(2), snap.SlowQueries)
	assert.Contains(t, snap.String(), "queries=1 execs=1")

	assert.Equal(t, 1.0, testutil.ToFloat64(inst.statements.WithLabelValues("main", "select", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(inst.statements.WithLabelValues("main", "delete", "error")))
	assert.Equal(t, 2, logs.FilterMessage("slow statement").Len())
	assert.Equal(t, 2, logs.FilterMessage("statement executed").Len())

	inst.Stats().Reset()
	assert.Zero(t, inst.Stats().Snapshot().TotalQueries)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoggingOptions(t *testing.T) {
	inst := Instrument(nil, "x", LoggingOptions(LoggingConfig{LogQueries: true})...)
	assert.True(t, inst.logStatements)
	assert.Zero(t, inst.slowThreshold)

	inst = Instrument(nil, "x", LoggingOptions(LoggingConfig{LogSlowQueries: true, SlowQueryThreshold: time.Second})...)
	assert.Equal(t, time.Second, inst.slowThreshold)
}

func TestConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.Validate(), "database name is required")

	cfg.Database = "app"
	cfg.Username = "root"
	require.NoError(t, cfg.Validate())
	dsn, err := cfg.DSN()
	require.NoError(t, err)
	assert.Contains(t, dsn, "root@tcp(localhost:3306)/app")
	assert.Contains(t, dsn, "parseTime=true")

	cfg.TimeZone = "Mars/Olympus"
	_, err = cfg.DSN()
	assert.ErrorContains(t, err, "invalid timezone")
	cfg.TimeZone = "UTC"

	cfg.SSL = SSLConfig{Enabled: true, CertFile: "client.pem"}
	assert.ErrorContains(t, cfg.Validate(), "provided together")
	cfg.SSL = SSLConfig{Enabled: true, SkipVerify: true}
	dsn, err = cfg.DSN()
	require.NoError(t, err)
	assert.Contains(t, dsn, "tls=skip-verify")
	cfg.SSL = SSLConfig{}

	cfg.MaxIdleConns = cfg.MaxOpenConns + 1
	assert.Error(t, cfg.Validate())
}
