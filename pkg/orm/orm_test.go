package orm

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	_ "modernc.org/sqlite"

	"github.com/ammar0144/orm4go/pkg/audit"
	"github.com/ammar0144/orm4go/pkg/cache"
	"github.com/ammar0144/orm4go/pkg/db"
	"github.com/ammar0144/orm4go/pkg/dialect"
	"github.com/ammar0144/orm4go/pkg/entity"
	"github.com/ammar0144/orm4go/pkg/query"
	"github.com/ammar0144/orm4go/pkg/schema"
	"github.com/ammar0144/orm4go/pkg/tx"
)

const mainSchema = `
CREATE TABLE "Person" (
	"Id" TEXT PRIMARY KEY,
	"Name" TEXT,
	"Age" INTEGER,
	"Salary" TEXT,
	"Active" INTEGER,
	"Born" TEXT,
	"Mood" TEXT,
	"Avatar" BLOB
);
CREATE TABLE "Pet" ("Id" TEXT PRIMARY KEY, "Name" TEXT, "Owner" TEXT);
CREATE TABLE "Group" ("Id" INTEGER PRIMARY KEY, "Title" TEXT);
CREATE TABLE "GroupPerson" ("PersonId" TEXT, "GroupId" INTEGER);
CREATE TABLE "Kennel" ("Id" INTEGER PRIMARY KEY, "Name" TEXT);
CREATE TABLE "Dog" ("Id" INTEGER PRIMARY KEY, "Name" TEXT, "Kennel" INTEGER);
`

const logSchema = `CREATE TABLE "LogLine" ("Id" INTEGER PRIMARY KEY, "Message" TEXT);`

func testRegistry(t *testing.T, groupHooks schema.Hooks) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry().MustRegister(
		schema.NewType("Person").
			Key("Id", schema.KindGUID).
			Column("Name", schema.KindString).
			Column("Age", schema.KindInt).
			Column("Salary", schema.KindDecimal).
			Column("Active", schema.KindBool).
			Column("Born", schema.KindTime).
			Column("Mood", schema.KindEnum, schema.EnumValues("Calm", "Angry")).
			Column("Avatar", schema.KindBytes).
			OneToMany("Pets", "Pet").
			ManyToMany("Groups", "Group").
			DefaultSort("Name", false).
			MustBuild(),
		schema.NewType("Pet").
			Key("Id", schema.KindGUID).
			Column("Name", schema.KindString).
			Reference("Owner", "Person", schema.Required()).
			DefaultSort("Name", false).
			MustBuild(),
		schema.NewType("Group").
			Key("Id", schema.KindInt).
			Column("Title", schema.KindString).
			DefaultSort("Id", false).
			Hooks(groupHooks).
			MustBuild(),
		schema.NewType("Kennel").
			Key("Id", schema.KindInt).
			Column("Name", schema.KindString).
			OneToMany("Dogs", "Dog", schema.Inverse()).
			MustBuild(),
		schema.NewType("Dog").
			Key("Id", schema.KindInt).
			Column("Name", schema.KindString).
			Reference("Kennel", "Kennel").
			MustBuild(),
		schema.NewType("LogLine").
			Key("Id", schema.KindInt64).
			Column("Message", schema.KindString).
			ConnectionKey("log").
			TransactionLess().
			MustBuild(),
	)
	require.NoError(t, reg.Seal())
	return reg
}

func openSQLite(t *testing.T, name, ddl string) *sql.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", filepath.Join(t.TempDir(), name))
	require.NoError(t, err)
	// a transaction holds its connection; a single one keeps every test read consistent
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	_, err = sqlDB.Exec(ddl)
	require.NoError(t, err)
	return sqlDB
}

type harness struct {
	engine *Engine
	cache  *cache.Memory
	audit  *audit.Memory
	errors *audit.Memory
	main   *sql.DB
	log    *sql.DB
}

func newHarness(t *testing.T, groupHooks schema.Hooks, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		cache:  cache.NewMemory(0, 0),
		audit:  &audit.Memory{},
		errors: &audit.Memory{},
		main:   openSQLite(t, "main.db", mainSchema),
		log:    openSQLite(t, "log.db", logSchema),
	}
	opts = append([]Option{
		WithStore(DefaultConnection, db.NewSQLStore(h.main)),
		WithStore("log", db.NewSQLStore(h.log)),
		WithDialect(dialect.SQLite),
		WithCache(h.cache),
		WithAudit(h.audit),
		WithErrorSink(h.errors),
		WithLogger(zaptest.NewLogger(t)),
	}, opts...)
	engine, err := NewEngine(testRegistry(t, groupHooks), opts...)
	require.NoError(t, err)
	h.engine = engine
	return h
}

func (h *harness) session(t *testing.T) *Session {
	t.Helper()
	s := h.engine.NewSession()
	t.Cleanup(func() { s.Close() })
	return s
}

func mustNew(t *testing.T, s *Session, typeName string, values map[string]any) *entity.Entity {
	t.Helper()
	e, err := s.New(typeName)
	require.NoError(t, err)
	for name, v := range values {
		require.NoError(t, e.Set(name, v))
	}
	return e
}

func rowCount(t *testing.T, sqlDB *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, sqlDB.QueryRow(`SELECT COUNT(*) FROM "`+table+`"`).Scan(&n))
	return n
}

func TestNewEngine(t *testing.T) {
	t.Run("unsealed registry", func(t *testing.T) {
		_, err := NewEngine(schema.NewRegistry())
		assert.ErrorIs(t, err, schema.ErrNotSealed)
	})

	t.Run("missing store", func(t *testing.T) {
		sqlDB := openSQLite(t, "main.db", mainSchema)
		_, err := NewEngine(testRegistry(t, schema.Hooks{}), WithStore(DefaultConnection, db.NewSQLStore(sqlDB)))
		assert.ErrorIs(t, err, ErrNoStore)
		assert.Contains(t, err.Error(), "LogLine")
	})
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Dialect = "oracle"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.PagingPolicy = "ignore"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.BatchSize = 0
	assert.Error(t, cfg.Validate())
}

func TestSaveAndLoad_RoundTrip(t *testing.T) {
	h := newHarness(t, schema.Hooks{})
	ctx := context.Background()

	s := h.session(t)
	born := time.Date(1990, time.May, 6, 7, 8, 9, 0, time.UTC)
	p := mustNew(t, s, "Person", map[string]any{
		"Name":   "Ann",
		"Age":    30,
		"Salary": decimal.RequireFromString("1234.50"),
		"Active": true,
		"Born":   born,
		"Mood":   "Angry",
		"Avatar": []byte{0x01, 0xfe},
	})
	require.NoError(t, s.Save(ctx, p))
	assert.True(t, p.IsSaved())
	assert.False(t, p.IsDirty())
	id, ok := p.ID().(uuid.UUID)
	require.True(t, ok, "guid keys are generated")
	assert.NotEqual(t, uuid.Nil, id)

	// a fresh session reads from the store
	loaded, err := h.session(t).Load(ctx, "Person", id)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.True(t, loaded.IsSaved())
	assert.Equal(t, "Ann", loaded.Get("Name"))
	assert.Equal(t, 30, loaded.Get("Age"))
	assert.True(t, decimal.RequireFromString("1234.5").Equal(loaded.Get("Salary").(decimal.Decimal)))
	assert.Equal(t, true, loaded.Get("Active"))
	assert.True(t, born.Equal(loaded.Get("Born").(time.Time)))
	assert.Equal(t, "Angry", loaded.Get("Mood"))
	assert.Equal(t, []byte{0x01, 0xfe}, loaded.Get("Avatar"))
	assert.False(t, loaded.IsDirty())

	// the same session answers from its identity map
	same, err := s.Load(ctx, "Person", id.String())
	require.NoError(t, err)
	assert.Same(t, p, same)

	entries := h.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.Insert, entries[0].Kind)
	assert.Equal(t, id.String(), entries[0].ID)
}

func TestLoad_Absent(t *testing.T) {
	h := newHarness(t, schema.Hooks{})
	s := h.session(t)

	e, err := s.Load(context.Background(), "Person", uuid.New())
	require.NoError(t, err)
	assert.Nil(t, e)

	_, err = s.Load(context.Background(), "Nobody", 1)
	assert.ErrorIs(t, err, schema.ErrTypeNotRegistered)
	assert.Len(t, h.errors.Errors(), 1)
}

func TestSave_DirtyIdempotence(t *testing.T) {
	h := newHarness(t, schema.Hooks{})
	ctx := context.Background()

	s := h.session(t)
	p := mustNew(t, s, "Person", map[string]any{"Name": "Ann", "Age": 30})
	require.NoError(t, s.Save(ctx, p))

	loaded, err := h.session(t).Load(ctx, "Person", p.ID())
	require.NoError(t, err)
	require.NoError(t, loaded.Set("Name", "Ann"))
	require.NoError(t, loaded.Set("Age", int64(30)))
	assert.False(t, loaded.IsDirty())
	require.NoError(t, loaded.Scope().(*Session).Save(ctx, loaded))
	assert.Len(t, h.audit.Entries(), 1, "saving a clean entity writes nothing")

	require.NoError(t, loaded.Set("Age", 31))
	assert.True(t, loaded.IsDirty())
	require.NoError(t, loaded.Scope().(*Session).Save(ctx, loaded))
	assert.False(t, loaded.IsDirty())

	entries := h.audit.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, audit.Update, entries[1].Kind)
	assert.Equal(t, []audit.PropertyChange{{Property: "Age", Old: 30, New: 31}}, entries[1].Changes)

	var age int
	require.NoError(t, h.main.QueryRow(`SELECT "Age" FROM "Person"`).Scan(&age))
	assert.Equal(t, 31, age)
}

func TestSave_OneToMany(t *testing.T) {
	h := newHarness(t, schema.Hooks{})
	ctx := context.Background()
	s := h.session(t)

	p := mustNew(t, s, "Person", map[string]any{"Name": "Ann"})
	pets, err := p.Collection(ctx, "Pets")
	require.NoError(t, err)
	rex := mustNew(t, s, "Pet", map[string]any{"Name": "Rex"})
	tom := mustNew(t, s, "Pet", map[string]any{"Name": "Tom"})
	require.NoError(t, pets.Add(rex, tom))

	require.NoError(t, s.Save(ctx, p))
	assert.True(t, rex.IsSaved())
	assert.True(t, tom.IsSaved())
	assert.Equal(t, 2, rowCount(t, h.main, "Pet"))

	require.NoError(t, s.Refresh(ctx, p))
	pets, err = p.Collection(ctx, "Pets")
	require.NoError(t, err)
	assert.Equal(t, 2, pets.Len())
	for _, pet := range pets.Items() {
		owner, err := pet.Ref("Owner")
		require.NoError(t, err)
		target, err := owner.Get(ctx)
		require.NoError(t, err)
		assert.Same(t, p, target)
	}

	// a fresh session materializes the collection from the store
	other := h.session(t)
	loaded, err := other.Load(ctx, "Person", p.ID())
	require.NoError(t, err)
	pets, err = loaded.Collection(ctx, "Pets")
	require.NoError(t, err)
	require.Equal(t, 2, pets.Len())
	assert.Equal(t, "Rex", pets.Items()[0].Get("Name"))
	assert.Equal(t, "Tom", pets.Items()[1].Get("Name"))

	// removing from a non-inverse collection deletes the element
	pets.Remove(pets.Items()[0])
	require.NoError(t, other.Save(ctx, loaded))
	assert.Equal(t, 1, rowCount(t, h.main, "Pet"))

	n, err := other.Count(ctx, "Pet", query.Cond(query.Col("Pet", "Owner"), query.Equal, loaded))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestSave_InvalidForeignKeyRollsBack(t *testing.T) {
	h := newHarness(t, schema.Hooks{})
	ctx := context.Background()
	s := h.session(t)

	orphan := mustNew(t, s, "Pet", map[string]any{"Name": "Stray"})
	err := s.Save(ctx, orphan)
	var invalid *tx.InvalidForeignKeysError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, []*entity.Entity{orphan}, invalid.Entities)
	assert.True(t, orphan.IsNew())

	// the owner is inserted first, then a pet pointing at an unsaved stranger fails the operation
	p := mustNew(t, s, "Person", map[string]any{"Name": "Ann"})
	stranger := mustNew(t, s, "Person", map[string]any{"Name": "Bob"})
	pets, err := p.Collection(ctx, "Pets")
	require.NoError(t, err)
	pet := mustNew(t, s, "Pet", map[string]any{"Name": "Rex"})
	require.NoError(t, pets.Add(pet))
	require.NoError(t, pet.Set("Owner", stranger))

	err = s.Save(ctx, p)
	assert.ErrorIs(t, err, tx.ErrInvalidForeignKeys)
	assert.True(t, p.IsNew(), "rollback reverts inserted entities to new")
	assert.Nil(t, p.Snapshot())
	assert.Equal(t, 0, rowCount(t, h.main, "Person"))
	assert.Equal(t, 0, rowCount(t, h.main, "Pet"))
	assert.Empty(t, h.audit.Entries(), "rolled back changes are not audited")
	assert.Len(t, h.errors.Errors(), 2, "one error per failed public operation")

	// once the reference is fixed the same graph saves
	require.NoError(t, pet.Set("Owner", p))
	require.NoError(t, s.Save(ctx, p))
	assert.True(t, p.IsSaved())
	assert.True(t, pet.IsSaved())
	assert.Equal(t, 1, rowCount(t, h.main, "Pet"))
}

func TestSave_UpdateRollbackRestoresSnapshot(t *testing.T) {
	h := newHarness(t, schema.Hooks{})
	ctx := context.Background()
	s := h.session(t)

	p := mustNew(t, s, "Person", map[string]any{"Name": "Ann", "Age": 30})
	require.NoError(t, s.Save(ctx, p))

	require.NoError(t, p.Set("Age", 31))
	pets, err := p.Collection(ctx, "Pets")
	require.NoError(t, err)
	pet := mustNew(t, s, "Pet", map[string]any{"Name": "Rex"})
	require.NoError(t, pets.Add(pet))
	require.NoError(t, pet.Set("Owner", mustNew(t, s, "Person", map[string]any{"Name": "Bob"})))

	require.Error(t, s.Save(ctx, p))
	assert.Equal(t, 30, p.Snapshot()["Age"])
	assert.Equal(t, 31, p.Get("Age"), "edits survive a failed save")
	assert.True(t, p.IsDirty())

	var age int
	require.NoError(t, h.main.QueryRow(`SELECT "Age" FROM "Person"`).Scan(&age))
	assert.Equal(t, 30, age)
}

func TestDelete_Cascade(t *testing.T) {
	h := newHarness(t, schema.Hooks{})
	ctx := context.Background()
	s := h.session(t)

	p := mustNew(t, s, "Person", map[string]any{"Name": "Ann"})
	pets, err := p.Collection(ctx, "Pets")
	require.NoError(t, err)
	require.NoError(t, pets.Add(
		mustNew(t, s, "Pet", map[string]any{"Name": "Rex"}),
		mustNew(t, s, "Pet", map[string]any{"Name": "Tom"}),
	))
	groups, err := p.Collection(ctx, "Groups")
	require.NoError(t, err)
	require.NoError(t, groups.Add(mustNew(t, s, "Group", map[string]any{"Title": "Chess"})))
	require.NoError(t, s.Save(ctx, p))
	require.Equal(t, 1, rowCount(t, h.main, "GroupPerson"))
	h.audit.Reset()

	other := h.session(t)
	loaded, err := other.Load(ctx, "Person", p.ID())
	require.NoError(t, err)
	require.NoError(t, other.Delete(ctx, loaded))

	assert.True(t, loaded.IsDeleted())
	assert.Equal(t, 0, rowCount(t, h.main, "Person"))
	assert.Equal(t, 0, rowCount(t, h.main, "Pet"))
	assert.Equal(t, 0, rowCount(t, h.main, "GroupPerson"))
	assert.Equal(t, 1, rowCount(t, h.main, "Group"), "many-to-many elements survive")

	gone, err := other.Load(ctx, "Person", p.ID())
	require.NoError(t, err)
	assert.Nil(t, gone)

	entries := h.audit.Entries()
	require.Len(t, entries, 3)
	last := entries[2]
	assert.Equal(t, audit.Delete, last.Kind)
	assert.Equal(t, "Person", last.Type)
	assert.Contains(t, last.Changes, audit.PropertyChange{Property: "Name", Old: "Ann"})

	// deleted is terminal
	require.NoError(t, other.Delete(ctx, loaded))
	require.NoError(t, other.Save(ctx, loaded))
	assert.Equal(t, 0, rowCount(t, h.main, "Person"))
}

func TestDelete_InverseDetachesChildren(t *testing.T) {
	h := newHarness(t, schema.Hooks{})
	ctx := context.Background()
	s := h.session(t)

	k := mustNew(t, s, "Kennel", map[string]any{"Name": "North"})
	dogs, err := k.Collection(ctx, "Dogs")
	require.NoError(t, err)
	rex := mustNew(t, s, "Dog", map[string]any{"Name": "Rex"})
	require.NoError(t, dogs.Add(rex))
	require.NoError(t, s.Save(ctx, k))
	assert.EqualValues(t, 1, k.ID())
	assert.EqualValues(t, 1, rex.ID())

	require.NoError(t, s.Delete(ctx, k))
	assert.Equal(t, 0, rowCount(t, h.main, "Kennel"))
	assert.Equal(t, 1, rowCount(t, h.main, "Dog"))

	var kennel sql.NullInt64
	require.NoError(t, h.main.QueryRow(`SELECT "Kennel" FROM "Dog"`).Scan(&kennel))
	assert.False(t, kennel.Valid)
	assert.Nil(t, rex.Get("Kennel"))
}

func TestDelete_NewEntity(t *testing.T) {
	h := newHarness(t, schema.Hooks{})
	s := h.session(t)

	p := mustNew(t, s, "Person", map[string]any{"Name": "Ann"})
	require.NoError(t, s.Delete(context.Background(), p))
	assert.True(t, p.IsDeleted())
	assert.Empty(t, h.audit.Entries())
}

func TestSave_ManyToMany(t *testing.T) {
	h := newHarness(t, schema.Hooks{})
	ctx := context.Background()
	s := h.session(t)

	p := mustNew(t, s, "Person", map[string]any{"Name": "Ann"})
	chess := mustNew(t, s, "Group", map[string]any{"Title": "Chess"})
	golf := mustNew(t, s, "Group", map[string]any{"Title": "Golf"})
	groups, err := p.Collection(ctx, "Groups")
	require.NoError(t, err)
	require.NoError(t, groups.Add(chess, golf))
	require.NoError(t, s.Save(ctx, p))
	assert.True(t, chess.IsSaved())
	assert.Equal(t, 2, rowCount(t, h.main, "GroupPerson"))

	other := h.session(t)
	loaded, err := other.Load(ctx, "Person", p.ID())
	require.NoError(t, err)
	groups, err = loaded.Collection(ctx, "Groups")
	require.NoError(t, err)
	require.Equal(t, 2, groups.Len())
	assert.Equal(t, "Chess", groups.Items()[0].Get("Title"))

	groups.Remove(groups.Items()[0])
	assert.True(t, loaded.IsDirty())
	require.NoError(t, other.Save(ctx, loaded))
	assert.Equal(t, 1, rowCount(t, h.main, "GroupPerson"))
	assert.Equal(t, 2, rowCount(t, h.main, "Group"))

	// the bridge write invalidated the cached collection
	again, err := h.session(t).Load(ctx, "Person", p.ID())
	require.NoError(t, err)
	groups, err = again.Collection(ctx, "Groups")
	require.NoError(t, err)
	require.Equal(t, 1, groups.Len())
	assert.Equal(t, "Golf", groups.Items()[0].Get("Title"))

	last := h.audit.Entries()[len(h.audit.Entries())-1]
	assert.Equal(t, audit.Update, last.Kind)
	assert.Equal(t, "Groups", last.Changes[0].Property)
}

func TestCache_InvalidatedOnCommit(t *testing.T) {
	h := newHarness(t, schema.Hooks{})
	ctx := context.Background()
	s := h.session(t)

	require.NoError(t, s.Save(ctx, mustNew(t, s, "Person", map[string]any{"Name": "Ann"})))
	all, err := s.LoadAll(ctx, "Person")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Positive(t, h.cache.Len())

	// a hit does not touch the store
	_, err = h.main.Exec(`UPDATE "Person" SET "Name" = 'Changed'`)
	require.NoError(t, err)
	fresh := h.session(t)
	all, err = fresh.LoadAll(ctx, "Person")
	require.NoError(t, err)
	assert.Equal(t, "Ann", all[0].Get("Name"))

	require.NoError(t, s.Save(ctx, mustNew(t, s, "Person", map[string]any{"Name": "Bob"})))
	all, err = h.session(t).LoadAll(ctx, "Person")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Bob", all[0].Get("Name"))
	assert.Equal(t, "Changed", all[1].Get("Name"))
}

func TestCache_NestedSelectDependency(t *testing.T) {
	h := newHarness(t, schema.Hooks{})
	ctx := context.Background()
	s := h.session(t)

	ann := mustNew(t, s, "Person", map[string]any{"Name": "Ann"})
	bob := mustNew(t, s, "Person", map[string]any{"Name": "Bob"})
	require.NoError(t, s.Save(ctx, ann))
	require.NoError(t, s.Save(ctx, bob))
	require.NoError(t, s.Save(ctx, mustNew(t, s, "Pet", map[string]any{"Name": "Rex", "Owner": ann})))

	rexOwners := func(s *Session) *query.Builder {
		owners := s.Queries().Select(query.Col("Pet", "Owner")).From("Pet").DisableOrder().
			Where(query.Cond(query.Col("Pet", "Name"), query.Equal, "Rex"))
		return s.Queries().Select().From("Person").
			Where(query.Cond(query.Col("Person", "Id"), query.In, owners))
	}
	reader := h.session(t)
	found, err := reader.Find(ctx, rexOwners(reader))
	require.NoError(t, err)
	require.Len(t, found, 1)

	require.NoError(t, s.Save(ctx, mustNew(t, s, "Pet", map[string]any{"Name": "Rex", "Owner": bob})))

	reader = h.session(t)
	found, err = reader.Find(ctx, rexOwners(reader))
	require.NoError(t, err)
	assert.Len(t, found, 2, "a write to Pet drops the cached owner query")
}

func TestQueries(t *testing.T) {
	h := newHarness(t, schema.Hooks{})
	ctx := context.Background()
	s := h.session(t)

	for i, name := range []string{"Cid", "Ann", "Bob"} {
		require.NoError(t, s.Save(ctx, mustNew(t, s, "Person", map[string]any{"Name": name, "Age": 20 + i})))
	}

	n, err := s.Count(ctx, "Person")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	n, err = s.Count(ctx, "Person", query.Cond(query.Col("Person", "Age"), query.GreaterThan, 20))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	found, err := s.LoadWhere(ctx, "Person", query.Cond(query.Col("Person", "Name"), query.In, []string{"Ann", "Cid"}))
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "Ann", found[0].Get("Name"), "default sort applies")

	b := s.Queries().Select().From("Person").OrderBy(query.Col("Person", "Age"), true).Limit(1)
	found, err = s.Find(ctx, b)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Bob", found[0].Get("Name"))

	_, err = s.Find(ctx, s.Queries().Count("Person"))
	assert.True(t, query.IsUsage(err))
}

func TestRefresh(t *testing.T) {
	h := newHarness(t, schema.Hooks{})
	ctx := context.Background()
	s := h.session(t)

	p := mustNew(t, s, "Person", map[string]any{"Name": "Ann"})
	require.NoError(t, s.Save(ctx, p))
	require.NoError(t, p.Set("Name", "Edited"))

	_, err := h.main.Exec(`UPDATE "Person" SET "Name" = 'Stored'`)
	require.NoError(t, err)
	require.NoError(t, s.Refresh(ctx, p))
	assert.Equal(t, "Stored", p.Get("Name"))
	assert.False(t, p.IsDirty())

	require.NoError(t, p.Set("Name", "Edited"))
	s.Reset(p)
	assert.Equal(t, "Stored", p.Get("Name"))

	_, err = h.main.Exec(`DELETE FROM "Person"`)
	require.NoError(t, err)
	err = s.Refresh(ctx, p)
	assert.True(t, IsNotFound(err))
}

func TestSession_Transaction(t *testing.T) {
	errBadTitle := errors.New("bad title")
	h := newHarness(t, schema.Hooks{
		BeforeSave: func(_ context.Context, e schema.Instance) error {
			if e.Get("Title") == "bad" {
				return errBadTitle
			}
			return nil
		},
	})
	ctx := context.Background()
	s := h.session(t)

	first := mustNew(t, s, "Group", map[string]any{"Title": "ok"})
	err := s.Transaction(ctx, func(ctx context.Context) error {
		if err := s.Save(ctx, first); err != nil {
			return err
		}
		assert.Equal(t, 1, s.Depth("Group"), "the save joined the open operation")
		return s.Save(ctx, mustNew(t, s, "Group", map[string]any{"Title": "bad"}))
	})
	require.ErrorIs(t, err, errBadTitle)
	assert.Equal(t, 0, rowCount(t, h.main, "Group"))
	assert.True(t, first.IsNew())
	assert.Len(t, h.errors.Errors(), 1, "only the outermost failure is reported")
	assert.Equal(t, 0, s.Depth("Group"))

	require.NoError(t, s.Transaction(ctx, func(ctx context.Context) error {
		return s.Save(ctx, first)
	}, "Group"))
	assert.Equal(t, 1, rowCount(t, h.main, "Group"))
	assert.True(t, first.IsSaved())

	err = s.Transaction(ctx, func(context.Context) error { return nil }, "Nope")
	assert.ErrorIs(t, err, schema.ErrTypeNotRegistered)
}

func TestBulkInsert(t *testing.T) {
	h := newHarness(t, schema.Hooks{}, WithBatchSize(2))
	ctx := context.Background()
	s := h.session(t)

	existing := mustNew(t, s, "Group", map[string]any{"Title": "First"})
	require.NoError(t, s.Save(ctx, existing))
	h.audit.Reset()

	var items []*entity.Entity
	for _, title := range []string{"A", "B", "C", "D", "E"} {
		items = append(items, mustNew(t, s, "Group", map[string]any{"Title": title}))
	}
	require.NoError(t, s.BulkInsert(ctx, append(items, existing)))

	assert.Equal(t, 6, rowCount(t, h.main, "Group"))
	seen := make(map[any]bool)
	for _, e := range items {
		assert.True(t, e.IsSaved())
		assert.False(t, e.IsDirty())
		seen[e.ID()] = true
	}
	assert.Len(t, seen, 5)
	assert.NotContains(t, seen, existing.ID())
	assert.Empty(t, h.audit.Entries(), "bulk inserts are not audited")

	loaded, err := s.Load(ctx, "Group", items[2].ID())
	require.NoError(t, err)
	assert.Same(t, items[2], loaded)

	err = s.BulkInsert(ctx, []*entity.Entity{
		mustNew(t, s, "Group", nil),
		mustNew(t, s, "Kennel", nil),
	})
	assert.ErrorIs(t, err, ErrMixedTypes)
}

func TestBulkInsert_ExplicitAndMissingKeys(t *testing.T) {
	h := newHarness(t, schema.Hooks{})
	ctx := context.Background()
	s := h.session(t)

	items := []*entity.Entity{
		mustNew(t, s, "Group", map[string]any{"Id": 1, "Title": "a"}),
		mustNew(t, s, "Group", map[string]any{"Title": "b"}),
		mustNew(t, s, "Group", map[string]any{"Id": 7, "Title": "c"}),
		mustNew(t, s, "Group", map[string]any{"Title": "d"}),
	}
	require.NoError(t, s.BulkInsert(ctx, items))

	assert.EqualValues(t, 1, items[0].ID())
	assert.EqualValues(t, 8, items[1].ID())
	assert.EqualValues(t, 7, items[2].ID())
	assert.EqualValues(t, 9, items[3].ID())
	assert.Equal(t, 4, rowCount(t, h.main, "Group"))


	rows, err := buildRows(ctx, items[0].Type(), items)
	require.NoError(t, err)
	var titles []any
	for _, row := range rows {
		titles = append(titles, row[1])
	}
	assert.Equal(t, []any{"a", "b", "c", "d"}, titles, "rows keep item order")
}

func TestBulkInsert_InvalidReference(t *testing.T) {
	h := newHarness(t, schema.Hooks{})
	ctx := context.Background()
	s := h.session(t)

	pets := []*entity.Entity{
		mustNew(t, s, "Pet", map[string]any{"Name": "Rex"}),
		mustNew(t, s, "Pet", map[string]any{"Name": "Tom"}),
	}
	err := s.BulkInsert(ctx, pets)
	assert.ErrorIs(t, err, tx.ErrInvalidForeignKeys)
	assert.Equal(t, 0, rowCount(t, h.main, "Pet"))
	assert.True(t, pets[0].IsNew())
}

func TestHooks(t *testing.T) {
	var calls []string
	hooks := schema.Hooks{
		BeforeSave: func(_ context.Context, e schema.Instance) error {
			calls = append(calls, "before save")
			return e.Set("Title", "hooked")
		},
		AfterSave: func(context.Context, schema.Instance) error {
			calls = append(calls, "after save")
			return nil
		},
		BeforeDelete: func(context.Context, schema.Instance) error {
			calls = append(calls, "before delete")
			return nil
		},
		AfterDelete: func(context.Context, schema.Instance) error {
			calls = append(calls, "after delete")
			return nil
		},
	}
	h := newHarness(t, hooks)
	ctx := context.Background()
	s := h.session(t)

	g := mustNew(t, s, "Group", map[string]any{"Title": "Chess"})
	require.NoError(t, s.Save(ctx, g))
	var title string
	require.NoError(t, h.main.QueryRow(`SELECT "Title" FROM "Group"`).Scan(&title))
	assert.Equal(t, "hooked", title)

	require.NoError(t, s.Delete(ctx, g))
	assert.Equal(t, []string{"before save", "after save", "before delete", "after delete"}, calls)
}

func TestTransactionLess_SurvivesRollback(t *testing.T) {
	var s *Session
	refused := errors.New("refused")
	hooks := schema.Hooks{
		BeforeSave: func(ctx context.Context, e schema.Instance) error {
			line, err := s.New("LogLine")
			if err != nil {
				return err
			}
			if err := line.Set("Message", "saving "+e.Get("Title").(string)); err != nil {
				return err
			}
			if err := s.Save(ctx, line); err != nil {
				return err
			}
			return refused
		},
	}
	h := newHarness(t, hooks)
	ctx := context.Background()
	s = h.session(t)

	g := mustNew(t, s, "Group", map[string]any{"Title": "Chess"})
	err := s.Save(ctx, g)
	assert.ErrorIs(t, err, refused)
	assert.True(t, g.IsNew())
	assert.Equal(t, 0, rowCount(t, h.main, "Group"))
	assert.Equal(t, 1, rowCount(t, h.log, "LogLine"))

	n, err := s.Count(ctx, "LogLine")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Len(t, h.errors.Errors(), 1)
}

func TestSession_Closed(t *testing.T) {
	h := newHarness(t, schema.Hooks{})
	s := h.engine.NewSession()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Load(context.Background(), "Person", uuid.New())
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestEngine_TablePrefix(t *testing.T) {
	sqlDB := openSQLite(t, "prefixed.db", `CREATE TABLE "Group" ("Id" INTEGER PRIMARY KEY, "Title" TEXT);`)
	reg := schema.NewRegistry().MustRegister(
		schema.NewType("Group").Key("Id", schema.KindInt).Column("Title", schema.KindString).MustBuild(),
	)
	require.NoError(t, reg.Seal())

	cfg := DefaultConfig()
	cfg.Dialect = "sqlite"
	cfg.TablePrefix = "main."
	engine, err := NewEngine(reg, WithConfig(cfg), WithStore(DefaultConnection, db.NewSQLStore(sqlDB)))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", engine.Dialect().Name)

	s := engine.NewSession()
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, mustNew(t, s, "Group", map[string]any{"Title": "Chess"})))
	assert.Equal(t, 1, rowCount(t, sqlDB, "Group"))

	sql, err := engine.Queries().Select().From("Group").ToQuery()
	require.NoError(t, err)
	assert.Contains(t, sql, `FROM main."Group"`)
}
