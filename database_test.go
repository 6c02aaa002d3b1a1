package simpledb

import (
	"strconv"
	"testing"

	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
)

func moviesSchema() *Schema {
	return &Schema{Tables: []Table{{
		ID: "movies",
		Columns: []Column{
			{ID: "id", Type: IntegerType()},
			{ID: "title", Type: CharType(64)},
			{ID: "year", Type: IntegerType()},
		},
		PrimaryKey:   []string{"id"},
		SPSegment:    1,
		FSISegment:   2,
		IndexSegment: 3,
	}}}
}

func TestDatabaseInsertAndLookup(t *testing.T) {
	assert := assertion.New(t)

	db, err := OpenDatabase(t.TempDir(), nil)
	assert.NoError(err)
	defer db.Close()

	assert.NoError(db.LoadNewSchema(moviesSchema()))

	tid, err := db.Insert("movies", []string{"1", "Alien", "1979"})
	assert.NoError(err)

	row, err := db.ReadTuple("movies", tid)
	assert.NoError(err)
	assert.Equal([]string{"1", "Alien", "1979"}, row)

	row, found, err := db.LookupRow("movies", 1)
	assert.NoError(err)
	assert.True(found)
	assert.Equal([]string{"1", "Alien", "1979"}, row)

	_, found, err = db.LookupRow("movies", 2)
	assert.NoError(err)
	assert.False(found)

	_, _, err = db.LookupRow("nope", 1)
	assert.True(errors.Is(err, ErrTableNotFound))
}

func TestDatabaseManyRows(t *testing.T) {
	assert := assertion.New(t)

	db, err := OpenDatabase(t.TempDir(), nil)
	assert.NoError(err)
	defer db.Close()

	assert.NoError(db.LoadNewSchema(moviesSchema()))

	n := 500
	for i := 1; i <= n; i++ {
		_, err := db.Insert("movies", []string{
			strconv.Itoa(i), "title-" + strconv.Itoa(i), strconv.Itoa(1900 + i%120),
		})
		assert.NoError(err)
	}

	for i := 1; i <= n; i++ {
		row, found, err := db.LookupRow("movies", uint64(i))
		assert.NoError(err)
		assert.True(found, "row %d is missing", i)
		assert.Equal("title-"+strconv.Itoa(i), row[1])
	}
}

func TestDatabaseUpdateRow(t *testing.T) {
	assert := assertion.New(t)

	db, err := OpenDatabase(t.TempDir(), nil)
	assert.NoError(err)
	defer db.Close()

	assert.NoError(db.LoadNewSchema(moviesSchema()))

	_, err = db.Insert("movies", []string{"1", "Alien", "1979"})
	assert.NoError(err)

	updated, err := db.UpdateRow("movies", 1, []string{"1", "Aliens", "1986"})
	assert.NoError(err)
	assert.True(updated)

	row, found, err := db.LookupRow("movies", 1)
	assert.NoError(err)
	assert.True(found)
	assert.Equal([]string{"1", "Aliens", "1986"}, row)

	// unknown keys update nothing
	updated, err = db.UpdateRow("movies", 9, []string{"9", "Nope", "2022"})
	assert.NoError(err)
	assert.False(updated)

	// the primary key is immutable
	_, err = db.UpdateRow("movies", 1, []string{"5", "Aliens", "1986"})
	assert.Error(err)
}

func TestDatabaseDeleteRow(t *testing.T) {
	assert := assertion.New(t)

	db, err := OpenDatabase(t.TempDir(), nil)
	assert.NoError(err)
	defer db.Close()

	assert.NoError(db.LoadNewSchema(moviesSchema()))

	for i := 1; i <= 10; i++ {
		_, err := db.Insert("movies", []string{strconv.Itoa(i), "m", "2000"})
		assert.NoError(err)
	}

	deleted, err := db.DeleteRow("movies", 5)
	assert.NoError(err)
	assert.True(deleted)

	_, found, err := db.LookupRow("movies", 5)
	assert.NoError(err)
	assert.False(found)

	deleted, err = db.DeleteRow("movies", 5)
	assert.NoError(err)
	assert.False(deleted)

	for i := 1; i <= 10; i++ {
		if i == 5 {
			continue
		}
		_, found, err := db.LookupRow("movies", uint64(i))
		assert.NoError(err)
		assert.True(found, "row %d vanished", i)
	}
}

func TestDatabaseReopen(t *testing.T) {
	assert := assertion.New(t)
	dir := t.TempDir()

	db, err := OpenDatabase(dir, nil)
	assert.NoError(err)
	assert.NoError(db.LoadNewSchema(moviesSchema()))

	for i := 1; i <= 100; i++ {
		_, err := db.Insert("movies", []string{strconv.Itoa(i), "movie-" + strconv.Itoa(i), "1999"})
		assert.NoError(err)
	}
	assert.NoError(db.Close())

	// schema, tuples and the primary-key index survive the restart
	db, err = OpenDatabase(dir, nil)
	assert.NoError(err)

	schema := db.GetSchema()
	assert.NotNil(schema)
	assert.NotNil(schema.Table("movies"))

	for i := 1; i <= 100; i++ {
		row, found, err := db.LookupRow("movies", uint64(i))
		assert.NoError(err)
		assert.True(found, "row %d lost on reopen", i)
		assert.Equal("movie-"+strconv.Itoa(i), row[1])
	}

	assert.NoError(db.Close())
}

func TestDatabaseLocking(t *testing.T) {
	assert := assertion.New(t)
	dir := t.TempDir()

	db, err := OpenDatabase(dir, nil)
	assert.NoError(err)

	// a second writer must be rejected while the first is open
	_, err = OpenDatabase(dir, &Options{PageSize: PageSize, PageCount: 16})
	assert.True(errors.Is(err, ErrWriteByOther))

	assert.NoError(db.Close())

	db, err = OpenDatabase(dir, nil)
	assert.NoError(err)
	assert.NoError(db.Close())
}

func TestDatabaseSchemaValidation(t *testing.T) {
	assert := assertion.New(t)

	db, err := OpenDatabase(t.TempDir(), nil)
	assert.NoError(err)
	defer db.Close()

	bad := moviesSchema()
	bad.Tables[0].SPSegment = 0
	assert.Error(db.LoadNewSchema(bad), "the schema segment is reserved")

	_, err = db.Insert("movies", []string{"1", "x", "2000"})
	assert.True(errors.Is(err, ErrNoSchema))
}
