package simpledb

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// schemaSegmentID is the segment reserved for the persisted schema.
const schemaSegmentID = 0

// Database is the tuple-oriented facade over the storage engine: one
// buffer manager, the schema segment and, per table, a slotted-page
// segment with its free-space inventory and a primary-key B+tree index
// mapping key to TID.
type Database struct {
	opts *Options
	dir  string

	lockFile *os.File
	bm       *BufferManager

	schemaSeg *SchemaSegment

	mu       sync.Mutex
	sps      map[string]*SPSegment
	fsis     map[string]*FSISegment
	indexes  map[string]*BTree
	tableMus map[string]*sync.Mutex
}

// OpenDatabase opens or creates the database stored in dir. The directory
// is flock-guarded so two writing processes cannot corrupt each other.
func OpenDatabase(dir string, options *Options) (*Database, error) {
	if options == nil {
		options = DefaultOptions
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create database directory %s", dir)
	}

	lockFile, err := os.OpenFile(filepath.Join(dir, "LOCK"), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open lock file")
	}
	if err := waitflock(lockFile, options.ReadOnly, options.Timeout); err != nil {
		_ = lockFile.Close()
		return nil, err
	}

	db := &Database{
		opts:     options,
		dir:      dir,
		lockFile: lockFile,
		bm:       NewBufferManager(dir, options.PageSize, options.PageCount),
		sps:      make(map[string]*SPSegment),
		fsis:     make(map[string]*FSISegment),
		indexes:  make(map[string]*BTree),
		tableMus: make(map[string]*sync.Mutex),
	}
	db.schemaSeg = NewSchemaSegment(schemaSegmentID, db.bm)

	if err := db.schemaSeg.Read(); err != nil {
		if !errors.Is(err, ErrNoSchema) {
			_ = db.bm.Close()
			_ = funlock(lockFile)
			_ = lockFile.Close()
			return nil, err
		}
	} else if err := db.openSegments(); err != nil {
		_ = db.bm.Close()
		_ = funlock(lockFile)
		_ = lockFile.Close()
		return nil, err
	}

	log.Infof("opened database at %s", dir)
	return db, nil
}

// openSegments instantiates the per-table segments and indexes for the
// currently loaded schema.
func (db *Database) openSegments() error {
	schema := db.schemaSeg.GetSchema()

	for i := range schema.Tables {
		table := &schema.Tables[i]

		fsi, err := NewFSISegment(table.FSISegment, db.bm, table)
		if err != nil {
			return err
		}
		db.fsis[table.ID] = fsi
		db.sps[table.ID] = NewSPSegment(table.SPSegment, db.bm, fsi, table)

		if table.IndexHeight > 0 {
			db.indexes[table.ID] = OpenBTree(table.IndexSegment, db.bm,
				table.IndexRoot, table.IndexNodeCount, table.IndexHeight)
		} else {
			index, err := NewBTree(table.IndexSegment, db.bm)
			if err != nil {
				return err
			}
			db.indexes[table.ID] = index
		}

		db.tableMus[table.ID] = &sync.Mutex{}
	}

	return nil
}

// LoadNewSchema replaces the database schema, persists it and creates the
// segments of its tables.
func (db *Database) LoadNewSchema(schema *Schema) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for i := range schema.Tables {
		table := &schema.Tables[i]
		if table.SPSegment == schemaSegmentID || table.FSISegment == schemaSegmentID || table.IndexSegment == schemaSegmentID {
			return errors.Errorf("table %s uses the reserved schema segment", table.ID)
		}
	}

	db.schemaSeg.SetSchema(schema)
	db.sps = make(map[string]*SPSegment)
	db.fsis = make(map[string]*FSISegment)
	db.indexes = make(map[string]*BTree)
	db.tableMus = make(map[string]*sync.Mutex)

	if err := db.openSegments(); err != nil {
		return err
	}
	return db.writeSchema()
}

// GetSchema returns the currently loaded schema, or nil.
func (db *Database) GetSchema() *Schema {
	return db.schemaSeg.GetSchema()
}

// table resolves a table id to its schema entry, segments and index.
func (db *Database) table(tableID string) (*Table, *SPSegment, *BTree, *sync.Mutex, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	schema := db.schemaSeg.GetSchema()
	if schema == nil {
		return nil, nil, nil, nil, ErrNoSchema
	}
	table := schema.Table(tableID)
	if table == nil {
		return nil, nil, nil, nil, errors.Wrap(ErrTableNotFound, tableID)
	}
	return table, db.sps[tableID], db.indexes[tableID], db.tableMus[tableID], nil
}

// Insert serializes row into the table and indexes it under its primary
// key. Returns the TID of the new tuple.
func (db *Database) Insert(tableID string, row []string) (TID, error) {
	table, sp, index, mu, err := db.table(tableID)
	if err != nil {
		return 0, err
	}

	key, err := primaryKeyValue(table, row)
	if err != nil {
		return 0, err
	}
	rec, err := encodeTuple(table, row, db.opts.Compression)
	if err != nil {
		return 0, err
	}

	mu.Lock()
	defer mu.Unlock()

	tid, err := sp.Allocate(uint32(len(rec)), false)
	if err != nil {
		return 0, err
	}
	if _, err := sp.Write(tid, rec); err != nil {
		return 0, err
	}

	if err := index.Insert(key, uint64(tid)); err != nil {
		return 0, err
	}
	return tid, nil
}

// ReadTuple reads the tuple at tid back into its row values.
func (db *Database) ReadTuple(tableID string, tid TID) ([]string, error) {
	table, sp, _, _, err := db.table(tableID)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, db.opts.PageSize)
	n, err := sp.Read(tid, buf)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return decodeTuple(table, buf[:n])
}

// LookupRow returns the row stored under the primary key.
func (db *Database) LookupRow(tableID string, key uint64) ([]string, bool, error) {
	_, _, index, _, err := db.table(tableID)
	if err != nil {
		return nil, false, err
	}

	tidValue, found, err := index.Lookup(key)
	if err != nil || !found {
		return nil, false, err
	}

	row, err := db.ReadTuple(tableID, TID(tidValue))
	if err != nil {
		return nil, false, err
	}
	return row, row != nil, nil
}

// UpdateRow rewrites the row stored under the primary key, resizing its
// tuple in place or through a redirect when the encoded size changed.
func (db *Database) UpdateRow(tableID string, key uint64, row []string) (bool, error) {
	table, sp, index, mu, err := db.table(tableID)
	if err != nil {
		return false, err
	}

	newKey, err := primaryKeyValue(table, row)
	if err != nil {
		return false, err
	}
	if newKey != key {
		return false, errors.Errorf("table %s: update must not change the primary key", tableID)
	}

	rec, err := encodeTuple(table, row, db.opts.Compression)
	if err != nil {
		return false, err
	}

	mu.Lock()
	defer mu.Unlock()

	tidValue, found, err := index.Lookup(key)
	if err != nil || !found {
		return false, err
	}
	tid := TID(tidValue)

	if err := sp.Resize(tid, uint32(len(rec))); err != nil {
		return false, err
	}
	if _, err := sp.Write(tid, rec); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteRow removes the row stored under the primary key from the table
// and its index.
func (db *Database) DeleteRow(tableID string, key uint64) (bool, error) {
	_, sp, index, mu, err := db.table(tableID)
	if err != nil {
		return false, err
	}

	mu.Lock()
	defer mu.Unlock()

	tidValue, found, err := index.Lookup(key)
	if err != nil || !found {
		return false, err
	}

	if err := index.Erase(key); err != nil {
		return false, err
	}
	if err := sp.Erase(TID(tidValue)); err != nil {
		return false, err
	}
	return true, nil
}

// writeSchema persists the schema including the current index state of
// every table.
func (db *Database) writeSchema() error {
	schema := db.schemaSeg.GetSchema()
	if schema == nil {
		return nil
	}

	for i := range schema.Tables {
		table := &schema.Tables[i]
		if index, ok := db.indexes[table.ID]; ok {
			table.IndexRoot = index.Root()
			table.IndexNodeCount = index.NodeCount()
			table.IndexHeight = uint32(index.Height())
		}
	}

	return db.schemaSeg.Write()
}

// Close persists the schema, flushes all dirty pages and releases the
// directory lock.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var firstErr error
	if db.schemaSeg.GetSchema() != nil && !db.opts.ReadOnly {
		if err := db.writeSchema(); err != nil {
			firstErr = err
		}
	}

	if err := db.bm.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	if err := funlock(db.lockFile); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "unlock database directory")
	}
	if err := db.lockFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	log.Infof("closed database at %s", db.dir)
	return firstErr
}
