package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/atalantus/simpledb"
)

func main() {
	dir, err := os.MkdirTemp("", "simpledb-demo")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	db, err := simpledb.OpenDatabase(dir, nil)
	if err != nil {
		log.Fatal(err)
	}

	schema := &simpledb.Schema{Tables: []simpledb.Table{{
		ID: "movies",
		Columns: []simpledb.Column{
			{ID: "id", Type: simpledb.IntegerType()},
			{ID: "title", Type: simpledb.CharType(64)},
			{ID: "year", Type: simpledb.IntegerType()},
		},
		PrimaryKey:   []string{"id"},
		SPSegment:    1,
		FSISegment:   2,
		IndexSegment: 3,
	}}}

	if err := db.LoadNewSchema(schema); err != nil {
		log.Fatal(err)
	}

	rows := [][]string{
		{"1", "Alien", "1979"},
		{"2", "Blade Runner", "1982"},
		{"3", "Arrival", "2016"},
	}
	for _, row := range rows {
		tid, err := db.Insert("movies", row)
		if err != nil {
			log.Fatal(err)
		}
		log.Infof("inserted %v at tid %d", row, tid)
	}

	for key := uint64(1); key <= 3; key++ {
		row, found, err := db.LookupRow("movies", key)
		if err != nil {
			log.Fatal(err)
		}
		if !found {
			log.Fatalf("key %d missing", key)
		}
		fmt.Printf("%d -> %v\n", key, row)
	}

	if err := db.Close(); err != nil {
		log.Fatal(err)
	}
}
