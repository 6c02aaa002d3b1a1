package simpledb

import (
	"bytes"
	"encoding/binary"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

// encodeTuple serializes a row for table into a record: a flag byte
// followed by the column payload, varint-encoded per column and
// optionally compressed as a whole. Integer columns are parsed from their
// decimal representation; char columns are truncated to their declared
// length.
func encodeTuple(table *Table, row []string, alg CompressAlgorithm) ([]byte, error) {
	if len(row) != len(table.Columns) {
		return nil, errors.Errorf("table %s expects %d columns, got %d", table.ID, len(table.Columns), len(row))
	}

	payload := bytes.NewBuffer(nil)
	varintBuf := make([]byte, binary.MaxVarintLen64)

	for i, col := range table.Columns {
		switch col.Type.Class {
		case TypeInteger:
			v, err := strconv.ParseUint(row[i], 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "column %s", col.ID)
			}
			n := binary.PutUvarint(varintBuf, v)
			payload.Write(varintBuf[:n])
		case TypeChar:
			data := []byte(row[i])
			if uint32(len(data)) > col.Type.Length {
				data = data[:col.Type.Length]
			}
			n := binary.PutUvarint(varintBuf, uint64(len(data)))
			payload.Write(varintBuf[:n])
			payload.Write(data)
		default:
			return nil, errors.Errorf("column %s has unknown type", col.ID)
		}
	}

	out, flag := compressPayload(payload.Bytes(), alg)

	rec := make([]byte, 0, len(out)+1)
	rec = append(rec, flag)
	rec = append(rec, out...)
	return rec, nil
}

// decodeTuple deserializes a record produced by encodeTuple back into its
// row values.
func decodeTuple(table *Table, rec []byte) ([]string, error) {
	if len(rec) == 0 {
		return nil, errors.New("empty tuple record")
	}

	payload, err := decompressPayload(rec[1:], rec[0])
	if err != nil {
		return nil, err
	}

	reader := bytes.NewReader(payload)
	row := make([]string, 0, len(table.Columns))

	for _, col := range table.Columns {
		switch col.Type.Class {
		case TypeInteger:
			v, err := binary.ReadUvarint(reader)
			if err != nil {
				return nil, errors.Wrapf(err, "column %s", col.ID)
			}
			row = append(row, strconv.FormatUint(v, 10))
		case TypeChar:
			length, err := binary.ReadUvarint(reader)
			if err != nil {
				return nil, errors.Wrapf(err, "column %s length", col.ID)
			}
			data := make([]byte, length)
			if _, err := io.ReadFull(reader, data); err != nil {
				return nil, errors.Wrapf(err, "column %s", col.ID)
			}
			row = append(row, string(data))
		default:
			return nil, errors.Errorf("column %s has unknown type", col.ID)
		}
	}

	return row, nil
}

// primaryKeyValue extracts the table's integer primary key from a row.
func primaryKeyValue(table *Table, row []string) (uint64, error) {
	if len(table.PrimaryKey) == 0 {
		return 0, errors.Errorf("table %s has no primary key", table.ID)
	}

	i, col := table.column(table.PrimaryKey[0])
	if col == nil {
		return 0, errors.Errorf("table %s: unknown primary key column %s", table.ID, table.PrimaryKey[0])
	}
	if col.Type.Class != TypeInteger {
		return 0, errors.Errorf("table %s: primary key column %s is not an integer", table.ID, col.ID)
	}
	if i >= len(row) {
		return 0, errors.Errorf("table %s: row misses primary key column", table.ID)
	}

	key, err := strconv.ParseUint(row[i], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "primary key column %s", col.ID)
	}
	return key, nil
}
