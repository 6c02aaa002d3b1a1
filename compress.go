package simpledb

import (
	"bytes"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4"
	"github.com/pkg/errors"
)

// CompressAlgorithm selects how large tuple payloads are compressed.
type CompressAlgorithm uint16

const (
	CompSnappy CompressAlgorithm = iota // default
	CompNone
	CompLz4
)

// Record flag bits marking how a stored payload was compressed. At most
// one is set; a zero flag byte means the payload is stored as-is.
const (
	recordCompSnappy uint8 = 1 << iota
	recordCompLz4
)

// compressThreshold is the smallest encoded payload worth compressing.
const compressThreshold = 64

// compressPayload compresses in with the configured algorithm when that
// actually saves space and returns the stored payload together with the
// record flag bits describing it. Payloads below the threshold, payloads
// that do not shrink and CompNone all pass through unchanged with a zero
// flag.
func compressPayload(in []byte, alg CompressAlgorithm) ([]byte, uint8) {
	if len(in) < compressThreshold {
		return in, 0
	}

	var out []byte
	var flag uint8

	switch alg {
	case CompSnappy:
		out = snappy.Encode(nil, in)
		flag = recordCompSnappy
	case CompLz4:
		buf := &bytes.Buffer{}
		writer := lz4.NewWriter(buf)
		writer.NoChecksum = true
		if _, err := writer.Write(in); err != nil {
			panic(err)
		}
		// the frame is only complete once the writer is closed
		if err := writer.Close(); err != nil {
			panic(err)
		}
		out = buf.Bytes()
		flag = recordCompLz4
	default:
		return in, 0
	}

	if len(out) >= len(in) {
		return in, 0
	}
	return out, flag
}

// decompressPayload undoes compressPayload for a stored payload based on
// its record flag bits.
func decompressPayload(in []byte, flag uint8) ([]byte, error) {
	switch {
	case flag&recordCompSnappy != 0:
		out, err := snappy.Decode(nil, in)
		if err != nil {
			return nil, errors.Wrap(err, "decompress snappy payload")
		}
		return out, nil
	case flag&recordCompLz4 != 0:
		buf := &bytes.Buffer{}
		if _, err := buf.ReadFrom(lz4.NewReader(bytes.NewReader(in))); err != nil {
			return nil, errors.Wrap(err, "decompress lz4 payload")
		}
		return buf.Bytes(), nil
	default:
		return in, nil
	}
}
