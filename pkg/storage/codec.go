package storage

import (
	"bytes"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// codec tags how a stored value's bytes are encoded, so Get can reverse
// whatever Put chose without Options carrying over between Open calls.
type codec byte

const (
	codecRaw codec = iota
	codecFast
	codecHeavy
)

var zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
var zstdDecoder, _ = zstd.NewReader(nil)

// encodeValue compresses v per the fast-by-default / heavy-for-cold-CFs
// policy (spec.md §4.1), prefixing one codec byte so decodeValue is
// self-describing.
func encodeValue(v []byte, cf string, opts Options) []byte {
	if len(v) < opts.threshold() {
		return append([]byte{byte(codecRaw)}, v...)
	}
	if opts.ColdColumnFamilies[cf] {
		out := zstdEncoder.EncodeAll(v, make([]byte, 0, len(v)/2))
		return append([]byte{byte(codecHeavy)}, out...)
	}
	out := s2.Encode(nil, v)
	return append([]byte{byte(codecFast)}, out...)
}

func decodeValue(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, nil
	}
	c, payload := codec(stored[0]), stored[1:]
	switch c {
	case codecRaw:
		return bytes.Clone(payload), nil
	case codecFast:
		return s2.Decode(nil, payload)
	case codecHeavy:
		return zstdDecoder.DecodeAll(payload, nil)
	default:
		return bytes.Clone(payload), nil
	}
}
