// Package codec holds the byte-level encodings used on the broadcast path:
// optional compression of account data and the wire encoding of updates.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Payload compresses account data before it is published. Implementations
// must be safe for concurrent use.
type Payload interface {
	// Name is carried in AccountWrite.Compression. Empty means raw bytes.
	Name() string
	Encode(data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

var errIncompressible = errors.New("data is incompressible")

// IsIncompressible reports whether err means the codec declined the input.
func IsIncompressible(err error) bool { return errors.Is(err, errIncompressible) }

// NewPayload returns the codec for name: "", "none", "zstd" or "lz4".
func NewPayload(name string) (Payload, error) {
	switch name {
	case "", "none":
		return rawPayload{}, nil
	case "zstd":
		return newZstdPayload()
	case "lz4":
		return lz4Payload{}, nil
	default:
		return nil, fmt.Errorf("unknown compression: %q", name)
	}
}

type rawPayload struct{}

func (rawPayload) Name() string                       { return "" }
func (rawPayload) Encode(data []byte) ([]byte, error) { return data, nil }
func (rawPayload) Decode(data []byte) ([]byte, error) { return data, nil }

// zstd at the default level. Encoder and decoder are reused; both are
// safe for concurrent EncodeAll/DecodeAll.
type zstdPayload struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdPayload() (*zstdPayload, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &zstdPayload{enc: enc, dec: dec}, nil
}

func (*zstdPayload) Name() string { return "zstd" }

func (z *zstdPayload) Encode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return []byte{}, nil
	}
	return z.enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func (z *zstdPayload) Decode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return []byte{}, nil
	}
	out, err := z.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}

// lz4 block compression. The block is prefixed with the uvarint length of
// the uncompressed data so Decode can size its buffer.
type lz4Payload struct{}

func (lz4Payload) Name() string { return "lz4" }

func (lz4Payload) Encode(data []byte) ([]byte, error) {
	header := binary.AppendUvarint(nil, uint64(len(data)))
	if len(data) == 0 {
		return header, nil
	}
	out := make([]byte, len(header)+lz4.CompressBlockBound(len(data)))
	copy(out, header)
	n, err := lz4.CompressBlock(data, out[len(header):], nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 {
		return nil, errIncompressible
	}
	return out[:len(header)+n], nil
}

func (lz4Payload) Decode(data []byte) ([]byte, error) {
	size, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, errors.New("lz4 decode: bad length header")
	}
	if size == 0 {
		return []byte{}, nil
	}
	out := make([]byte, size)
	read, err := lz4.UncompressBlock(data[n:], out)
	if err != nil {
		return nil, fmt.Errorf("lz4 decode: %w", err)
	}
	if uint64(read) != size {
		return nil, fmt.Errorf("lz4 decode: got %d bytes, want %d", read, size)
	}
	return out, nil
}
