package codec

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"geyserfeed/internal/model"
)

// Wire encodes updates for a subscriber connection.
type Wire interface {
	Name() string
	// Binary reports whether frames must be sent as binary messages.
	Binary() bool
	Marshal(u model.Update) ([]byte, error)
	Unmarshal(data []byte, u *model.Update) error
}

// NewWire returns the wire encoding for name: "" or "json", or "cbor".
func NewWire(name string) (Wire, error) {
	switch name {
	case "", "json":
		return jsonWire{}, nil
	case "cbor":
		return cborWire, nil
	default:
		return nil, fmt.Errorf("unknown encoding: %q", name)
	}
}

type jsonWire struct{}

func (jsonWire) Name() string                                 { return "json" }
func (jsonWire) Binary() bool                                 { return false }
func (jsonWire) Marshal(u model.Update) ([]byte, error)       { return json.Marshal(u) }
func (jsonWire) Unmarshal(data []byte, u *model.Update) error { return json.Unmarshal(data, u) }

// cborCodec uses Core Deterministic Encoding so identical updates produce
// identical frames.
type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var cborWire = mustCBOR()

func mustCBOR() *cborCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
	return &cborCodec{enc: enc, dec: dec}
}

func (*cborCodec) Name() string                                   { return "cbor" }
func (*cborCodec) Binary() bool                                   { return true }
func (c *cborCodec) Marshal(u model.Update) ([]byte, error)       { return c.enc.Marshal(u) }
func (c *cborCodec) Unmarshal(data []byte, u *model.Update) error { return c.dec.Unmarshal(data, u) }
