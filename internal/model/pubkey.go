package model

import (
	"fmt"

	"github.com/mr-tron/base58"
)

// PubkeyLen is the size of an account or program address.
const PubkeyLen = 32

// Pubkey is an account or owner address. Its text form is base58.
type Pubkey [PubkeyLen]byte

// ParsePubkey decodes a base58 address.
func ParsePubkey(s string) (Pubkey, error) {
	var pk Pubkey
	raw, err := base58.Decode(s)
	if err != nil {
		return pk, err
	}
	if len(raw) != PubkeyLen {
		return pk, fmt.Errorf("decoded %d bytes, want %d", len(raw), PubkeyLen)
	}
	copy(pk[:], raw)
	return pk, nil
}

// PubkeyFromBytes copies b into a Pubkey. b must be PubkeyLen bytes long.
func PubkeyFromBytes(b []byte) (Pubkey, error) {
	var pk Pubkey
	if len(b) != PubkeyLen {
		return pk, fmt.Errorf("pubkey is %d bytes, want %d", len(b), PubkeyLen)
	}
	copy(pk[:], b)
	return pk, nil
}

func (p Pubkey) String() string { return base58.Encode(p[:]) }

func (p Pubkey) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Pubkey) UnmarshalText(text []byte) error {
	pk, err := ParsePubkey(string(text))
	if err != nil {
		return err
	}
	*p = pk
	return nil
}
