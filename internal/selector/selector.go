// Package selector decides which account writes are broadcast.
package selector

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"geyserfeed/internal/model"
)

// Wildcard in the accounts list selects every account.
const Wildcard = "*"

// Config is the textual form of a selector, as found in the plugin config
// and in UpdateSelector payloads.
type Config struct {
	Accounts []string `json:"accounts" yaml:"accounts"`
	Owners   []string `json:"owners" yaml:"owners"`
}

// DecodeError reports an address that could not be decoded.
type DecodeError struct {
	Field string // accounts or owners
	Input string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid %s entry %q: %v", e.Field, e.Input, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Selector is an immutable account filter. The zero value matches nothing;
// use All for the match-everything selector.
type Selector struct {
	all      bool
	accounts map[model.Pubkey]struct{}
	owners   map[model.Pubkey]struct{}
}

// All returns a selector that matches every account.
func All() *Selector {
	return &Selector{all: true, accounts: map[model.Pubkey]struct{}{}, owners: map[model.Pubkey]struct{}{}}
}

// New builds a selector from base58 addresses. A "*" among accounts
// short-circuits to All before anything is decoded, so owners are not
// validated in that case.
func New(accounts, owners []string) (*Selector, error) {
	for _, a := range accounts {
		if a == Wildcard {
			return All(), nil
		}
	}
	s := &Selector{
		accounts: make(map[model.Pubkey]struct{}, len(accounts)),
		owners:   make(map[model.Pubkey]struct{}, len(owners)),
	}
	if err := decodeInto(s.accounts, "accounts", accounts); err != nil {
		return nil, err
	}
	if err := decodeInto(s.owners, "owners", owners); err != nil {
		return nil, err
	}
	return s, nil
}

func decodeInto(dst map[model.Pubkey]struct{}, field string, in []string) error {
	for _, raw := range in {
		pk, err := model.ParsePubkey(strings.TrimSpace(raw))
		if err != nil {
			return &DecodeError{Field: field, Input: raw, Err: err}
		}
		dst[pk] = struct{}{}
	}
	return nil
}

// FromConfig is New over a Config.
func FromConfig(cfg Config) (*Selector, error) {
	return New(cfg.Accounts, cfg.Owners)
}

// ParseConfig decodes an UpdateSelector payload. Both fields are optional;
// unknown fields, a null body and anything after the object are rejected.
func ParseConfig(payload []byte) (Config, error) {
	var cfg *Config
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse selector config: %w", err)
	}
	if cfg == nil {
		return Config{}, errors.New("parse selector config: expected an object, got null")
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return Config{}, errors.New("parse selector config: unexpected data after the object")
	}
	return *cfg, nil
}

// Matches reports whether a write to account, owned by owner, is selected.
func (s *Selector) Matches(account, owner model.Pubkey) bool {
	if s.all {
		return true
	}
	if _, ok := s.accounts[account]; ok {
		return true
	}
	_, ok := s.owners[owner]
	return ok
}

// MatchesAll reports whether s is the wildcard selector.
func (s *Selector) MatchesAll() bool { return s.all }

// Equal compares selectors structurally.
func (s *Selector) Equal(o *Selector) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.all != o.all {
		return false
	}
	return sameSet(s.accounts, o.accounts) && sameSet(s.owners, o.owners)
}

func sameSet(a, b map[model.Pubkey]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// Config returns the textual form of s, sorted for stable output.
func (s *Selector) Config() Config {
	if s.all {
		return Config{Accounts: []string{Wildcard}, Owners: []string{}}
	}
	return Config{Accounts: sortedStrings(s.accounts), Owners: sortedStrings(s.owners)}
}

func sortedStrings(set map[model.Pubkey]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k.String())
	}
	sort.Strings(out)
	return out
}

func (s *Selector) String() string {
	if s.all {
		return "selector(all)"
	}
	return fmt.Sprintf("selector(accounts=%d owners=%d)", len(s.accounts), len(s.owners))
}
