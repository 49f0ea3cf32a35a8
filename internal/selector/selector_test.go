package selector

import (
	"errors"
	"testing"

	"geyserfeed/internal/model"
)

func key(b byte) model.Pubkey {
	var pk model.Pubkey
	for i := range pk {
		pk[i] = b
	}
	return pk
}

func TestNewFromKnownAddress(t *testing.T) {
	if _, err := New([]string{"9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"}, nil); err != nil {
		t.Fatalf("accounts: %v", err)
	}
	if _, err := New(nil, []string{"9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"}); err != nil {
		t.Fatalf("owners: %v", err)
	}
}

func TestWildcardMatchesEverythingEvenWithBadOwners(t *testing.T) {
	s, err := New([]string{key(1).String(), "*"}, []string{"not-base58-0OIl"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !s.MatchesAll() {
		t.Fatal("expected match-all selector")
	}
	for _, k := range []model.Pubkey{key(1), key(2), {}} {
		if !s.Matches(k, key(9)) {
			t.Fatalf("wildcard selector rejected %s", k)
		}
	}
}

func TestMatchesAccountsOrOwners(t *testing.T) {
	s, err := New([]string{key(1).String()}, []string{key(7).String()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cases := []struct {
		account, owner model.Pubkey
		want           bool
	}{
		{key(1), key(0), true},
		{key(2), key(7), true},
		{key(1), key(7), true},
		{key(2), key(8), false},
	}
	for _, c := range cases {
		if got := s.Matches(c.account, c.owner); got != c.want {
			t.Fatalf("Matches(%s, %s) = %v, want %v", c.account, c.owner, got, c.want)
		}
	}
}

func TestEmptyConfigMatchesNothing(t *testing.T) {
	s, err := FromConfig(Config{})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if s.Matches(key(1), key(2)) {
		t.Fatal("empty selector should match nothing")
	}
}

func TestDecodeErrorNamesInput(t *testing.T) {
	_, err := New([]string{key(1).String(), "0OIl"}, nil)
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("want DecodeError, got %v", err)
	}
	if de.Input != "0OIl" || de.Field != "accounts" {
		t.Fatalf("unexpected error fields: %+v", de)
	}

	// valid base58 but the wrong length
	_, err = New(nil, []string{"abc"})
	if !errors.As(err, &de) || de.Field != "owners" {
		t.Fatalf("want owners DecodeError, got %v", err)
	}
}

func TestEqualIsStructural(t *testing.T) {
	a, _ := New([]string{key(1).String(), key(2).String()}, nil)
	b, _ := New([]string{key(2).String(), key(1).String()}, nil)
	c, _ := New([]string{key(1).String()}, nil)
	if !a.Equal(b) {
		t.Fatal("same sets should be equal")
	}
	if a.Equal(c) {
		t.Fatal("different sets should not be equal")
	}
	if !All().Equal(All()) {
		t.Fatal("All should equal All")
	}
}

func TestConfigRoundTrip(t *testing.T) {
	a, _ := New([]string{key(3).String()}, []string{key(4).String()})
	b, err := FromConfig(a.Config())
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if !a.Equal(b) {
		t.Fatalf("round trip changed selector: %v vs %v", a.Config(), b.Config())
	}
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{"accounts":["*"]}`))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if len(cfg.Accounts) != 1 || cfg.Owners != nil {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if _, err := ParseConfig([]byte(`{"acounts":[]}`)); err == nil {
		t.Fatal("expected unknown field error")
	}
	if _, err := ParseConfig([]byte(`not json`)); err == nil {
		t.Fatal("expected syntax error")
	}
	for _, payload := range []string{
		`{"accounts":["*"]} trailing junk`,
		`null`,
		` null `,
		`{"accounts":[]}{"owners":["zz"]}`,
		`{"accounts":[]} {}`,
	} {
		if _, err := ParseConfig([]byte(payload)); err == nil {
			t.Fatalf("payload %q accepted", payload)
		}
	}
	if _, err := ParseConfig([]byte("{\"owners\":[]}\n")); err != nil {
		t.Fatalf("trailing whitespace must be accepted: %v", err)
	}
}

func TestActiveKeysKeepsDeselectedKeys(t *testing.T) {
	a := NewActiveKeys()
	if emit, _ := a.ShouldEmit(key(3), false); emit {
		t.Fatal("unseen, unselected key must not be emitted")
	}
	if emit, tracked := a.ShouldEmit(key(1), true); !emit || !tracked {
		t.Fatal("selected key must be emitted and tracked")
	}
	if emit, tracked := a.ShouldEmit(key(1), false); !emit || !tracked {
		t.Fatal("previously selected key must still be emitted")
	}
	if a.Len() != 1 || a.Contains(key(3)) {
		t.Fatalf("unexpected tracked set, len=%d", a.Len())
	}
}

func TestQueueKeepsLatest(t *testing.T) {
	q := NewQueue()
	if _, ok := q.Drain(); ok {
		t.Fatal("empty queue should drain nothing")
	}
	first, _ := New([]string{key(1).String()}, nil)
	second, _ := New([]string{key(2).String()}, nil)
	if err := q.Push(first); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := q.Push(second); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if q.Len() != 2 {
		t.Fatalf("Len = %d, want 2", q.Len())
	}
	got, ok := q.Drain()
	if !ok || got != second {
		t.Fatalf("Drain returned %v, want the second selector", got)
	}
	if _, ok := q.Drain(); ok {
		t.Fatal("queue should be empty after drain")
	}
}

func TestQueueClosed(t *testing.T) {
	q := NewQueue()
	q.Close()
	if err := q.Push(All()); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("want ErrQueueClosed, got %v", err)
	}
}
