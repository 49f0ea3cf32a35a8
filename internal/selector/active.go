package selector

import "geyserfeed/internal/model"

// ActiveKeys remembers every account that was ever broadcast while
// selected. Writes to those accounts keep flowing after they stop matching
// the selector, which is how subscribers observe closures and owner
// reassignment. Entries are never removed.
//
// ActiveKeys is not safe for concurrent use; it belongs to the producer.
type ActiveKeys struct {
	keys map[model.Pubkey]struct{}
}

func NewActiveKeys() *ActiveKeys {
	return &ActiveKeys{keys: map[model.Pubkey]struct{}{}}
}

// ShouldEmit decides whether a write to key is broadcast. tracked reports
// whether key is in the set after the call.
func (a *ActiveKeys) ShouldEmit(key model.Pubkey, selected bool) (emit, tracked bool) {
	if _, ok := a.keys[key]; ok {
		return true, true
	}
	if !selected {
		return false, false
	}
	a.keys[key] = struct{}{}
	return true, true
}

func (a *ActiveKeys) Contains(key model.Pubkey) bool {
	_, ok := a.keys[key]
	return ok
}

func (a *ActiveKeys) Len() int { return len(a.keys) }
