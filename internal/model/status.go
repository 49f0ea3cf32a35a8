package model

import "fmt"

// SlotStatus is the commitment level a slot reached.
type SlotStatus int32

const (
	SlotStatusProcessed SlotStatus = 0
	SlotStatusConfirmed SlotStatus = 1
	// SlotStatusRooted is the finalized level.
	SlotStatusRooted SlotStatus = 2
)

func (s SlotStatus) String() string {
	switch s {
	case SlotStatusProcessed:
		return "processed"
	case SlotStatusConfirmed:
		return "confirmed"
	case SlotStatusRooted:
		return "rooted"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// ParseSlotStatus accepts the names returned by String. "finalized" is an
// alias for rooted.
func ParseSlotStatus(name string) (SlotStatus, error) {
	switch name {
	case "processed":
		return SlotStatusProcessed, nil
	case "confirmed":
		return SlotStatusConfirmed, nil
	case "rooted", "finalized":
		return SlotStatusRooted, nil
	default:
		return 0, fmt.Errorf("unknown slot status: %q", name)
	}
}

func (s SlotStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *SlotStatus) UnmarshalText(text []byte) error {
	v, err := ParseSlotStatus(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
