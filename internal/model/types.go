package model

// Update is the unit of the broadcast stream. Exactly one field is set.
// Values are shared between every subscriber once published and must not
// be modified afterwards.
type Update struct {
	SubscribeResponse *SubscribeResponse `json:"subscribeResponse,omitempty" cbor:"1,keyasint,omitempty"`
	AccountWrite      *AccountWrite      `json:"accountWrite,omitempty" cbor:"2,keyasint,omitempty"`
	SlotUpdate        *SlotUpdate        `json:"slotUpdate,omitempty" cbor:"3,keyasint,omitempty"`
	Ping              *Ping              `json:"ping,omitempty" cbor:"4,keyasint,omitempty"`
}

// SubscribeResponse is the first update every subscriber receives.
type SubscribeResponse struct {
	// HighestWriteSlot is the largest slot an account write was processed
	// for when the subscription was registered.
	HighestWriteSlot uint64 `json:"highestWriteSlot" cbor:"1,keyasint"`
}

type AccountWrite struct {
	Slot         uint64 `json:"slot" cbor:"1,keyasint"`
	Pubkey       Pubkey `json:"pubkey" cbor:"2,keyasint"`
	Lamports     uint64 `json:"lamports" cbor:"3,keyasint"`
	Owner        Pubkey `json:"owner" cbor:"4,keyasint"`
	Executable   bool   `json:"executable" cbor:"5,keyasint"`
	RentEpoch    uint64 `json:"rentEpoch" cbor:"6,keyasint"`
	Data         []byte `json:"data" cbor:"7,keyasint"`
	Compression  string `json:"compression,omitempty" cbor:"8,keyasint,omitempty"` // "", zstd, lz4
	WriteVersion uint64 `json:"writeVersion" cbor:"9,keyasint"`
	IsStartup    bool   `json:"isStartup" cbor:"10,keyasint"`
	// IsSelected is false for writes to accounts that were selected
	// earlier but no longer match the active selector.
	IsSelected bool `json:"isSelected" cbor:"11,keyasint"`
}

type SlotUpdate struct {
	Slot   uint64     `json:"slot" cbor:"1,keyasint"`
	Parent *uint64    `json:"parent,omitempty" cbor:"2,keyasint,omitempty"`
	Status SlotStatus `json:"status" cbor:"3,keyasint"`
}

// Ping carries no data; it keeps idle connections observable.
type Ping struct{}

// Kind names the populated variant. Used for SSE event names and logs.
func (u Update) Kind() string {
	switch {
	case u.SubscribeResponse != nil:
		return "subscribe_response"
	case u.AccountWrite != nil:
		return "account_write"
	case u.SlotUpdate != nil:
		return "slot_update"
	case u.Ping != nil:
		return "ping"
	default:
		return "empty"
	}
}

// Slot returns the slot carried by the update, if any.
func (u Update) Slot() (uint64, bool) {
	switch {
	case u.AccountWrite != nil:
		return u.AccountWrite.Slot, true
	case u.SlotUpdate != nil:
		return u.SlotUpdate.Slot, true
	}
	return 0, false
}

// AccountInfo is what the host hands to the ingestion adapter for each
// account write.
type AccountInfo struct {
	Pubkey       Pubkey
	Owner        Pubkey
	Lamports     uint64
	Executable   bool
	RentEpoch    uint64
	Data         []byte
	WriteVersion uint64
}
