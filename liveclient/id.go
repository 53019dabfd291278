package liveclient

import (
	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

// request ids are embedded in outbound params, so they travel as strings.
// ulids are ordered by create time, which keeps diagnostics greppable.
func NewRequestId() string {
	return ulid.Make().String()
}
