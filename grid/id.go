package grid

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func ParseId(idStr string) (Id, error) {
	u, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, fmt.Errorf("cannot parse id %s: %w", idStr, err)
	}
	return Id(u), nil
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}
