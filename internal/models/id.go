package models

import (
	"strings"

	"github.com/google/uuid"
)

// ID prefixes, one per entity.
const (
	PrefixRun   = "run"
	PrefixFile  = "file"
	PrefixChunk = "chk"
	PrefixError = "err"
	PrefixTask  = "task"
)

// NewID returns a prefixed, time-sortable identifier. UUIDv7 puts the creation
// timestamp in the leading bits, so IDs created later compare greater.
func NewID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + "_" + id.String()
}

// HasPrefix reports whether id was minted with the given prefix.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"_")
}
