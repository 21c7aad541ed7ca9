package util

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid"
	"github.com/renstrom/shortuuid"
)

var entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
var m sync.Mutex

func NewULID() string {
	m.Lock()
	defer m.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Now(), entropy).String())
}

// UniquePattern returns a string usable as a path component that is unique to id and time ordered,
// e.g. J_12_01h2x3...
func UniquePattern(id string) string {
	return id + "_" + NewULID()
}

// NewShortId returns a short random identifier, used as a suffix for temporary files.
func NewShortId() string {
	return shortuuid.New()
}

func NewRequestId() string {
	return uuid.New().String()
}
