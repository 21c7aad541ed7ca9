package util

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNewULID_Ordered(t *testing.T) {
	first := NewULID()
	second := NewULID()
	assert.Len(t, first, 26)
	assert.True(t, first < second)
	assert.Equal(t, strings.ToLower(first), first)
}

func TestUniquePattern(t *testing.T) {
	a := UniquePattern("J_1")
	b := UniquePattern("J_1")
	assert.True(t, strings.HasPrefix(a, "J_1_"))
	assert.NotEqual(t, a, b)
}

func TestNewShortId(t *testing.T) {
	assert.NotEmpty(t, NewShortId())
	assert.NotEqual(t, NewShortId(), NewShortId())
}

func TestNewRequestId(t *testing.T) {
	_, err := uuid.Parse(NewRequestId())
	assert.NoError(t, err)
}
