package hypothesis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInitialSentinel(t *testing.T) {
	s := NewStore()

	assert.Equal(t, "", s.Current())
	assert.Empty(t, s.History())
	assert.False(t, s.Revised())
}

func TestUpdateAppendsPreviousToHistory(t *testing.T) {
	s := NewStore()

	s.Update("v1")
	s.Update("v2")

	assert.Equal(t, "v2", s.Current())
	assert.Equal(t, []string{"", "v1"}, s.History())
	assert.True(t, s.Revised())
}

func TestHistoryLengthEqualsUpdateCount(t *testing.T) {
	s := NewStore()
	for i := 0; i < 5; i++ {
		s.Update("v")
	}
	assert.Len(t, s.History(), 5)
}

func TestHistoryIsCopied(t *testing.T) {
	s := NewStore()
	s.Update("v1")

	h := s.History()
	h[0] = "mutated"

	assert.Equal(t, []string{""}, s.History())
}
