package abuse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSpam(t *testing.T) {
	tcases := []struct {
		content string
		spam    bool
	}{
		{"cheap VIAGRA here", true},
		{"visit our Casino", true},
		{"you won the lottery!", true},
		{"place your bet now", true},
		{"Betting tips inside", true},
		{"Earn money quickly from home", true},
		{"MAKE MONEY FAST", true},
		{"is the item still available?", false},
		{"I'd better check the alphabet", false},
		{"", false},
	}

	for _, tc := range tcases {
		t.Run(tc.content, func(t *testing.T) {
			assert.Equal(t, tc.spam, IsSpam(tc.content))
		})
	}
}
