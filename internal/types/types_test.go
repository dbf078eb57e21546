package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageStatusAdvance(t *testing.T) {
	tcases := []struct {
		name     string
		current  MessageStatus
		next     MessageStatus
		expected MessageStatus
		changed  bool
	}{
		{name: "sent to read", current: StatusSent, next: StatusRead, expected: StatusRead, changed: true},
		{name: "sent to delivered", current: StatusSent, next: StatusDelivered, expected: StatusDelivered, changed: true},
		{name: "delivered to read", current: StatusDelivered, next: StatusRead, expected: StatusRead, changed: true},
		{name: "read to sent is ignored", current: StatusRead, next: StatusSent, expected: StatusRead, changed: false},
		{name: "read to delivered is ignored", current: StatusRead, next: StatusDelivered, expected: StatusRead, changed: false},
		{name: "read to read is not a change", current: StatusRead, next: StatusRead, expected: StatusRead, changed: false},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			got, changed := tc.current.Advance(tc.next)
			assert.Equal(t, tc.expected, got, "unexpected status")
			assert.Equal(t, tc.changed, changed, "unexpected changed flag")
		})
	}
}

func TestUserSnapshotIsDetached(t *testing.T) {
	u := User{Id: "u1", Username: "alice", Avatar: "https://cdn/a.png"}
	snap := u.Snapshot()

	u.Avatar = "https://cdn/b.png"
	u.Username = "alice2"

	assert.Equal(t, "https://cdn/a.png", snap.Avatar, "expected snapshot avatar to be unchanged")
	assert.Equal(t, "alice", snap.Username, "expected snapshot username to be unchanged")
}

func TestConversationHasParticipant(t *testing.T) {
	c := Conversation{Participants: []User{{Id: "u1", Username: "alice"}, {Id: "u2", Username: "bob"}}}
	assert.True(t, c.HasParticipant("u1"))
	assert.True(t, c.HasParticipant("bob"))
	assert.False(t, c.HasParticipant("carol"))
}

func TestValidators(t *testing.T) {
	assert.True(t, MessageSticker.Valid())
	assert.False(t, MessageType("gif").Valid())
	assert.True(t, PresenceBusy.Valid())
	assert.False(t, PresenceStatus("invisible").Valid())
}
