package database

import (
	"errors"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/npezzotti/market-chat/internal/types"
	"github.com/teris-io/shortid"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// pairKey canonicalizes a participant set so that lookups use set equality
// rather than order. Group conversations have no key.
func pairKey(ctype types.ConversationType, participantIds []string) (string, error) {
	switch ctype {
	case types.ConversationSelf:
		if len(participantIds) != 1 || participantIds[0] == "" {
			return "", ErrInvalidInput
		}
		return participantIds[0], nil
	case types.ConversationPrivate:
		if len(participantIds) != 2 || participantIds[0] == "" || participantIds[1] == "" ||
			participantIds[0] == participantIds[1] {
			return "", ErrInvalidInput
		}
		ids := slices.Clone(participantIds)
		slices.Sort(ids)
		return strings.Join(ids, ":"), nil
	case types.ConversationGroup:
		if len(participantIds) < 2 {
			return "", ErrInvalidInput
		}
		return "", nil
	}
	return "", ErrInvalidInput
}

func newConversationId() (string, error) {
	return shortid.Generate()
}

func newMessageId() string {
	return uuid.NewString()
}

func newUserId() string {
	return uuid.NewString()
}

func normalizeRole(r types.Role) types.Role {
	if r == "" {
		return types.RoleUser
	}
	return r
}
