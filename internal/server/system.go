package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/npezzotti/market-chat/internal/database"
	"github.com/npezzotti/market-chat/internal/types"
)

var errNoSystemUser = errors.New("system user not initialized")

// EnsureSystemUser creates the synthetic sender of automated notices if it
// does not exist yet. It is safe to call on every start.
func (cs *ChatServer) EnsureSystemUser(avatar string) (types.User, error) {
	u, err := cs.db.UpsertUser(database.UpsertUserParams{
		Username: types.SystemUsername,
		Avatar:   avatar,
		Role:     types.RoleUser,
	})
	if err != nil {
		return types.User{}, fmt.Errorf("ensure system user: %w", err)
	}

	cs.systemLock.Lock()
	cs.systemUser = u
	cs.systemLock.Unlock()

	return u, nil
}

func (cs *ChatServer) system() (types.User, error) {
	cs.systemLock.RLock()
	defer cs.systemLock.RUnlock()

	if cs.systemUser.Id == "" {
		return types.User{}, errNoSystemUser
	}
	return cs.systemUser, nil
}

// deliver fans a persisted message out to the conversation room and to the
// current socket of every participant, since room membership can lag
// behind a user's open sockets.
func (cs *ChatServer) deliver(ctx context.Context, conv types.Conversation, msg types.Message) {
	cs.rooms.broadcast(conv.Id, newServerMessage(EventNewMessage, msg), nil)

	for _, p := range conv.Participants {
		cs.sendToUser(ctx, p, newServerMessage(EventUpdateConversation, conv))
		cs.sendToUser(ctx, p, newServerMessage(EventNewMessage, msg))
	}
}

// sendDirect persists a message from sender to recipient in their private
// conversation, creating it if needed, and delivers it.
func (cs *ChatServer) sendDirect(ctx context.Context, sender, recipient types.User, content string) (types.Message, error) {
	params := database.CreateConversationParams{
		Type:           types.ConversationPrivate,
		ParticipantIds: []string{sender.Id, recipient.Id},
	}
	if sender.Id == recipient.Id {
		params = database.CreateConversationParams{
			Type:           types.ConversationSelf,
			ParticipantIds: []string{sender.Id},
		}
	}

	conv, _, err := cs.db.GetOrCreateConversation(params)
	if err != nil {
		return types.Message{}, fmt.Errorf("get conversation: %w", err)
	}

	return cs.postMessage(ctx, conv, sender, types.MessageText, content)
}

// postMessage persists a message, moves the conversation's last message
// pointer and delivers both.
func (cs *ChatServer) postMessage(ctx context.Context, conv types.Conversation, sender types.User, mtype types.MessageType, content string) (types.Message, error) {
	msg, err := cs.db.CreateMessage(database.CreateMessageParams{
		ConversationId: conv.Id,
		Sender:         sender.Snapshot(),
		Type:           mtype,
		Content:        content,
	})
	if err != nil {
		return types.Message{}, fmt.Errorf("create message: %w", err)
	}

	conv, err = cs.db.AppendMessage(conv.Id, msg.Id, msg.CreatedAt)
	if err != nil {
		return types.Message{}, fmt.Errorf("append message: %w", err)
	}

	cs.deliver(ctx, conv, msg)
	return msg, nil
}

// notify sends an automated notice to the user from the system account.
func (cs *ChatServer) notify(ctx context.Context, user types.User, content string) error {
	sys, err := cs.system()
	if err != nil {
		return err
	}
	if user.Id == sys.Id {
		return nil
	}
	_, err = cs.sendDirect(ctx, sys, user, content)
	return err
}

// alertAdmins tells every admin about a recorded violation, both as a
// system message and as a violationAlert event.
func (cs *ChatServer) alertAdmins(ctx context.Context, v types.Violation) {
	cs.stats.Incr(metricViolationsRecorded)

	username := v.UserId
	if u, err := cs.db.GetUserById(v.UserId); err == nil {
		username = u.Username
	}

	users, err := cs.db.ListUsers()
	if err != nil {
		cs.log.Printf("error listing admins for violation %q: %v", v.Key, err)
		return
	}

	alert := newServerMessage(EventViolationAlert, ViolationAlert{Violation: v, Username: username})
	content := fmt.Sprintf("Violation by %s: %s (%s)", username, v.Type, v.Details)
	for _, admin := range users {
		if !admin.IsAdmin() {
			continue
		}
		if err := cs.notify(ctx, admin, content); err != nil {
			cs.log.Printf("error notifying admin %q of violation %q: %v", admin.Username, v.Key, err)
		}
		cs.sendToUser(ctx, admin, alert)
	}
}

// broadcastFrom sends content from sender to every regular user, one private
// conversation each. A failure for one user does not stop the others.
func (cs *ChatServer) broadcastFrom(ctx context.Context, sender types.User, content string) (BroadcastResults, error) {
	users, err := cs.db.ListUsers()
	if err != nil {
		return BroadcastResults{}, fmt.Errorf("list users: %w", err)
	}

	res := BroadcastResults{Results: []BroadcastResult{}}
	for _, u := range users {
		if u.IsAdmin() || u.IsSystem() || u.Id == sender.Id {
			continue
		}

		r := BroadcastResult{UserId: u.Id, Username: u.Username, Status: BroadcastSuccess}
		if err := cs.sendOne(ctx, sender, u, content); err != nil {
			cs.log.Printf("broadcast to %q failed: %v", u.Username, err)
			r.Status = BroadcastFailed
			r.Error = err.Error()
			res.Failed++
		} else {
			res.Success++
		}
		res.Results = append(res.Results, r)
	}
	res.Total = len(res.Results)

	return res, nil
}

func (cs *ChatServer) sendOne(ctx context.Context, sender, recipient types.User, content string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	_, err = cs.sendDirect(ctx, sender, recipient, content)
	return err
}

// Notify sends a system notice to a single user.
func (cs *ChatServer) Notify(ctx context.Context, userId, content string) error {
	u, err := cs.db.GetUserById(userId)
	if err != nil {
		return err
	}
	return cs.notify(ctx, u, content)
}

// BroadcastSystem sends a system notice to every regular user.
func (cs *ChatServer) BroadcastSystem(ctx context.Context, content string) (BroadcastResults, error) {
	sys, err := cs.system()
	if err != nil {
		return BroadcastResults{}, err
	}
	return cs.broadcastFrom(ctx, sys, content)
}
