package abuse

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/market-chat/internal/types"
)

const (
	MessageRateLimit      = 500 * time.Millisecond
	PenaltyIncrement      = 5 * time.Second
	MaxPenalty            = 5 * time.Minute
	SpamPenalty           = 60 * time.Second
	MaxPenaltyAttempts    = 5
	ConversationWindow    = 5 * time.Minute
	MaxConversationStarts = 10
	// NewConversationMarker identifies a send that opens a new conversation.
	NewConversationMarker = "new-conversation"

	// the penalty record outlives its enforcement window so that the
	// escalation level carries over between windows
	penaltyRecordTTL = time.Hour
	lastMessageTTL   = time.Minute
)

type Reason string

const (
	ReasonPenalty           Reason = "penalty"
	ReasonRateLimit         Reason = "rate_limit_increased"
	ReasonContentFiltered   Reason = "content_filtered"
	ReasonConversationLimit Reason = "conversation_limit"
)

const (
	ViolationPenaltyEvasion    = "penalty_evasion"
	ViolationSpam              = "spam"
	ViolationConversationFlood = "conversation_limit"
)

type Decision struct {
	Allowed  bool
	Reason   Reason
	Message  string
	Cooldown time.Duration
}

func reject(reason Reason, cooldown time.Duration) Decision {
	return Decision{
		Reason:   reason,
		Message:  rejectionMessage(reason, cooldown),
		Cooldown: cooldown,
	}
}

func rejectionMessage(reason Reason, cooldown time.Duration) string {
	secs := int(math.Ceil(cooldown.Seconds()))
	switch reason {
	case ReasonPenalty:
		return fmt.Sprintf("You are temporarily restricted from sending messages. Please wait %d seconds.", secs)
	case ReasonRateLimit:
		return fmt.Sprintf("You are sending messages too quickly. Please wait %d seconds before sending again.", secs)
	case ReasonContentFiltered:
		return fmt.Sprintf("Your message was blocked because it contains prohibited content. You can send messages again in %d seconds.", secs)
	case ReasonConversationLimit:
		return "You have started too many new conversations. Please try again later."
	}
	return "Your message was rejected."
}

// Engine decides whether a user may send a chat message and escalates the
// user's penalty state when they may not.
type Engine struct {
	state       StateStore
	violations  ViolationStore
	log         *log.Logger
	now         func() time.Time
	locks       keyedMutex
	onViolation func(context.Context, types.Violation)
}

func NewEngine(state StateStore, violations ViolationStore, logger *log.Logger) *Engine {
	return &Engine{
		state:      state,
		violations: violations,
		log:        logger,
		now:        time.Now,
	}
}

// OnViolation registers fn to run after each recorded violation. It must be
// set before the engine is used.
func (e *Engine) OnViolation(fn func(context.Context, types.Violation)) {
	e.onViolation = fn
}

// Check runs the gates in order: penalty window, message cadence, content
// filter, new-conversation throttle. Admins bypass all of them. Checks for
// the same user are serialized.
func (e *Engine) Check(ctx context.Context, user types.User, conversationId, content string) (Decision, error) {
	if user.IsAdmin() {
		return Decision{Allowed: true}, nil
	}

	unlock := e.locks.Lock(user.Id)
	d, recorded, err := e.check(ctx, user, conversationId, content)
	unlock()

	if e.onViolation != nil {
		for _, v := range recorded {
			e.onViolation(ctx, v)
		}
	}

	return d, err
}

func (e *Engine) check(ctx context.Context, user types.User, conversationId, content string) (Decision, []types.Violation, error) {
	now := e.now()
	st, err := e.state.Load(ctx, user.Id)
	if err != nil {
		return Decision{}, nil, err
	}

	if st.Penalty.Active(now) {
		return e.penalized(ctx, user, st.Penalty, now)
	}

	if !st.LastMessageAt.IsZero() && now.Sub(st.LastMessageAt) < MessageRateLimit {
		p := Penalty{
			StartedAt: now,
			Duration:  min(st.Penalty.Duration+PenaltyIncrement, MaxPenalty),
		}
		if err := e.state.SetPenalty(ctx, user.Id, p, penaltyRecordTTL); err != nil {
			return Decision{}, nil, err
		}
		e.log.Printf("rate limited user %q, penalty %s", user.Id, p.Duration)
		return reject(ReasonRateLimit, p.Duration), nil, nil
	}

	if IsSpam(content) {
		p := Penalty{StartedAt: now, Duration: SpamPenalty}
		if err := e.state.SetPenalty(ctx, user.Id, p, penaltyRecordTTL); err != nil {
			return Decision{}, nil, err
		}
		recorded := e.record(ctx, user, ViolationSpam, fmt.Sprintf("blocked content: %q", truncate(content, 100)), now)
		return reject(ReasonContentFiltered, p.Duration), recorded, nil
	}

	if strings.Contains(conversationId, NewConversationMarker) {
		starts, err := e.state.ConversationStarts(ctx, user.Id, now.Add(-ConversationWindow))
		if err != nil {
			return Decision{}, nil, err
		}
		if len(starts) >= MaxConversationStarts {
			cooldown := starts[0].Add(ConversationWindow).Sub(now)
			recorded := e.record(ctx, user, ViolationConversationFlood,
				fmt.Sprintf("%d new conversations within %s", len(starts), ConversationWindow), now)
			return reject(ReasonConversationLimit, max(cooldown, 0)), recorded, nil
		}
		if err := e.state.AddConversationStart(ctx, user.Id, now, ConversationWindow); err != nil {
			return Decision{}, nil, err
		}
	}

	if err := e.state.SetLastMessage(ctx, user.Id, now, lastMessageTTL); err != nil {
		return Decision{}, nil, err
	}

	return Decision{Allowed: true}, nil, nil
}

func (e *Engine) penalized(ctx context.Context, user types.User, p Penalty, now time.Time) (Decision, []types.Violation, error) {
	attempts, err := e.state.IncrPenaltyAttempts(ctx, user.Id, penaltyRecordTTL)
	if err != nil {
		return Decision{}, nil, err
	}

	var recorded []types.Violation
	if attempts >= MaxPenaltyAttempts {
		p.Duration = min(p.Duration*2, MaxPenalty)
		if err := e.state.SetPenalty(ctx, user.Id, p, penaltyRecordTTL); err != nil {
			return Decision{}, nil, err
		}
		if err := e.state.ResetPenaltyAttempts(ctx, user.Id); err != nil {
			return Decision{}, nil, err
		}
		e.log.Printf("escalated penalty for user %q to %s", user.Id, p.Duration)
		recorded = e.record(ctx, user, ViolationPenaltyEvasion,
			fmt.Sprintf("%d attempts while penalized, penalty raised to %s", attempts, p.Duration), now)
	}

	return reject(ReasonPenalty, p.Remaining(now)), recorded, nil
}

// record stores a violation. A failure to record is logged and does not
// change the outcome of the check.
func (e *Engine) record(ctx context.Context, user types.User, vtype, details string, now time.Time) []types.Violation {
	v, err := e.violations.Record(ctx, types.Violation{
		UserId:    user.Id,
		Type:      vtype,
		Details:   details,
		Timestamp: now,
	})
	if err != nil {
		e.log.Printf("error recording %s violation for user %q: %v", vtype, user.Id, err)
		return nil
	}
	e.log.Printf("recorded %s violation %q", vtype, v.Key)
	return []types.Violation{v}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
