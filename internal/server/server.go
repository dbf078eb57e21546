package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/market-chat/internal/abuse"
	"github.com/npezzotti/market-chat/internal/database"
	"github.com/npezzotti/market-chat/internal/identity"
	"github.com/npezzotti/market-chat/internal/presence"
	"github.com/npezzotti/market-chat/internal/stats"
	"github.com/npezzotti/market-chat/internal/types"
)

const (
	handlerTimeout = 10 * time.Second

	metricConnectedClients   = "ConnectedClients"
	metricMessagesSent       = "MessagesSent"
	metricMessagesRejected   = "MessagesRejected"
	metricViolationsRecorded = "ViolationsRecorded"
	metricBidMessagesSent    = "BidMessagesSent"
)

var metrics = []string{
	metricConnectedClients,
	metricMessagesSent,
	metricMessagesRejected,
	metricViolationsRecorded,
	metricBidMessagesSent,
}

// Services are the stores and collaborators the chat server drives.
type Services struct {
	Presence   presence.Store
	Abuse      *abuse.Engine
	Violations abuse.ViolationStore
	Directory  identity.Directory
}

type ChatServer struct {
	log           *log.Logger
	db            database.ChatRepository
	stats         stats.StatsProvider
	presence      presence.Store
	abuse         *abuse.Engine
	violations    abuse.ViolationStore
	directory     identity.Directory
	clients       map[string]*Client
	clientsLock   sync.RWMutex
	// readers tracks read pumps until their disconnect has finished
	readers       sync.WaitGroup
	rooms         *roomRegistry
	handlers      map[string]handlerFunc
	broadcastChan chan *broadcastReq
	stop          chan stopReq
	systemUser    types.User
	systemLock    sync.RWMutex
}

type broadcastReq struct {
	msg  *ServerMessage
	skip *Client
}

type stopReq struct {
	done chan struct{}
}

func NewChatServer(logger *log.Logger, db database.ChatRepository, su stats.StatsProvider, svc Services) (*ChatServer, error) {
	if svc.Presence == nil {
		return nil, errors.New("presence store is required")
	}
	if svc.Abuse == nil || svc.Violations == nil {
		return nil, errors.New("abuse engine and violation store are required")
	}
	if svc.Directory == nil {
		svc.Directory = identity.NoDirectory{}
	}

	cs := &ChatServer{
		log:           logger,
		db:            db,
		stats:         su,
		presence:      svc.Presence,
		abuse:         svc.Abuse,
		violations:    svc.Violations,
		directory:     svc.Directory,
		clients:       make(map[string]*Client),
		rooms:         newRoomRegistry(),
		broadcastChan: make(chan *broadcastReq, 256),
		stop:          make(chan stopReq),
	}
	cs.handlers = cs.eventHandlers()
	cs.abuse.OnViolation(cs.alertAdmins)

	for _, m := range metrics {
		su.RegisterMetric(m)
	}

	return cs, nil
}

func (cs *ChatServer) Run() {
	for {
		select {
		case req := <-cs.broadcastChan:
			for _, c := range cs.getClients() {
				if c != req.skip {
					c.queueMessage(req.msg)
				}
			}
		case req := <-cs.stop:
			cs.log.Println("closing client connections")
			for _, c := range cs.getClients() {
				c.stopClient()
			}
			close(req.done)
			return
		}
	}
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	req := stopReq{done: make(chan struct{})}
	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	disconnected := make(chan struct{})
	go func() {
		cs.readers.Wait()
		close(disconnected)
	}()

	select {
	case <-disconnected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// broadcast queues msg for every connected client.
func (cs *ChatServer) broadcast(msg *ServerMessage, skip *Client) {
	select {
	case cs.broadcastChan <- &broadcastReq{msg: msg, skip: skip}:
	default:
		cs.log.Printf("broadcast channel full, dropping %q", msg.Event)
	}
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	cs.clients[c.id] = c
}

// removeClient reports whether the client was still registered.
func (cs *ChatServer) removeClient(c *Client) bool {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	if _, ok := cs.clients[c.id]; !ok {
		return false
	}
	delete(cs.clients, c.id)
	return true
}

func (cs *ChatServer) getClient(socketId string) *Client {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()
	return cs.clients[socketId]
}

func (cs *ChatServer) getClients() []*Client {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	clients := make([]*Client, 0, len(cs.clients))
	for _, c := range cs.clients {
		clients = append(clients, c)
	}
	return clients
}

// sendToSocket queues msg for the socket with the given id if it is
// connected to this process.
func (cs *ChatServer) sendToSocket(socketId string, msg *ServerMessage) bool {
	if socketId == "" {
		return false
	}
	c := cs.getClient(socketId)
	if c == nil {
		return false
	}
	return c.queueMessage(msg)
}

// sendToUser resolves the user's current socket and queues msg for it.
func (cs *ChatServer) sendToUser(ctx context.Context, user types.User, msg *ServerMessage) bool {
	socketId, err := presence.ResolveSocket(ctx, cs.presence, user)
	if err != nil {
		cs.log.Printf("error resolving socket for user %q: %v", user.Id, err)
		return false
	}
	return cs.sendToSocket(socketId, msg)
}

// Authenticate loads the user a verified token refers to.
func (cs *ChatServer) Authenticate(ctx context.Context, userId string) (types.User, error) {
	if userId == "" {
		return types.User{}, errUnauthorized("missing user id")
	}
	user, err := cs.db.GetUserById(userId)
	if errors.Is(err, database.ErrNotFound) {
		return types.User{}, errUnauthorized("unknown user")
	}
	if err != nil {
		return types.User{}, fmt.Errorf("authenticate: %w", err)
	}
	return user, nil
}

// Connect registers an authenticated connection and starts its pumps.
func (cs *ChatServer) Connect(ctx context.Context, user types.User, conn *websocket.Conn) (*Client, error) {
	c := NewClient(user, conn, cs, cs.log)
	if err := cs.register(ctx, c); err != nil {
		cs.unregister(c)
		return nil, err
	}

	cs.readers.Add(1)
	go c.Write()
	go func() {
		defer cs.readers.Done()
		c.Read()
	}()

	return c, nil
}

func (cs *ChatServer) register(ctx context.Context, c *Client) error {
	cs.addClient(c)
	cs.rooms.join(c.user.Id, c)
	cs.stats.Incr(metricConnectedClients)

	if err := presence.Bind(ctx, cs.presence, c.user, c.id); err != nil {
		return fmt.Errorf("bind presence: %w", err)
	}
	rec, err := cs.presence.SetStatus(ctx, c.user.Id, types.PresenceOnline)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}

	cs.log.Printf("user %q connected on socket %q", c.user.Username, c.id)
	cs.broadcast(newServerMessage(EventUserStatusChanged, newUserStatus(c.user.Id, rec)), nil)
	return nil
}

// unregister detaches the client from the server. It reports false when the
// client was already gone.
func (cs *ChatServer) unregister(c *Client) bool {
	if !cs.removeClient(c) {
		return false
	}
	cs.rooms.leaveAll(c)
	c.stopClient()
	cs.stats.Decr(metricConnectedClients)
	return true
}

// disconnect runs when a socket goes away. Presence only changes if this
// socket is still the one on file for the user; a newer connection from the
// same user wins.
func (cs *ChatServer) disconnect(c *Client) {
	if !cs.unregister(c) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	released, err := presence.Release(ctx, cs.presence, c.user, c.id)
	if err != nil {
		cs.log.Printf("error releasing presence for user %q: %v", c.user.Id, err)
		return
	}
	if !released {
		cs.log.Printf("ignoring stale disconnect for user %q on socket %q", c.user.Username, c.id)
		return
	}

	rec, err := cs.presence.SetStatus(ctx, c.user.Id, types.PresenceOffline)
	if err != nil {
		cs.log.Printf("error setting offline status for user %q: %v", c.user.Id, err)
		return
	}

	cs.log.Printf("user %q disconnected", c.user.Username)
	cs.broadcast(newServerMessage(EventUserStatusChanged, newUserStatus(c.user.Id, rec)), nil)
}
