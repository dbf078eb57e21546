package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/market-chat/internal/config"
	"github.com/npezzotti/market-chat/internal/database"
	"github.com/npezzotti/market-chat/internal/server"
	"github.com/npezzotti/market-chat/internal/types"
)

// ChatGateway is the part of the chat server the HTTP surface drives.
type ChatGateway interface {
	Authenticate(ctx context.Context, userId string) (types.User, error)
	Connect(ctx context.Context, user types.User, conn *websocket.Conn) (*server.Client, error)
	Notify(ctx context.Context, userId, content string) error
	BroadcastSystem(ctx context.Context, content string) (server.BroadcastResults, error)
}

type ChatApp struct {
	log            *log.Logger
	db             database.ChatRepository
	srv            *http.Server
	cs             ChatGateway
	signingKey     []byte
	userIdClaim    string
	adminKeyHash   []byte
	allowedOrigins []string
	limiter        *ipRateLimiter
	proxies        proxies
	stopLimiter    chan struct{}
}

func NewChatApp(mux *http.ServeMux, logger *log.Logger, cs ChatGateway, db database.ChatRepository, cfg *config.Config) *ChatApp {
	s := &ChatApp{
		log:            logger,
		db:             db,
		cs:             cs,
		signingKey:     cfg.SigningKey,
		userIdClaim:    cfg.UserIdClaim,
		adminKeyHash:   cfg.AdminKeyHash,
		allowedOrigins: cfg.AllowedOrigins,
		limiter:        newIPRateLimiter(defaultRequestRate, defaultRequestBurst),
		proxies:        cfg.TrustedProxies,
		stopLimiter:    make(chan struct{}),
	}
	if s.userIdClaim == "" {
		s.userIdClaim = "sub"
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("GET /ws", s.serveWs)
	mux.HandleFunc("PUT /api/users", s.adminKeyMiddleware(s.upsertUser))
	mux.HandleFunc("GET /api/users/search", s.authMiddleware(s.searchUsers))
	mux.HandleFunc("POST /api/admin/notifications", s.adminKeyMiddleware(s.postNotification))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization", adminKeyHeader}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.rateLimitMiddleware(h)
	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *ChatApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *ChatApp) Start() error {
	go s.limiter.run(s.stopLimiter)

	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *ChatApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	close(s.stopLimiter)
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
