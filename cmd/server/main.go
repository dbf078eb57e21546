package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/npezzotti/market-chat/internal/abuse"
	"github.com/npezzotti/market-chat/internal/api"
	"github.com/npezzotti/market-chat/internal/config"
	"github.com/npezzotti/market-chat/internal/database"
	"github.com/npezzotti/market-chat/internal/identity"
	"github.com/npezzotti/market-chat/internal/presence"
	"github.com/npezzotti/market-chat/internal/server"
	"github.com/npezzotti/market-chat/internal/stats"
	"github.com/redis/go-redis/v9"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	configPath     string
	flagParams     config.Params
	allowedOrigins stringSliceFlag
	trustedProxies stringSliceFlag
)

func main() {
	flag.StringVar(&configPath, "config", "", "path to a YAML config file")
	flag.StringVar(&flagParams.ServerAddr, "addr", "localhost:8000", "server address")
	flag.StringVar(&flagParams.DatabaseDSN, "dsn", config.MemoryDSN, `database connection string, or "memory"`)
	flag.StringVar(&flagParams.SigningKey, "signing-key", defaultSigningKey, "base64 encoded signing key")
	flag.StringVar(&flagParams.UserIdClaim, "user-id-claim", "sub", "dotted path of the user id claim in access tokens")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.StringVar(&flagParams.RedisAddr, "redis-addr", "localhost:6379", "redis address")
	flag.StringVar(&flagParams.RedisPassword, "redis-password", "", "redis password")
	flag.IntVar(&flagParams.RedisDB, "redis-db", 0, "redis database number")
	flag.StringVar(&flagParams.AdminKey, "admin-key", "", "key required by the admin HTTP endpoints")
	flag.StringVar(&flagParams.IdentityURL, "identity-url", "", "base URL of the identity service used to import unknown users")
	flag.StringVar(&flagParams.SystemAvatar, "system-avatar", "", "avatar URL of the system user")
	flag.Var(&trustedProxies, "trusted-proxies", "comma-separated addresses or CIDR ranges allowed to set forwarding headers")
	flag.Parse()
	flagParams.AllowedOrigins = allowedOrigins
	flagParams.TrustedProxies = trustedProxies

	logger := log.New(os.Stderr, "[market-chat] ", log.LstdFlags)

	params, err := loadParams()
	if err != nil {
		logger.Fatal("config: ", err)
	}

	cfg, err := config.NewConfig(params)
	if err != nil {
		logger.Fatal("config: ", err)
	}

	repo, closeRepo, err := openRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open: ", err)
	}
	defer func() {
		if err := closeRepo(); err != nil {
			logger.Println("db close:", err)
		}
	}()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancelPing()
	if err != nil {
		logger.Fatal("redis ping: ", err)
	}

	var directory identity.Directory = identity.NoDirectory{}
	if cfg.IdentityURL != "" {
		directory = identity.NewClient(cfg.IdentityURL)
	}

	violations := abuse.NewRedisViolationStore(rdb)
	engine := abuse.NewEngine(abuse.NewRedisStateStore(rdb, ""), violations, logger)

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	chatServer, err := server.NewChatServer(logger, repo, statsUpdater, server.Services{
		Presence:   presence.NewRedisStore(rdb, ""),
		Abuse:      engine,
		Violations: violations,
		Directory:  directory,
	})
	if err != nil {
		logger.Fatal("new chat server: ", err)
	}

	if _, err := chatServer.EnsureSystemUser(cfg.SystemAvatar); err != nil {
		logger.Fatal("system user: ", err)
	}

	srv := api.NewChatApp(mux, logger, chatServer, repo, cfg)

	statsUpdater.Run()

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	logger.Println("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Println("chat server shutdown:", err)
	} else {
		// disconnects still update counters until the chat server is down
		statsUpdater.Stop()
	}

	logger.Println("shutdown complete")
}

// loadParams layers the settings: flag defaults, then the config file, then
// the environment, then flags given explicitly on the command line.
func loadParams() (config.Params, error) {
	p := flagParams
	if configPath != "" {
		if err := config.LoadFile(configPath, &p); err != nil {
			return config.Params{}, err
		}
	}
	config.ApplyEnv(&p)

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			p.ServerAddr = flagParams.ServerAddr
		case "dsn":
			p.DatabaseDSN = flagParams.DatabaseDSN
		case "signing-key":
			p.SigningKey = flagParams.SigningKey
		case "user-id-claim":
			p.UserIdClaim = flagParams.UserIdClaim
		case "allowed-origins":
			p.AllowedOrigins = flagParams.AllowedOrigins
		case "redis-addr":
			p.RedisAddr = flagParams.RedisAddr
		case "redis-password":
			p.RedisPassword = flagParams.RedisPassword
		case "redis-db":
			p.RedisDB = flagParams.RedisDB
		case "admin-key":
			p.AdminKey = flagParams.AdminKey
		case "identity-url":
			p.IdentityURL = flagParams.IdentityURL
		case "system-avatar":
			p.SystemAvatar = flagParams.SystemAvatar
		case "trusted-proxies":
			p.TrustedProxies = flagParams.TrustedProxies
		}
	})

	return p, nil
}

func openRepository(dsn string) (database.ChatRepository, func() error, error) {
	if dsn == config.MemoryDSN {
		return database.NewMemoryChatRepository(), func() error { return nil }, nil
	}

	pg, err := database.NewPgChatRepository(dsn)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}
