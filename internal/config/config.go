package config

import (
	"encoding/base64"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

const (
	defaultUserIdClaim = "sub"
	// MemoryDSN selects the in-process repository instead of PostgreSQL.
	MemoryDSN = "memory"
)

type Config struct {
	DatabaseDSN    string
	ServerAddr     string
	SigningKey     []byte
	UserIdClaim    string
	AllowedOrigins []string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	AdminKeyHash   []byte
	IdentityURL    string
	SystemAvatar   string
	TrustedProxies []netip.Prefix
}

// Params holds the raw, unvalidated settings gathered from flags, the
// config file and the environment.
type Params struct {
	ServerAddr     string   `yaml:"serverAddr"`
	DatabaseDSN    string   `yaml:"databaseDSN"`
	SigningKey     string   `yaml:"signingKey"`
	UserIdClaim    string   `yaml:"userIdClaim"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
	RedisAddr      string   `yaml:"redisAddr"`
	RedisPassword  string   `yaml:"redisPassword"`
	RedisDB        int      `yaml:"redisDB"`
	AdminKey       string   `yaml:"adminKey"`
	IdentityURL    string   `yaml:"identityURL"`
	SystemAvatar   string   `yaml:"systemAvatar"`
	// TrustedProxies lists addresses or CIDR ranges whose X-Forwarded-For
	// and X-Real-Ip headers are honored.
	TrustedProxies []string `yaml:"trustedProxies"`
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("empty key")
	}
	return key, nil
}

func parseTrustedProxies(entries []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			prefix, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, err
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func NewConfig(p Params) (*Config, error) {
	if p.ServerAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if p.DatabaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if p.SigningKey == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	if p.RedisAddr == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}
	if p.AdminKey == "" {
		return nil, fmt.Errorf("admin key cannot be empty")
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(p.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	// only the hash of the admin key is kept in memory
	adminKeyHash, err := bcrypt.GenerateFromPassword([]byte(p.AdminKey), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash admin key: %w", err)
	}

	trustedProxies, err := parseTrustedProxies(p.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}

	claim := strings.TrimSpace(p.UserIdClaim)
	if claim == "" {
		claim = defaultUserIdClaim
	}

	return &Config{
		DatabaseDSN:    p.DatabaseDSN,
		ServerAddr:     p.ServerAddr,
		SigningKey:     signingKey,
		UserIdClaim:    claim,
		AllowedOrigins: p.AllowedOrigins,
		RedisAddr:      p.RedisAddr,
		RedisPassword:  p.RedisPassword,
		RedisDB:        p.RedisDB,
		AdminKeyHash:   adminKeyHash,
		IdentityURL:    strings.TrimRight(p.IdentityURL, "/"),
		SystemAvatar:   p.SystemAvatar,
		TrustedProxies: trustedProxies,
	}, nil
}

// LoadFile reads YAML settings from path and overlays every non-zero value
// onto p.
func LoadFile(path string, p *Params) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	var fc Params
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	overlay(p, fc)
	return nil
}

// ApplyEnv overrides p with values from the process environment.
func ApplyEnv(p *Params) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		p.DatabaseDSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		p.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		p.RedisPassword = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			p.RedisDB = n
		}
	}
	if v := os.Getenv("SIGNING_KEY"); v != "" {
		p.SigningKey = v
	}
	if v := os.Getenv("ADMIN_KEY"); v != "" {
		p.AdminKey = v
	}
	if v := os.Getenv("IDENTITY_URL"); v != "" {
		p.IdentityURL = v
	}
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		p.TrustedProxies = strings.Split(v, ",")
	}
}

func overlay(dst *Params, src Params) {
	if src.ServerAddr != "" {
		dst.ServerAddr = src.ServerAddr
	}
	if src.DatabaseDSN != "" {
		dst.DatabaseDSN = src.DatabaseDSN
	}
	if src.SigningKey != "" {
		dst.SigningKey = src.SigningKey
	}
	if src.UserIdClaim != "" {
		dst.UserIdClaim = src.UserIdClaim
	}
	if len(src.AllowedOrigins) > 0 {
		dst.AllowedOrigins = src.AllowedOrigins
	}
	if src.RedisAddr != "" {
		dst.RedisAddr = src.RedisAddr
	}
	if src.RedisPassword != "" {
		dst.RedisPassword = src.RedisPassword
	}
	if src.RedisDB != 0 {
		dst.RedisDB = src.RedisDB
	}
	if src.AdminKey != "" {
		dst.AdminKey = src.AdminKey
	}
	if src.IdentityURL != "" {
		dst.IdentityURL = src.IdentityURL
	}
	if src.SystemAvatar != "" {
		dst.SystemAvatar = src.SystemAvatar
	}
	if len(src.TrustedProxies) > 0 {
		dst.TrustedProxies = src.TrustedProxies
	}
}
