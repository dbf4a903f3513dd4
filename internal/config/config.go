// Package config loads process configuration from the environment
// (with optional .env overrides) and from a per-company YAML file for
// static mapper defaults used in local/dev runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Server holds cmd/server's process configuration.
type Server struct {
	ListenAddr         string
	SQLitePath         string
	RedisAddr          string
	RedisPassword      string
	NATSEmbeddedPort   int
	JWTSigningKey      string
	LegacyBearer       string
	JWTTTL             time.Duration
	HeartbeatTimeout   time.Duration
	LongPollTimeout    time.Duration
	AIEndpoint         string
	AIAPIKey           string
	ObjectStoreRoot    string
	ObjectStoreBaseURL string
	ObjectStoreSignKey string
}

// Agent holds cmd/agent's process configuration.
type Agent struct {
	ServerBaseURL    string
	LegacyBearer     string
	AgentID          string
	CompanyID        string
	UserID           string
	Hostname         string
	Platform         string
	Version          string
	HeartbeatPeriod  time.Duration
	PollTimeout      time.Duration
	MaxCrawlDepth    int
}

// LoadDotEnv loads a .env file if present; a missing file is not an
// error, following the teacher's optional-override convention.
func LoadDotEnv(path string) {
	_ = godotenv.Load(path)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// LoadServer builds Server config from the environment.
func LoadServer() (*Server, error) {
	cfg := &Server{
		ListenAddr:       getenv("CONTROLPLANE_LISTEN_ADDR", ":8080"),
		SQLitePath:       getenv("CONTROLPLANE_SQLITE_PATH", "controlplane.db"),
		RedisAddr:        getenv("CONTROLPLANE_REDIS_ADDR", "localhost:6379"),
		RedisPassword:    os.Getenv("CONTROLPLANE_REDIS_PASSWORD"),
		NATSEmbeddedPort: getenvInt("CONTROLPLANE_NATS_PORT", 4222),
		JWTSigningKey:    os.Getenv("CONTROLPLANE_JWT_SIGNING_KEY"),
		LegacyBearer:     os.Getenv("CONTROLPLANE_LEGACY_BEARER"),
		JWTTTL:           getenvDuration("CONTROLPLANE_JWT_TTL", 30*time.Minute),
		HeartbeatTimeout: getenvDuration("CONTROLPLANE_HEARTBEAT_TIMEOUT", 60*time.Second),
		LongPollTimeout:  getenvDuration("CONTROLPLANE_LONGPOLL_TIMEOUT", 30*time.Second),
		AIEndpoint:       os.Getenv("CONTROLPLANE_AI_ENDPOINT"),
		AIAPIKey:         os.Getenv("CONTROLPLANE_AI_API_KEY"),
		ObjectStoreRoot:    getenv("CONTROLPLANE_OBJECT_STORE_ROOT", "./objectstore-data"),
		ObjectStoreBaseURL: getenv("CONTROLPLANE_OBJECT_STORE_BASE_URL", "http://localhost:8080/objects"),
		ObjectStoreSignKey: os.Getenv("CONTROLPLANE_OBJECT_STORE_SIGN_KEY"),
	}
	if cfg.JWTSigningKey == "" {
		return nil, fmt.Errorf("config: CONTROLPLANE_JWT_SIGNING_KEY must be set")
	}
	if cfg.LegacyBearer == "" {
		return nil, fmt.Errorf("config: CONTROLPLANE_LEGACY_BEARER must be set")
	}
	if cfg.ObjectStoreSignKey == "" {
		cfg.ObjectStoreSignKey = cfg.JWTSigningKey
	}
	return cfg, nil
}

// LoadAgent builds Agent config from the environment.
func LoadAgent() (*Agent, error) {
	cfg := &Agent{
		ServerBaseURL:   getenv("CONTROLPLANE_SERVER_URL", "http://localhost:8080"),
		LegacyBearer:    os.Getenv("CONTROLPLANE_LEGACY_BEARER"),
		AgentID:         os.Getenv("CONTROLPLANE_AGENT_ID"),
		CompanyID:       os.Getenv("CONTROLPLANE_COMPANY_ID"),
		UserID:          os.Getenv("CONTROLPLANE_USER_ID"),
		Hostname:        getenv("CONTROLPLANE_HOSTNAME", "agent-host"),
		Platform:        getenv("CONTROLPLANE_PLATFORM", "linux"),
		Version:         getenv("CONTROLPLANE_VERSION", "0.1.0"),
		HeartbeatPeriod: getenvDuration("CONTROLPLANE_HEARTBEAT_PERIOD", 20*time.Second),
		PollTimeout:     getenvDuration("CONTROLPLANE_POLL_TIMEOUT", 35*time.Second),
		MaxCrawlDepth:   getenvInt("CONTROLPLANE_MAX_CRAWL_DEPTH", 20),
	}
	if cfg.LegacyBearer == "" {
		return nil, fmt.Errorf("config: CONTROLPLANE_LEGACY_BEARER must be set")
	}
	return cfg, nil
}
