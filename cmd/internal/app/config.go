package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"marketchat/cmd/internal/eventlog"
	"marketchat/cmd/internal/presence"
)

// Process roles. The gateway and the persistence worker scale separately.
const (
	RoleAll     = "all"
	RoleGateway = "gateway"
	RoleWorker  = "worker"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	Role       string
	InstanceID string

	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Empty selects the in-memory conversation store.
	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32
	AutoMigrate bool

	// Empty selects in-memory presence, counters, cache and event log, which
	// only works with RoleAll.
	RedisURL          string
	RedisPoolSize     int
	RedisDialTimeout  time.Duration
	RedisReadTimeout  time.Duration
	RedisWriteTimeout time.Duration

	// If true, /readyz returns 503 unless both DB and Redis are configured and reachable.
	ReadinessRequireBackends bool

	JWTIssuer    string
	JWTClockSkew time.Duration

	PresenceTTL time.Duration
	CacheTTL    time.Duration

	EventLogPartitions int
	EventLogMaxLen     int64
	EventLogBlock      time.Duration
	EventLogLease      time.Duration
	MessageTopic       string
	NotificationTopic  string
	PersistedTopic     string
	WorkerGroup        string
	RetryInitial       time.Duration
	RetryMax           time.Duration

	ProfileUsersURL   string
	ProfileSellersURL string
	ProfileTimeout    time.Duration

	WSOriginRequired    bool
	WSAllowedOrigins    []string
	WSDevInsecure       bool
	WSWriteTimeout      time.Duration
	WSReadIdleTimeout   time.Duration
	WSSendQueue         int
	WSHeartbeatInterval time.Duration
	WSHeartbeatTimeout  time.Duration
	WSRateEvents        int
	WSRateWindow        time.Duration

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	ServiceName  string
	OTLPEndpoint string
	OTLPInsecure bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		Role:       strings.ToLower(EnvString("MARKETCHAT_ROLE", RoleAll)),
		InstanceID: EnvString("MARKETCHAT_INSTANCE_ID", defaultInstanceID()),

		HTTPAddr:  EnvString("MARKETCHAT_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("MARKETCHAT_LOG_LEVEL", "info"),
		LogFormat: EnvString("MARKETCHAT_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("MARKETCHAT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("MARKETCHAT_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("MARKETCHAT_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("MARKETCHAT_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("MARKETCHAT_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("MARKETCHAT_DATABASE_URL", ""),
		DBSchema:    EnvString("MARKETCHAT_DB_SCHEMA", "marketchat"),
		DBMaxConns:  EnvInt32("MARKETCHAT_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("MARKETCHAT_DB_MIN_CONNS", 0),
		AutoMigrate: EnvBool("MARKETCHAT_DB_AUTO_MIGRATE", true),

		RedisURL:          EnvString("MARKETCHAT_REDIS_URL", ""),
		RedisPoolSize:     EnvInt("MARKETCHAT_REDIS_POOL_SIZE", 20),
		RedisDialTimeout:  EnvDuration("MARKETCHAT_REDIS_DIAL_TIMEOUT", 5*time.Second),
		RedisReadTimeout:  EnvDuration("MARKETCHAT_REDIS_READ_TIMEOUT", 3*time.Second),
		RedisWriteTimeout: EnvDuration("MARKETCHAT_REDIS_WRITE_TIMEOUT", 3*time.Second),

		ReadinessRequireBackends: EnvBool("MARKETCHAT_READINESS_REQUIRE_BACKENDS", false),

		JWTIssuer:    EnvString("MARKETCHAT_JWT_ISSUER", ""),
		JWTClockSkew: EnvDuration("MARKETCHAT_JWT_CLOCK_SKEW", 30*time.Second),

		PresenceTTL: EnvDuration("MARKETCHAT_PRESENCE_TTL", presence.DefaultTTL),
		CacheTTL:    EnvDuration("MARKETCHAT_CACHE_TTL", 7*24*time.Hour),

		EventLogPartitions: EnvInt("MARKETCHAT_EVENTLOG_PARTITIONS", eventlog.DefaultPartitions),
		EventLogMaxLen:     EnvInt64("MARKETCHAT_EVENTLOG_MAXLEN", 100_000),
		EventLogBlock:      EnvDuration("MARKETCHAT_EVENTLOG_BLOCK", 2*time.Second),
		EventLogLease:      EnvDuration("MARKETCHAT_EVENTLOG_LEASE", 15*time.Second),
		MessageTopic:       EnvString("MARKETCHAT_TOPIC_MESSAGE_CREATE", eventlog.TopicMessageCreate),
		NotificationTopic:  EnvString("MARKETCHAT_TOPIC_NOTIFICATION", eventlog.TopicNotification),
		PersistedTopic:     EnvString("MARKETCHAT_TOPIC_MESSAGE_PERSISTED", eventlog.TopicMessagePersisted),
		WorkerGroup:        EnvString("MARKETCHAT_WORKER_GROUP", "chat-persistence"),
		RetryInitial:       EnvDuration("MARKETCHAT_WORKER_RETRY_INITIAL", 100*time.Millisecond),
		RetryMax:           EnvDuration("MARKETCHAT_WORKER_RETRY_MAX", 10*time.Second),

		ProfileUsersURL:   EnvString("MARKETCHAT_PROFILE_USERS_URL", ""),
		ProfileSellersURL: EnvString("MARKETCHAT_PROFILE_SELLERS_URL", ""),
		ProfileTimeout:    EnvDuration("MARKETCHAT_PROFILE_TIMEOUT", 3*time.Second),

		WSOriginRequired:    EnvBool("MARKETCHAT_WS_ORIGIN_REQUIRED", true),
		WSAllowedOrigins:    EnvCSV("MARKETCHAT_WS_ALLOWED_ORIGINS", "http://localhost,http://127.0.0.1"),
		WSDevInsecure:       EnvBool("MARKETCHAT_WS_DEV_INSECURE", false),
		WSWriteTimeout:      EnvDuration("MARKETCHAT_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadIdleTimeout:   EnvDuration("MARKETCHAT_WS_READ_IDLE_TIMEOUT", 2*time.Minute),
		WSSendQueue:         EnvInt("MARKETCHAT_WS_SEND_QUEUE", 256),
		WSHeartbeatInterval: EnvDuration("MARKETCHAT_WS_HEARTBEAT_INTERVAL", 25*time.Second),
		WSHeartbeatTimeout:  EnvDuration("MARKETCHAT_WS_HEARTBEAT_TIMEOUT", 5*time.Second),
		WSRateEvents:        EnvInt("MARKETCHAT_WS_RATE_EVENTS", 120),
		WSRateWindow:        EnvDuration("MARKETCHAT_WS_RATE_WINDOW", 10*time.Second),

		CORSAllowedOrigins:   EnvCSV("MARKETCHAT_CORS_ALLOWED_ORIGINS", ""),
		CORSAllowCredentials: EnvBool("MARKETCHAT_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("MARKETCHAT_CORS_MAX_AGE_SECONDS", 600),

		ServiceName:  EnvString("MARKETCHAT_SERVICE_NAME", "marketchat"),
		OTLPEndpoint: EnvString("MARKETCHAT_OTLP_ENDPOINT", ""),
		OTLPInsecure: EnvBool("MARKETCHAT_OTLP_INSECURE", false),
	}
}

// Validate rejects combinations that cannot run.
func (c Config) Validate() error {
	switch c.Role {
	case RoleAll, RoleGateway, RoleWorker:
	default:
		return fmt.Errorf("config: MARKETCHAT_ROLE must be %s, %s or %s, got %q", RoleAll, RoleGateway, RoleWorker, c.Role)
	}
	if c.Role != RoleAll && c.RedisURL == "" {
		return fmt.Errorf("config: role %q needs MARKETCHAT_REDIS_URL; in-memory backends only work in one process", c.Role)
	}
	if c.Role != RoleAll && c.DatabaseURL == "" {
		return fmt.Errorf("config: role %q needs MARKETCHAT_DATABASE_URL", c.Role)
	}
	if (c.ProfileUsersURL == "") != (c.ProfileSellersURL == "") {
		return fmt.Errorf("config: set both MARKETCHAT_PROFILE_USERS_URL and MARKETCHAT_PROFILE_SELLERS_URL or neither")
	}
	return nil
}

// RunsGateway reports whether this process serves websocket and API traffic.
func (c Config) RunsGateway() bool { return c.Role == RoleAll || c.Role == RoleGateway }

// RunsWorker reports whether this process consumes the message-create topic.
func (c Config) RunsWorker() bool { return c.Role == RoleAll || c.Role == RoleWorker }

func defaultInstanceID() string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return "marketchat"
	}
	return h
}
