package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Mongo    MongoConfig    `yaml:"mongo"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	GeoSync  GeoSyncConfig  `yaml:"geosync"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

// ConnString собирает DSN для pgx. Пустой ssl_mode означает disable.
func (d DatabaseConfig) ConnString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.Username, d.Password, d.Host, d.Port, d.DBName, sslMode)
}

type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type KafkaConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	ChangesTopicName string `yaml:"changes_topic_name"`
}

func (k KafkaConfig) Brokers() []string {
	return []string{fmt.Sprintf("%s:%d", k.Host, k.Port)}
}

type RedisConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type SubscriptionConfig struct {
	Collection string   `yaml:"collection"`
	IDs        []string `yaml:"ids"`
}

type GeoSyncConfig struct {
	// "memory" | "postgres" | "mongo"
	Backend string `yaml:"backend"`
	// "native" | "kafka" | "redis"
	Feed string `yaml:"feed"`

	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`

	SessionToken string `yaml:"session_token"`
	JWTSecret    string `yaml:"jwt_secret"`
	// Без токена агент работает под этим пользователем (только memory backend).
	DemoUserID string `yaml:"demo_user_id"`
	DemoRole   string `yaml:"demo_role"`

	LocationPermission bool `yaml:"location_permission"`
	AutoTrack          bool `yaml:"auto_track"`
	NoEcho             bool `yaml:"no_echo"`

	SampleIntervalSeconds int     `yaml:"sample_interval_seconds"`
	FixTimeoutSeconds     int     `yaml:"fix_timeout_seconds"`
	WriteTimeoutSeconds   int     `yaml:"write_timeout_seconds"`
	MaxFailures           int     `yaml:"max_failures"`
	AccuracyMeters        float64 `yaml:"accuracy_meters"`

	PageSize            int `yaml:"page_size"`
	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds"`
	AuditTail           int `yaml:"audit_tail"`

	OnlineWindowSeconds int `yaml:"online_window_seconds"`
	StaleWindowSeconds  int `yaml:"stale_window_seconds"`

	WriteRateLimitPerMinute int `yaml:"write_rate_limit_per_minute"`
	RoleCacheTTLSeconds     int `yaml:"role_cache_ttl_seconds"`

	// "fake" | "gpshttp"
	PositionSource  string  `yaml:"position_source"`
	PositionBaseURL string  `yaml:"position_base_url"`
	PositionAPIKey  string  `yaml:"position_api_key"`
	FakeCenterLat   float64 `yaml:"fake_center_lat"`
	FakeCenterLon   float64 `yaml:"fake_center_lon"`
	FakeStepMeters  float64 `yaml:"fake_step_meters"`
	FakeSeed        int64   `yaml:"fake_seed"`

	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`

	SweeperHTTPAddr         string `yaml:"sweeper_http_addr"`
	SweepIntervalSeconds    int    `yaml:"sweep_interval_seconds"`
	SweepBatchSize          int    `yaml:"sweep_batch_size"`
	SweepConcurrency        int    `yaml:"sweep_concurrency"`
	SweepRateLimitPerMinute int    `yaml:"sweep_rate_limit_per_minute"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
