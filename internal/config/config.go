// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"
)

// Config is the complete configuration surface of the server. Zero values are
// never used directly; Default() supplies every field.
type Config struct {
	ListenAddr  string   `yaml:"listen_addr"`
	CORSOrigins []string `yaml:"cors_origins"`
	LogLevel    string   `yaml:"log_level"`

	Lobby     LobbyConfig     `yaml:"lobby"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Relay     RelayConfig     `yaml:"relay"`
	WebRTC    WebRTCConfig    `yaml:"webrtc"`
	Stats     StatsConfig     `yaml:"stats"`

	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

type LobbyConfig struct {
	MaxLobbies         int           `yaml:"max_lobbies"`
	MaxPlayersPerLobby int           `yaml:"max_players_per_lobby"`
	DefaultMaxPlayers  int           `yaml:"default_max_players"`
	IDLength           int           `yaml:"id_length"`
	// DefaultTTL closes a lobby, members included, once it has seen no
	// activity for that long. Zero disables it.
	DefaultTTL         time.Duration `yaml:"default_ttl"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`
	InactivePlayerTTL  time.Duration `yaml:"inactive_player_ttl"`
	EmptyLobbyTTL      time.Duration `yaml:"empty_lobby_ttl"`
	MaxNameLength      int           `yaml:"max_name_length"`
	MaxUsernameLength  int           `yaml:"max_username_length"`
}

type HeartbeatConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

type RelayConfig struct {
	Endpoint             string        `yaml:"endpoint"`
	MaxMessageSize       int           `yaml:"max_message_size"`
	MaxMessagesPerSecond int           `yaml:"max_messages_per_second"`
	QueueLength          int           `yaml:"queue_length"`
	MessageExpiry        time.Duration `yaml:"message_expiry"`
	RequireToken         bool          `yaml:"require_token"`
	TokenTTL             time.Duration `yaml:"token_ttl"`
	// Optional ed25519 key files. Without them a fresh key pair is
	// generated at startup.
	PrivateKeyPath string `yaml:"private_key_path"`
	PublicKeyPath  string `yaml:"public_key_path"`
}

type WebRTCConfig struct {
	ICEServers        []ICEServer   `yaml:"ice_servers"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
}

// ICEServer is the YAML shape of a STUN/TURN entry.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

type StatsConfig struct {
	RedisAddr       string        `yaml:"redis_addr"`
	RedisDB         int           `yaml:"redis_db"`
	PublishInterval time.Duration `yaml:"publish_interval"`
	EventQueue      string        `yaml:"event_queue"`
	DatabaseURL     string        `yaml:"database_url"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		ListenAddr:  ":5090",
		CORSOrigins: []string{"*"},
		LogLevel:    "info",
		Lobby: LobbyConfig{
			MaxLobbies:         1000,
			MaxPlayersPerLobby: 8,
			DefaultMaxPlayers:  4,
			IDLength:           6,
			DefaultTTL:         60 * time.Minute,
			CleanupInterval:    5 * time.Minute,
			InactivePlayerTTL:  30 * time.Minute,
			EmptyLobbyTTL:      5 * time.Minute,
			MaxNameLength:      50,
			MaxUsernameLength:  20,
		},
		Heartbeat: HeartbeatConfig{
			Timeout:       30 * time.Second,
			CheckInterval: 15 * time.Second,
		},
		Relay: RelayConfig{
			Endpoint:             "/relay",
			MaxMessageSize:       64 * 1024,
			MaxMessagesPerSecond: 100,
			QueueLength:          100,
			MessageExpiry:        5 * time.Minute,
			TokenTTL:             24 * time.Hour,
		},
		WebRTC: WebRTCConfig{
			ICEServers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
				{URLs: []string{"stun:stun1.l.google.com:19302"}},
			},
			ConnectionTimeout: 10 * time.Second,
			MaxRetries:        3,
		},
		Stats: StatsConfig{
			PublishInterval: 30 * time.Second,
			EventQueue:      "webstar_events",
		},
		ShutdownGrace: 10 * time.Second,
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	list := func(key string, dst *[]string) {
		if v := getenv(key); v != "" {
			*dst = splitList(v)
		}
	}

	if port := getenv("PORT"); port != "" {
		c.ListenAddr = ":" + port
	}
	str("LISTEN_ADDR", &c.ListenAddr)
	list("ALLOWED_ORIGINS", &c.CORSOrigins)
	str("LOG_LEVEL", &c.LogLevel)

	num("MAX_LOBBIES", &c.Lobby.MaxLobbies)
	num("MAX_PLAYERS_PER_LOBBY", &c.Lobby.MaxPlayersPerLobby)
	num("LOBBY_ID_LENGTH", &c.Lobby.IDLength)
	dur("LOBBY_DEFAULT_TTL", &c.Lobby.DefaultTTL)
	dur("LOBBY_CLEANUP_INTERVAL", &c.Lobby.CleanupInterval)
	dur("INACTIVE_PLAYER_TTL", &c.Lobby.InactivePlayerTTL)
	dur("EMPTY_LOBBY_TTL", &c.Lobby.EmptyLobbyTTL)
	num("MAX_LOBBY_NAME_LENGTH", &c.Lobby.MaxNameLength)
	num("MAX_USERNAME_LENGTH", &c.Lobby.MaxUsernameLength)

	dur("HEARTBEAT_TIMEOUT", &c.Heartbeat.Timeout)
	dur("HEARTBEAT_CHECK_INTERVAL", &c.Heartbeat.CheckInterval)

	str("RELAY_ENDPOINT", &c.Relay.Endpoint)
	num("RELAY_MAX_MESSAGE_SIZE", &c.Relay.MaxMessageSize)
	num("RELAY_MAX_MESSAGES_PER_SECOND", &c.Relay.MaxMessagesPerSecond)
	num("RELAY_QUEUE_LENGTH", &c.Relay.QueueLength)
	dur("RELAY_MESSAGE_EXPIRY", &c.Relay.MessageExpiry)
	if v := getenv("RELAY_REQUIRE_TOKEN"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("RELAY_REQUIRE_TOKEN: %w", err))
		} else {
			c.Relay.RequireToken = b
		}
	}
	dur("RELAY_TOKEN_TTL", &c.Relay.TokenTTL)
	str("RELAY_PRIVATE_KEY_PATH", &c.Relay.PrivateKeyPath)
	str("RELAY_PUBLIC_KEY_PATH", &c.Relay.PublicKeyPath)

	if v := getenv("ICE_SERVERS"); v != "" {
		c.WebRTC.ICEServers = nil
		for _, u := range splitList(v) {
			c.WebRTC.ICEServers = append(c.WebRTC.ICEServers, ICEServer{URLs: []string{u}})
		}
	}
	dur("WEBRTC_CONNECTION_TIMEOUT", &c.WebRTC.ConnectionTimeout)
	num("WEBRTC_MAX_RETRIES", &c.WebRTC.MaxRetries)

	str("REDIS_ADDR", &c.Stats.RedisAddr)
	num("REDIS_DB", &c.Stats.RedisDB)
	dur("STATS_PUBLISH_INTERVAL", &c.Stats.PublishInterval)
	str("EVENT_QUEUE_NAME", &c.Stats.EventQueue)
	str("DATABASE_URL", &c.Stats.DatabaseURL)

	dur("SHUTDOWN_GRACE", &c.ShutdownGrace)

	return errors.Join(errs...)
}

// Validate checks limits and ICE server URLs.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]int{
		"max_lobbies":             c.Lobby.MaxLobbies,
		"id_length":               c.Lobby.IDLength,
		"max_name_length":         c.Lobby.MaxNameLength,
		"max_username_length":     c.Lobby.MaxUsernameLength,
		"max_message_size":        c.Relay.MaxMessageSize,
		"max_messages_per_second": c.Relay.MaxMessagesPerSecond,
		"queue_length":            c.Relay.QueueLength,
	}
	for name, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	if c.Lobby.MaxPlayersPerLobby < 2 {
		errs = append(errs, fmt.Errorf("max_players_per_lobby must be at least 2, got %d", c.Lobby.MaxPlayersPerLobby))
	}
	if c.Lobby.DefaultMaxPlayers < 2 || c.Lobby.DefaultMaxPlayers > c.Lobby.MaxPlayersPerLobby {
		c.Lobby.DefaultMaxPlayers = min(4, c.Lobby.MaxPlayersPerLobby)
	}
	if c.Heartbeat.CheckInterval <= 0 || c.Heartbeat.Timeout <= c.Heartbeat.CheckInterval {
		errs = append(errs, fmt.Errorf("heartbeat timeout (%s) must exceed a positive check interval (%s)",
			c.Heartbeat.Timeout, c.Heartbeat.CheckInterval))
	}
	if (c.Relay.PrivateKeyPath == "") != (c.Relay.PublicKeyPath == "") {
		errs = append(errs, errors.New("relay private and public key paths must be set together"))
	}
	if c.Lobby.CleanupInterval <= 0 {
		errs = append(errs, errors.New("cleanup_interval must be positive"))
	}
	for _, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			errs = append(errs, errors.New("ice server entry without urls"))
		}
		for _, u := range s.URLs {
			if _, err := stun.ParseURI(u); err != nil {
				errs = append(errs, fmt.Errorf("invalid ice server url %q: %w", u, err))
			}
		}
	}
	return errors.Join(errs...)
}

// PionICEServers converts the configured hints into the form clients feed to
// RTCPeerConnection.
func (c *Config) PionICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(c.WebRTC.ICEServers))
	for _, s := range c.WebRTC.ICEServers {
		srv := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...), Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
