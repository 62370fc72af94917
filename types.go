package chatlink

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// ConnState represents the lifecycle state of the client's session.
type ConnState string

const (
	StateIdle          ConnState = "IDLE"
	StateConnecting    ConnState = "CONNECTING"
	StateConnected     ConnState = "CONNECTED"
	StateDisconnecting ConnState = "DISCONNECTING"
)

// ConnEvent is delivered to connection-state subscribers on every
// transition. Err is set when the transition was caused by a failure.
// Terminal marks the point where automatic reconnection gave up; no
// further attempt happens until an explicit Connect call.
type ConnEvent struct {
	State    ConnState
	Err      error
	Terminal bool
}

// ChatMessage is a decoded inbound chat message. Identity is ID; the
// same logical message may arrive more than once across the per-user
// queue and the broadcast topic, and is deduplicated downstream.
// Read is local-only state and never leaves the process.
type ChatMessage struct {
	ID        int64  `json:"id"`
	ChatID    int64  `json:"chatId"`
	SenderID  int64  `json:"senderId"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Read      bool   `json:"-"`
}

// outgoingMessage is the outbound publish payload. The server fills in
// id, sender, chat id and timestamp.
type outgoingMessage struct {
	Content string `json:"content"`
}

// Chat is the REST representation of a chat room.
type Chat struct {
	ID      int64 `json:"id"`
	EventID int64 `json:"eventId"`
}

// Participant is a member of a chat.
type Participant struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Page is the pagination envelope the REST collaborators use.
type Page[T any] struct {
	Content       []T   `json:"content"`
	TotalPages    int   `json:"totalPages"`
	TotalElements int64 `json:"totalElements"`
}

// FrameHandler receives the raw body of an inbound MESSAGE frame.
type FrameHandler func(body []byte)

// ConnEventHandler receives connection-state transitions.
type ConnEventHandler func(ev ConnEvent)

// Config controls connection negotiation and automatic reconnection.
type Config struct {
	// ConnectTimeout bounds the whole negotiation: transport dial plus
	// the CONNECT/CONNECTED exchange. It is the only timeout that can
	// fail an operation in this package.
	ConnectTimeout time.Duration `env:"CHATLINK_CONNECT_TIMEOUT" envDefault:"30s"`

	WriteTimeout time.Duration `env:"CHATLINK_WRITE_TIMEOUT" envDefault:"10s"`

	// Automatic reconnect backoff: min(base << (attempt-1), max),
	// stopping for good after MaxReconnectAttempts consecutive failures.
	ReconnectBaseDelay   time.Duration `env:"CHATLINK_RECONNECT_BASE_DELAY" envDefault:"1s"`
	ReconnectMaxDelay    time.Duration `env:"CHATLINK_RECONNECT_MAX_DELAY" envDefault:"10s"`
	MaxReconnectAttempts int           `env:"CHATLINK_MAX_RECONNECT_ATTEMPTS" envDefault:"5"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() *Config {
	return &Config{
		ConnectTimeout:       30 * time.Second,
		WriteTimeout:         10 * time.Second,
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    10 * time.Second,
		MaxReconnectAttempts: 5,
	}
}

// ConfigFromEnv builds a Config from CHATLINK_* environment variables,
// falling back to the defaults above.
func ConfigFromEnv() (*Config, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func reconnectDelay(attempt int, cfg *Config) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := cfg.ReconnectBaseDelay << (attempt - 1)
	if d <= 0 || d > cfg.ReconnectMaxDelay {
		d = cfg.ReconnectMaxDelay
	}
	return d
}
