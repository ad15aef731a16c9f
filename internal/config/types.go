package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every option the gateway reads at startup.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Chat      ChatConfig      `koanf:"chat"`
	Billing   BillingConfig   `koanf:"billing"`
	Router    RouterConfig    `koanf:"router"`
	ACS       ACSConfig       `koanf:"acs"`
	Admission AdmissionConfig `koanf:"admission"`
	RateLimit RateLimitConfig `koanf:"rateLimit"`
	Cache     CacheConfig     `koanf:"cache"`
	Pending   PendingConfig   `koanf:"pending"`
	Command   CommandConfig   `koanf:"command"`
	Replies   RepliesConfig   `koanf:"replies"`
}

// ServerConfig collects the HTTP listener and logging knobs.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ChatConfig identifies the bot and the webhook shared secret.
type ChatConfig struct {
	BotToken      string `koanf:"botToken"`
	WebhookSecret string `koanf:"webhookSecret"`
	APIBaseURL    string `koanf:"apiBaseUrl"`
}

// BillingConfig locates the billing API and its admin credential, plus the
// payment tags stamped on recharge transactions.
type BillingConfig struct {
	APIURL        string `koanf:"apiUrl"`
	Username      string `koanf:"username"`
	Password      string `koanf:"password"`
	ActivateUsing string `koanf:"activateUsing"`
	RechargeUsing string `koanf:"rechargeUsing"`
}

// RouterConfig locates the edge router's REST API and the fixed forwarding
// rule identity. Leaving BaseURL empty disables the remote-access command.
type RouterConfig struct {
	BaseURL  string `koanf:"baseUrl"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`

	PublicAddress string `koanf:"publicAddress"`
	PublicPort    int    `koanf:"publicPort"`
	Comment       string `koanf:"comment"`
}

// ACSConfig locates the auto-configuration server's northbound API. Leaving
// BaseURL empty disables the device-configuration commands.
type ACSConfig struct {
	BaseURL  string `koanf:"baseUrl"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

// AdmissionConfig gates who may issue commands. Policy is a CEL expression
// over chat, user, and command; when empty the allow list alone decides, and
// an empty allow list admits everyone.
type AdmissionConfig struct {
	Policy         string  `koanf:"policy"`
	AllowedUserIDs []int64 `koanf:"allowedUserIds"`
}

// RateLimitConfig bounds how many updates a conversation may submit inside
// the sliding window.
type RateLimitConfig struct {
	MaxRequests   int `koanf:"maxRequests"`
	WindowSeconds int `koanf:"windowSeconds"`
}

// Window returns the sliding window as a duration.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// CacheConfig selects the cache backend shared by every read-through space.
type CacheConfig struct {
	Backend string       `koanf:"backend"`
	Valkey  ValkeyConfig `koanf:"valkey"`
}

type ValkeyConfig struct {
	Address  string          `koanf:"address"`
	Username string          `koanf:"username"`
	Password string          `koanf:"password"`
	DB       int             `koanf:"db"`
	TLS      ValkeyTLSConfig `koanf:"tls"`
}

type ValkeyTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// PendingConfig sets the staged-change expiry.
type PendingConfig struct {
	TTLSeconds int `koanf:"ttlSeconds"`
}

// TTL returns the staged-change lifetime as a duration.
func (c PendingConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// CommandConfig bounds command execution.
type CommandConfig struct {
	DeadlineSeconds int `koanf:"deadlineSeconds"`
	ListConcurrency int `koanf:"listConcurrency"`
}

// Deadline returns the per-command budget as a duration.
func (c CommandConfig) Deadline() time.Duration {
	return time.Duration(c.DeadlineSeconds) * time.Second
}

// RepliesConfig points at the optional reply-template override folder.
type RepliesConfig struct {
	OverridesFolder string `koanf:"overridesFolder"`
	Watch           bool   `koanf:"watch"`
}

// Validate enforces invariants that keep the runtime predictable before
// serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if strings.TrimSpace(c.Chat.BotToken) == "" {
		return errors.New("config: chat.botToken required")
	}
	if strings.TrimSpace(c.Chat.WebhookSecret) == "" {
		return errors.New("config: chat.webhookSecret required")
	}
	if strings.TrimSpace(c.Billing.APIURL) == "" {
		return errors.New("config: billing.apiUrl required")
	}
	if strings.TrimSpace(c.Billing.Username) == "" || strings.TrimSpace(c.Billing.Password) == "" {
		return errors.New("config: billing credentials required")
	}
	if c.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("config: rateLimit.maxRequests invalid: %d", c.RateLimit.MaxRequests)
	}
	if c.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("config: rateLimit.windowSeconds invalid: %d", c.RateLimit.WindowSeconds)
	}
	if c.Pending.TTLSeconds <= 0 {
		return fmt.Errorf("config: pending.ttlSeconds invalid: %d", c.Pending.TTLSeconds)
	}
	if c.Command.DeadlineSeconds <= 0 {
		return fmt.Errorf("config: command.deadlineSeconds invalid: %d", c.Command.DeadlineSeconds)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Cache.Backend))
	switch backend {
	case "", "memory":
	case "valkey":
		if strings.TrimSpace(c.Cache.Valkey.Address) == "" {
			return errors.New("config: cache.valkey.address required for valkey backend")
		}
	default:
		return fmt.Errorf("config: cache.backend unsupported: %s", c.Cache.Backend)
	}
	if c.Router.BaseURL != "" {
		if strings.TrimSpace(c.Router.PublicAddress) == "" {
			return errors.New("config: router.publicAddress required when router is configured")
		}
		if c.Router.PublicPort <= 0 || c.Router.PublicPort > 65535 {
			return fmt.Errorf("config: router.publicPort invalid: %d", c.Router.PublicPort)
		}
		if strings.TrimSpace(c.Router.Comment) == "" {
			return errors.New("config: router.comment required when router is configured")
		}
	}
	return nil
}

// DefaultConfig returns the baseline values.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
		},
		Chat: ChatConfig{
			APIBaseURL: "https://api.telegram.org",
		},
		Billing: BillingConfig{
			ActivateUsing: "zero",
			RechargeUsing: "zero",
		},
		Router: RouterConfig{
			PublicPort: 8888,
			Comment:    "nuxgate-remote",
		},
		Admission: AdmissionConfig{},
		RateLimit: RateLimitConfig{
			MaxRequests:   5,
			WindowSeconds: 10,
		},
		Cache: CacheConfig{
			Backend: "memory",
		},
		Pending: PendingConfig{
			TTLSeconds: 300,
		},
		Command: CommandConfig{
			DeadlineSeconds: 9,
			ListConcurrency: 10,
		},
	}
}
