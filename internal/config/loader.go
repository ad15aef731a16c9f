// Package config hydrates the gateway configuration from defaults, an
// optional YAML file, and environment variables, in that precedence order.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"chat.bottoken":            "chat.botToken",
			"chat.webhooksecret":       "chat.webhookSecret",
			"chat.apibaseurl":          "chat.apiBaseUrl",
			"billing.apiurl":           "billing.apiUrl",
			"billing.activateusing":    "billing.activateUsing",
			"billing.rechargeusing":    "billing.rechargeUsing",
			"router.baseurl":           "router.baseUrl",
			"router.publicaddress":     "router.publicAddress",
			"router.publicport":        "router.publicPort",
			"acs.baseurl":              "acs.baseUrl",
			"admission.alloweduserids": "admission.allowedUserIds",
			"ratelimit.maxrequests":    "rateLimit.maxRequests",
			"ratelimit.windowseconds":  "rateLimit.windowSeconds",
			"cache.valkey.tls.cafile":  "cache.valkey.tls.caFile",
			"pending.ttlseconds":       "pending.ttlSeconds",
			"command.deadlineseconds":  "command.deadlineSeconds",
			"command.listconcurrency":  "command.listConcurrency",
			"replies.overridesfolder":  "replies.overridesFolder",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (CHAT__BOT_TOKEN -> chat.bottoken).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			lower = strings.ReplaceAll(lower, "_", "")
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			return lower
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
		},
		"chat": map[string]any{
			"botToken":      cfg.Chat.BotToken,
			"webhookSecret": cfg.Chat.WebhookSecret,
			"apiBaseUrl":    cfg.Chat.APIBaseURL,
		},
		"billing": map[string]any{
			"apiUrl":        cfg.Billing.APIURL,
			"username":      cfg.Billing.Username,
			"password":      cfg.Billing.Password,
			"activateUsing": cfg.Billing.ActivateUsing,
			"rechargeUsing": cfg.Billing.RechargeUsing,
		},
		"router": map[string]any{
			"baseUrl":       cfg.Router.BaseURL,
			"username":      cfg.Router.Username,
			"password":      cfg.Router.Password,
			"publicAddress": cfg.Router.PublicAddress,
			"publicPort":    cfg.Router.PublicPort,
			"comment":       cfg.Router.Comment,
		},
		"acs": map[string]any{
			"baseUrl":  cfg.ACS.BaseURL,
			"username": cfg.ACS.Username,
			"password": cfg.ACS.Password,
		},
		"admission": map[string]any{
			"policy":         cfg.Admission.Policy,
			"allowedUserIds": cfg.Admission.AllowedUserIDs,
		},
		"rateLimit": map[string]any{
			"maxRequests":   cfg.RateLimit.MaxRequests,
			"windowSeconds": cfg.RateLimit.WindowSeconds,
		},
		"cache": map[string]any{
			"backend": cfg.Cache.Backend,
			"valkey": map[string]any{
				"address":  cfg.Cache.Valkey.Address,
				"username": cfg.Cache.Valkey.Username,
				"password": cfg.Cache.Valkey.Password,
				"db":       cfg.Cache.Valkey.DB,
				"tls": map[string]any{
					"enabled": cfg.Cache.Valkey.TLS.Enabled,
					"caFile":  cfg.Cache.Valkey.TLS.CAFile,
				},
			},
		},
		"pending": map[string]any{
			"ttlSeconds": cfg.Pending.TTLSeconds,
		},
		"command": map[string]any{
			"deadlineSeconds": cfg.Command.DeadlineSeconds,
			"listConcurrency": cfg.Command.ListConcurrency,
		},
		"replies": map[string]any{
			"overridesFolder": cfg.Replies.OverridesFolder,
			"watch":           cfg.Replies.Watch,
		},
	}
}
