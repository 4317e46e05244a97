package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr    string
	DatabaseURL string

	// Authoritative store ("VPS") API.
	VPSBaseURL string
	VPSSecret  string

	// Remote execution agent.
	AgentBaseURL string
	AgentSecret  string

	// Messaging identity and relays.
	BotSecretKey string // hex
	Relays       []string

	// Receipt verification.
	BotPubkey         string // hex, derived from BotSecretKey when empty
	ZapProviderPubkey string // hex

	// Credential vault key, 64 hex chars (32 bytes).
	VaultKey string

	// Origins allowed to hit the operator status endpoints. Empty disables
	// CORS entirely; the agent callbacks are server-to-server and unaffected.
	CORSAllowedOrigins []string

	MaxAgentJobs int

	TickInterval        time.Duration
	OutreachInterval    time.Duration
	OTPTimeout          time.Duration
	PaymentExpiry       time.Duration
	HeartbeatInterval   time.Duration
	MaintenanceInterval time.Duration
	TimerRetention      time.Duration
	MessageRetention    time.Duration

	// How close to the billing date the last-chance nudge is sent.
	LastChanceWindow time.Duration
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr:          getenv("HTTP_ADDR", ":8090"),
		DatabaseURL:       mustGetenv("DATABASE_URL"),
		VPSBaseURL:        mustGetenv("VPS_BASE_URL"),
		VPSSecret:         mustGetenv("VPS_SECRET"),
		AgentBaseURL:      mustGetenv("AGENT_BASE_URL"),
		AgentSecret:       mustGetenv("AGENT_SECRET"),
		BotSecretKey:      mustGetenv("BOT_SECRET_KEY"),
		BotPubkey:         getenv("BOT_PUBKEY", ""),
		ZapProviderPubkey: mustGetenv("ZAP_PROVIDER_PUBKEY"),
		VaultKey:          mustGetenv("VAULT_KEY"),
	}

	for _, r := range strings.Split(getenv("RELAYS", ""), ",") {
		r = strings.TrimSpace(r)
		if r != "" {
			cfg.Relays = append(cfg.Relays, r)
		}
	}

	for _, o := range strings.Split(getenv("CORS_ALLOWED_ORIGINS", ""), ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
		}
	}

	var err error
	if cfg.MaxAgentJobs, err = getint("MAX_AGENT_JOBS", 2); err != nil {
		return Config{}, err
	}
	if cfg.TickInterval, err = getdur("TICK_INTERVAL", 15*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.OutreachInterval, err = getdur("OUTREACH_INTERVAL", 24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.OTPTimeout, err = getdur("OTP_TIMEOUT", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.PaymentExpiry, err = getdur("PAYMENT_EXPIRY", 24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatInterval, err = getdur("HEARTBEAT_INTERVAL", time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.MaintenanceInterval, err = getdur("MAINTENANCE_INTERVAL", time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.TimerRetention, err = getdur("TIMER_RETENTION", 7*24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.MessageRetention, err = getdur("MESSAGE_RETENTION", 14*24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.LastChanceWindow, err = getdur("LAST_CHANCE_WINDOW", 48*time.Hour); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func mustGetenv(key string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		panic("missing env: " + key)
	}
	return v
}

func getint(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return n, nil
}

func getdur(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return d, nil
}
