package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath   = "config.toml"
	DefaultHTTPAddr     = ":8080"
	DefaultGraphAPIURL  = "https://graph.facebook.com/v3.2/me"
	DefaultProfileAPI   = "https://graph.facebook.com/v2.8"
	DefaultJWTExpiresIn = "24h"
	DefaultPGHost       = "127.0.0.1"
	DefaultPGPort       = 5432
	DefaultPGUser       = "postgres"
	DefaultPGDatabase   = "threadline"
	DefaultPGSSLMode    = "disable"
)

type Config struct {
	Log       LogConfig       `toml:"log"`
	Server    ServerConfig    `toml:"server"`
	Auth      AuthConfig      `toml:"auth"`
	Messenger MessengerConfig `toml:"messenger"`
	Storage   StorageConfig   `toml:"storage"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Engine    EngineConfig    `toml:"engine"`
	Profile   ProfileConfig   `toml:"profile"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

// MessengerConfig holds the Facebook page credentials and handover policy.
type MessengerConfig struct {
	// PageToken authorizes Send API calls for the page.
	PageToken string `toml:"page_token" validate:"required"`
	// VerifyToken is compared against hub.verify_token during webhook setup.
	VerifyToken string `toml:"verify_token"`
	// AppSecret enables x-hub-signature verification when non-empty.
	AppSecret string `toml:"app_secret"`
	// AppID identifies this application in the thread-handover protocol.
	AppID  string `toml:"app_id"`
	PageID string `toml:"page_id"`
	// APIURL overrides the Graph API base URL. When set, endpoint routing by
	// payload shape is disabled and every call goes to this URL.
	APIURL string `toml:"api_url"`

	// Handover actions. Empty means the corresponding control event is
	// suppressed instead of being translated into a bot action.
	PassThreadAction    string `toml:"pass_thread_action"`
	TakeThreadAction    string `toml:"take_thread_action"`
	RequestThreadAction string `toml:"request_thread_action"`

	// ThrowOnProcessorError escalates an engine "finished with error" status
	// into a processing error instead of a silent status code.
	ThrowOnProcessorError bool `toml:"throw_on_processor_error"`
}

type StorageConfig struct {
	// Backend selects the attachment cache and state store implementation.
	Backend string `toml:"backend" validate:"oneof=memory postgres"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

type EngineConfig struct {
	// Mode selects the processing engine: "echo" replies with the received
	// text, "http" relays normalized events to URL.
	Mode           string `toml:"mode" validate:"oneof=echo http"`
	URL            string `toml:"url" validate:"required_if=Mode http,omitempty,url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type ProfileConfig struct {
	Enabled    bool   `toml:"enabled"`
	APIURL     string `toml:"api_url"`
	TTLSeconds int    `toml:"ttl_seconds"`
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Storage: StorageConfig{
			Backend: "memory",
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Engine: EngineConfig{
			Mode:           "echo",
			TimeoutSeconds: 30,
		},
		Profile: ProfileConfig{
			APIURL:     DefaultProfileAPI,
			TTLSeconds: 3600,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	if err := Validate(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks the config against its struct validation rules.
func Validate(cfg Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
