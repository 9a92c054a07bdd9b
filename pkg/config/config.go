package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings is the full runtime configuration, loaded from
// configuration.yml in the working directory with environment
// overrides (APPLICATION_PORT, DATABASE_USER, ...).
type Settings struct {
	Application ApplicationSettings `mapstructure:"application"`
	Database    DatabaseSettings    `mapstructure:"database"`
	Git         GitSettings         `mapstructure:"git"`
	Auth        AuthSettings        `mapstructure:"auth"`
	Build       BuildSettings       `mapstructure:"build"`
	Grafana     GrafanaSettings     `mapstructure:"grafana"`
	Redis       RedisSettings       `mapstructure:"redis"`
}

type ApplicationSettings struct {
	Port      int    `mapstructure:"port"`
	Host      string `mapstructure:"host"`
	Domain    string `mapstructure:"domain"`
	BodyLimit string `mapstructure:"bodylimit"`
	Secure    bool   `mapstructure:"secure"`
}

type DatabaseSettings struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	Timeout  int    `mapstructure:"timeout"`
}

type GitSettings struct {
	Base string `mapstructure:"base"`
	Auth bool   `mapstructure:"auth"`
}

type AuthSettings struct {
	Register   bool   `mapstructure:"register"`
	CookieName string `mapstructure:"cookiename"`
	// Lifespan is the session lifetime in hours.
	Lifespan int  `mapstructure:"lifespan"`
	HTTPOnly bool `mapstructure:"httponly"`
	Secure   bool `mapstructure:"secure"`
}

type BuildSettings struct {
	Max int `mapstructure:"max"`
	// Timeout is the image-build soft deadline in seconds.
	Timeout int `mapstructure:"timeout"`
}

// GrafanaSettings is pass-through for the observability stack; the core
// only parses it.
type GrafanaSettings struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

type RedisSettings struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Load reads configuration.yml plus environment overrides.
func Load() (Settings, error) {
	v := viper.New()
	v.SetConfigName("configuration")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetDefault("application.port", 8080)
	v.SetDefault("application.host", "0.0.0.0")
	v.SetDefault("application.domain", "localhost:8080")
	v.SetDefault("application.bodylimit", "500mib")
	v.SetDefault("application.secure", false)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "postgres")
	v.SetDefault("database.timeout", 20)
	v.SetDefault("git.base", "./git-repo")
	v.SetDefault("git.auth", true)
	v.SetDefault("auth.register", true)
	v.SetDefault("auth.cookiename", "session")
	v.SetDefault("auth.lifespan", 24*7)
	v.SetDefault("auth.httponly", true)
	v.SetDefault("auth.secure", false)
	v.SetDefault("build.max", 3)
	v.SetDefault("build.timeout", 1200)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Settings{}, fmt.Errorf("read configuration: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if base := strings.TrimSpace(os.Getenv("GIT_BASE")); base != "" {
		s.Git.Base = base
	}
	return s, nil
}

// Addr is the listen address for the unified listener.
func (s Settings) Addr() string {
	return net.JoinHostPort(s.Application.Host, strconv.Itoa(s.Application.Port))
}

// DatabaseURL renders a pgx-compatible connection string.
func (s Settings) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		s.Database.User, s.Database.Password, s.Database.Host, s.Database.Port, s.Database.Name)
}

// BuildTimeout converts the configured deadline to a duration.
func (s Settings) BuildTimeout() time.Duration {
	if s.Build.Timeout <= 0 {
		return 20 * time.Minute
	}
	return time.Duration(s.Build.Timeout) * time.Second
}

// SessionLifetime converts the configured lifespan to a duration.
func (s Settings) SessionLifetime() time.Duration {
	if s.Auth.Lifespan <= 0 {
		return 24 * 7 * time.Hour
	}
	return time.Duration(s.Auth.Lifespan) * time.Hour
}

// BodyLimitBytes parses values like "500mib", "25mb" or plain byte
// counts. Unparseable values fall back to 500 MiB.
func (s Settings) BodyLimitBytes() int64 {
	const fallback = 500 << 20
	raw := strings.ToLower(strings.TrimSpace(s.Application.BodyLimit))
	if raw == "" {
		return fallback
	}
	mult := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{
		{"gib", 1 << 30}, {"gb", 1 << 30},
		{"mib", 1 << 20}, {"mb", 1 << 20},
		{"kib", 1 << 10}, {"kb", 1 << 10},
		{"b", 1},
	} {
		if strings.HasSuffix(raw, unit.suffix) {
			raw = strings.TrimSuffix(raw, unit.suffix)
			mult = unit.mult
			break
		}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || n <= 0 {
		return fallback
	}
	return n * mult
}
