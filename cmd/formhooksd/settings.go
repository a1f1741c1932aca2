package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	driverSQLite   = "sqlite3"
	driverPostgres = "postgres"
)

// settings are the daemon-only keys; engine keys live under "engine".
type settings struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration
	JSONLogs        bool
	Debug           bool

	DatabaseDriver string
	DatabaseDSN    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RetryQueue    string

	AppKey         string
	DownstreamURL  string
	DownstreamPath string
}

func loadSettings(v *viper.Viper) (settings, error) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 30*time.Second)
	v.SetDefault("log.json", true)
	v.SetDefault("database.driver", driverSQLite)
	v.SetDefault("database.dsn", "file:formhooks.db?cache=shared&_foreign_keys=on")
	v.SetDefault("retry.queue", "timer")

	s := settings{
		HTTPAddr:        strings.TrimSpace(v.GetString("http.addr")),
		ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),
		JSONLogs:        v.GetBool("log.json"),
		Debug:           v.GetBool("log.debug"),
		DatabaseDriver:  strings.ToLower(strings.TrimSpace(v.GetString("database.driver"))),
		DatabaseDSN:     strings.TrimSpace(v.GetString("database.dsn")),
		RedisAddr:       strings.TrimSpace(v.GetString("redis.addr")),
		RedisPassword:   v.GetString("redis.password"),
		RedisDB:         v.GetInt("redis.db"),
		RetryQueue:      strings.ToLower(strings.TrimSpace(v.GetString("retry.queue"))),
		AppKey:          strings.TrimSpace(v.GetString("security.app_key")),
		DownstreamURL:   strings.TrimSpace(v.GetString("downstream.url")),
		DownstreamPath:  strings.TrimSpace(v.GetString("downstream.path")),
	}
	return s, s.validate()
}

func (s settings) validate() error {
	switch s.DatabaseDriver {
	case driverSQLite, driverPostgres:
	default:
		return fmt.Errorf("formhooksd: database.driver %q is not supported", s.DatabaseDriver)
	}
	if s.DatabaseDSN == "" {
		return fmt.Errorf("formhooksd: database.dsn is required")
	}
	if s.AppKey == "" {
		return fmt.Errorf("formhooksd: security.app_key is required")
	}
	if s.DownstreamURL == "" {
		return fmt.Errorf("formhooksd: downstream.url is required")
	}
	switch s.RetryQueue {
	case "timer":
	case "redis":
		if s.RedisAddr == "" {
			return fmt.Errorf("formhooksd: retry.queue=redis needs redis.addr")
		}
	default:
		return fmt.Errorf("formhooksd: retry.queue %q is not supported", s.RetryQueue)
	}
	return nil
}
