package main

import (
	"testing"

	"github.com/spf13/viper"
)

func TestLoadSettings_DefaultsAndValidation(t *testing.T) {
	v := viper.New()
	if _, err := loadSettings(v); err == nil {
		t.Fatalf("expected missing app key to fail")
	}

	v.Set("security.app_key", "daemon-key")
	v.Set("downstream.url", "https://consumer.example.test")
	s, err := loadSettings(v)
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	if s.HTTPAddr != ":8080" || s.DatabaseDriver != driverSQLite || s.RetryQueue != "timer" {
		t.Fatalf("unexpected defaults %+v", s)
	}
}

func TestLoadSettings_RejectsUnsupportedChoices(t *testing.T) {
	base := func() *viper.Viper {
		v := viper.New()
		v.Set("security.app_key", "daemon-key")
		v.Set("downstream.url", "https://consumer.example.test")
		return v
	}

	v := base()
	v.Set("database.driver", "mysql")
	if _, err := loadSettings(v); err == nil {
		t.Fatalf("expected unsupported driver to fail")
	}

	v = base()
	v.Set("retry.queue", "redis")
	if _, err := loadSettings(v); err == nil {
		t.Fatalf("expected redis queue without redis.addr to fail")
	}

	v = base()
	v.Set("retry.queue", "redis")
	v.Set("redis.addr", "127.0.0.1:6379")
	v.Set("database.driver", "POSTGRES")
	s, err := loadSettings(v)
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	if s.DatabaseDriver != driverPostgres {
		t.Fatalf("expected normalized postgres driver, got %q", s.DatabaseDriver)
	}
}
