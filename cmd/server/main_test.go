package main

import (
	"testing"

	"go.uber.org/zap/zapcore"

	"tustore/backend/internal/config"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short", ManagerPIN: "123456"})
	if err == nil {
		t.Fatalf("expected weak security config to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: "739154"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestValidateSecurityConfigRejectsShortWebhookSecret(t *testing.T) {
	err := validateSecurityConfig(config.Config{
		AuthSecret:           "0123456789abcdef0123456789abcdef",
		ManagerPIN:           "739154",
		GatewayWebhookSecret: "tiny",
	})
	if err == nil {
		t.Fatalf("expected short webhook secret to be rejected")
	}
}

func TestValidatePINStrength(t *testing.T) {
	tests := []struct {
		pin  string
		weak bool
	}{
		{pin: "123456", weak: true},
		{pin: "777777", weak: true},
		{pin: "345678", weak: true},
		{pin: "876543", weak: true},
		{pin: "739154", weak: false},
		{pin: "20481357", weak: false},
	}
	for _, tt := range tests {
		t.Run(tt.pin, func(t *testing.T) {
			err := validatePINStrength(tt.pin)
			if tt.weak && err == nil {
				t.Fatalf("expected %s to be rejected", tt.pin)
			}
			if !tt.weak && err != nil {
				t.Fatalf("expected %s to pass, got %v", tt.pin, err)
			}
		})
	}
}

func TestNewLoggerHonoursLevel(t *testing.T) {
	logger, err := newLogger("warn")
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("expected info to be disabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.WarnLevel) {
		t.Fatalf("expected warn to be enabled")
	}

	fallback, err := newLogger("chatty")
	if err != nil {
		t.Fatalf("newLogger with unknown level: %v", err)
	}
	if !fallback.Core().Enabled(zapcore.InfoLevel) || fallback.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("expected unknown level to fall back to info")
	}
}
