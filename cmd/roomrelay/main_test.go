package main

import (
	"testing"

	"github.com/cortexuvula/roomrelay/internal/config"
)

func TestAuthMode(t *testing.T) {
	tests := []struct {
		sec  config.SecurityConfig
		want string
	}{
		{config.SecurityConfig{}, "open"},
		{config.SecurityConfig{AuthToken: "t"}, "static token"},
		{config.SecurityConfig{JWTSecret: "s"}, "jwt"},
		{config.SecurityConfig{AuthToken: "t", JWTSecret: "s"}, "jwt + static token"},
	}
	for _, tt := range tests {
		if got := authMode(tt.sec); got != tt.want {
			t.Errorf("authMode(%+v) = %q, want %q", tt.sec, got, tt.want)
		}
	}
}
