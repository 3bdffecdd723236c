package client

import (
	"testing"
	"time"

	"github.com/partyline-chat/partyline/internal/config"
)

func TestReconnectDelayBounds(t *testing.T) {
	// The spec's invariant: never above 30s * 1.2, never below 1s * 0.8,
	// and each attempt stays within +-20% of its base.
	bases := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 15 * time.Second, 30 * time.Second,
	}

	for attempt := 1; attempt <= 12; attempt++ {
		base := bases[len(bases)-1]
		if attempt <= len(bases) {
			base = bases[attempt-1]
		}
		low := time.Duration(float64(base) * 0.8)
		high := time.Duration(float64(base) * 1.2)

		for trial := 0; trial < 200; trial++ {
			delay := reconnectDelay(attempt)
			if delay < low || delay > high {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, delay, low, high)
			}
		}
	}
}

func TestReconnectDelayJitters(t *testing.T) {
	seen := make(map[time.Duration]bool)
	for i := 0; i < 50; i++ {
		seen[reconnectDelay(3)] = true
	}
	if len(seen) < 2 {
		t.Error("delays show no jitter")
	}
}

func TestDeriveAuthProfile(t *testing.T) {
	server := config.Server{Password: "hunter2"}

	tests := []struct {
		name         string
		nickname     string
		wantUsername string
	}{
		{name: "regular user", nickname: "alice", wantUsername: "alice"},
		{name: "superuser trigger", nickname: "SuperUser", wantUsername: "SuperUser"},
		{name: "superuser trigger any case", nickname: "superuser", wantUsername: "SuperUser"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			username, password := deriveAuthProfile(tt.nickname, server)
			if username != tt.wantUsername {
				t.Errorf("username = %q, want %q", username, tt.wantUsername)
			}
			if password != "hunter2" {
				t.Errorf("password = %q, want configured password", password)
			}
		})
	}
}
