// Package config loads daemon settings from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Relay configures the signaling relay daemon.
type Relay struct {
	ListenAddr     string
	HistoryPath    string // sqlite file; empty disables call history
	AllowedOrigins []string
}

// Peer configures the headless peer daemon.
type Peer struct {
	RelayURL        string
	UserID          string
	DisplayName     string
	STUNServers     []string
	RingBufferSec   int
	IncomingTimeout time.Duration
	FailureGrace    time.Duration
}

func LoadRelay() *Relay {
	return &Relay{
		ListenAddr:     getEnv("LISTEN_ADDR", ":8080"),
		HistoryPath:    getEnv("HISTORY_PATH", ""),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"*"}),
	}
}

func LoadPeer() *Peer {
	return &Peer{
		RelayURL:        getEnv("RELAY_URL", "ws://localhost:8080/ws"),
		UserID:          getEnv("USER_ID", ""),
		DisplayName:     getEnv("DISPLAY_NAME", ""),
		STUNServers:     getEnvList("STUN_SERVERS", nil),
		RingBufferSec:   getEnvInt("RING_BUFFER_SEC", 30),
		IncomingTimeout: time.Duration(getEnvInt("INCOMING_TIMEOUT_SEC", 30)) * time.Second,
		FailureGrace:    time.Duration(getEnvInt("FAILURE_GRACE_MS", 2000)) * time.Millisecond,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
