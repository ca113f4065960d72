// Copyright 2025 The Wireline Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package wireconfig provides typed, environment-overridable
// configuration for a wireline Connection and Router.
package wireconfig

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const compatibilityEnvKey = "WIRELINEDEBUG"

// Config holds the tunable parameters of a Connection, a Router, and
// the poll transport. The zero value is not ready to use; call
// Default to get the documented defaults.
type Config struct {
	// MaxRetries bounds how many times an unacknowledged envelope is
	// retried before the pending callback is settled with a
	// synthesized give-up error and the messagesToAck entry is
	// dropped. Zero (the default) means unbounded retries.
	MaxRetries int

	// RetryTick is how often the retry timer scans messagesToAck.
	RetryTick time.Duration

	// RetryDeadline is how long an envelope may sit unacknowledged
	// before being resent.
	RetryDeadline time.Duration

	// PingRound is how long the liveness loop waits for a pong before
	// declaring the connection dead.
	PingRound time.Duration

	// PingBackoff is how long the liveness loop waits between rounds
	// while disconnected.
	PingBackoff time.Duration

	// ServerCloseGrace is how long a server-side Connection waits
	// after a transport close before firing onClose.
	ServerCloseGrace time.Duration

	// RateLimitPerSecond and RateLimitBurst configure the
	// golang.org/x/time/rate.Limiter guarding sendToRoute.
	RateLimitPerSecond float64
	RateLimitBurst     int

	// PollInterval is the configured poll period. PollClient does not
	// read it: its loop period comes from PollClient.Interval.
	PollInterval time.Duration

	// LogLevel controls the verbosity of the loggers Connection and
	// Router build via Logger.
	LogLevel slog.Level
}

// Default returns the documented default configuration: unbounded
// retries, a 10ms retry scan, a 3s retry deadline, a 5s ping round, a
// 100ms ping backoff, a 5s server close grace, a 100 message/s rate
// limit, a 1s poll interval, and info-level logging.
func Default() Config {
	return Config{
		MaxRetries:         0,
		RetryTick:          10 * time.Millisecond,
		RetryDeadline:      3000 * time.Millisecond,
		PingRound:          5000 * time.Millisecond,
		PingBackoff:        100 * time.Millisecond,
		ServerCloseGrace:   5000 * time.Millisecond,
		RateLimitPerSecond: 100,
		RateLimitBurst:     100,
		PollInterval:       1000 * time.Millisecond,
		LogLevel:           slog.LevelInfo,
	}
}

// Logger returns a logger at c.LogLevel, tagged with component. It
// wraps slog.Default()'s handler so output destination and formatting
// still come from whatever the process configured via slog.SetDefault,
// but messages below LogLevel are dropped.
func (c Config) Logger(component string) *slog.Logger {
	base := slog.Default().Handler()
	return slog.New(&levelFilterHandler{Handler: base, min: c.LogLevel}).With("component", component)
}

// WithEnvOverrides returns a copy of c with any recognized
// WIRELINEDEBUG key=value pairs applied on top. Unrecognized keys are
// ignored, so the mechanism stays forward compatible with future
// knobs.
func (c Config) WithEnvOverrides() Config {
	params, err := parseDebugEnv(os.Getenv(compatibilityEnvKey))
	if err != nil {
		panic(err)
	}
	out := c
	if v, ok := params["maxretries"]; ok {
		out.MaxRetries = atoiOr(v, out.MaxRetries)
	}
	if v, ok := params["retrytickms"]; ok {
		out.RetryTick = msOr(v, out.RetryTick)
	}
	if v, ok := params["retrydeadlinems"]; ok {
		out.RetryDeadline = msOr(v, out.RetryDeadline)
	}
	if v, ok := params["pingroundms"]; ok {
		out.PingRound = msOr(v, out.PingRound)
	}
	if v, ok := params["pingbackoffms"]; ok {
		out.PingBackoff = msOr(v, out.PingBackoff)
	}
	if v, ok := params["serverclosegracems"]; ok {
		out.ServerCloseGrace = msOr(v, out.ServerCloseGrace)
	}
	if v, ok := params["pollintervalms"]; ok {
		out.PollInterval = msOr(v, out.PollInterval)
	}
	if v, ok := params["loglevel"]; ok {
		out.LogLevel = levelOr(v, out.LogLevel)
	}
	return out
}

func levelOr(s string, fallback slog.Level) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return fallback
	}
	return l
}

func atoiOr(s string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fallback
	}
	return n
}

func msOr(s string, fallback time.Duration) time.Duration {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}

func parseDebugEnv(envValue string) (map[string]string, error) {
	if envValue == "" {
		return nil, nil
	}
	params := make(map[string]string)
	for part := range strings.SplitSeq(envValue, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%s: invalid format: %q", compatibilityEnvKey, part)
		}
		params[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return params, nil
}

// levelFilterHandler wraps another slog.Handler, dropping records
// below a minimum level while delegating everything else unchanged.
// This lets Config.LogLevel gate verbosity without reimplementing
// formatting or output routing, which stay whatever slog.SetDefault
// configured for the process.
type levelFilterHandler struct {
	slog.Handler
	min slog.Level
}

func (h *levelFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.min && h.Handler.Enabled(ctx, level)
}

func (h *levelFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelFilterHandler{Handler: h.Handler.WithAttrs(attrs), min: h.min}
}

func (h *levelFilterHandler) WithGroup(name string) slog.Handler {
	return &levelFilterHandler{Handler: h.Handler.WithGroup(name), min: h.min}
}
