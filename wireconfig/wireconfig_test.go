// Copyright 2025 The Wireline Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package wireconfig

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestParseDebugEnv_Success(t *testing.T) {
	tests := []struct {
		name   string
		envVal string
		want   map[string]string
	}{
		{"Basic", "maxretries=5,retrytickms=20", map[string]string{"maxretries": "5", "retrytickms": "20"}},
		{"Empty", "", nil},
		{"Whitespace", "  maxretries = 5  ", map[string]string{"maxretries": "5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDebugEnv(tt.envVal)
			if err != nil {
				t.Fatalf("parseDebugEnv() failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseDebugEnv_Failure(t *testing.T) {
	if _, err := parseDebugEnv("invalidformat"); err == nil {
		t.Error("expected error, got nil")
	}
}

func TestWithEnvOverrides(t *testing.T) {
	t.Setenv("WIRELINEDEBUG", "maxretries=7,retrytickms=25")
	c := Default().WithEnvOverrides()
	if c.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d, want 7", c.MaxRetries)
	}
	if c.RetryTick != 25*time.Millisecond {
		t.Errorf("RetryTick = %v, want 25ms", c.RetryTick)
	}
	if c.RetryDeadline != Default().RetryDeadline {
		t.Errorf("RetryDeadline changed unexpectedly: %v", c.RetryDeadline)
	}
}

func TestDefaultMatchesSpec(t *testing.T) {
	c := Default()
	if c.MaxRetries != 0 {
		t.Errorf("default MaxRetries = %d, want 0 (unbounded)", c.MaxRetries)
	}
	if c.RetryDeadline != 3000*time.Millisecond {
		t.Errorf("RetryDeadline = %v, want 3000ms", c.RetryDeadline)
	}
	if c.RateLimitPerSecond != 100 || c.RateLimitBurst != 100 {
		t.Errorf("rate limit = %v/%d, want 100/100", c.RateLimitPerSecond, c.RateLimitBurst)
	}
}
