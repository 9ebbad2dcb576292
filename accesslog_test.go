package ezproxy

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func TestAccessLogger_Log(t *testing.T) {
	tests := []struct {
		name  string
		entry AccessLogEntry
		check func(t *testing.T, m map[string]any)
	}{
		{
			name: "recorded request",
			entry: AccessLogEntry{
				RecordID:     3,
				Timestamp:    time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
				Method:       "GET",
				Host:         "example.com",
				Path:         "/index.html?q=1",
				Protocol:     "https",
				StatusCode:   200,
				Duration:     150 * time.Millisecond,
				BytesWritten: 4096,
				ClientAddr:   "192.168.1.1:54321",
				Intercepted:  true,
			},
			check: func(t *testing.T, m map[string]any) {
				if m["id"] != float64(3) {
					t.Errorf("id = %v, want 3", m["id"])
				}
				if m["path"] != "/index.html?q=1" {
					t.Errorf("path = %v, want /index.html?q=1", m["path"])
				}
				if m["protocol"] != "https" {
					t.Errorf("protocol = %v, want https", m["protocol"])
				}
				if m["status"] != float64(200) {
					t.Errorf("status = %v, want 200", m["status"])
				}
				if m["bytes"] != float64(4096) {
					t.Errorf("bytes = %v, want 4096", m["bytes"])
				}
				if m["intercepted"] != true {
					t.Errorf("intercepted = %v, want true", m["intercepted"])
				}
				if _, ok := m["error"]; ok {
					t.Error("error should not be present")
				}
				if _, ok := m["rule_response"]; ok {
					t.Error("rule_response should not be present")
				}
			},
		},
		{
			name: "upstream failure",
			entry: AccessLogEntry{
				RecordID:   9,
				Method:     "POST",
				Host:       "down.example.com",
				Protocol:   "http",
				StatusCode: 502,
				Error:      "dial tcp: connection refused",
				UserAgent:  "curl/8.0",
			},
			check: func(t *testing.T, m map[string]any) {
				if m["status"] != float64(502) {
					t.Errorf("status = %v, want 502", m["status"])
				}
				if m["error"] != "dial tcp: connection refused" {
					t.Errorf("error = %v", m["error"])
				}
				if m["user_agent"] != "curl/8.0" {
					t.Errorf("user_agent = %v", m["user_agent"])
				}
			},
		},
		{
			name: "rule response",
			entry: AccessLogEntry{
				RecordID:     1,
				Method:       "GET",
				Host:         "mock.local",
				Protocol:     "http",
				StatusCode:   204,
				RuleResponse: true,
			},
			check: func(t *testing.T, m map[string]any) {
				if m["rule_response"] != true {
					t.Errorf("rule_response = %v, want true", m["rule_response"])
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			al := NewAccessLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
			al.Log(tt.entry)

			var m map[string]any
			if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
				t.Fatalf("unmarshal log line: %v\n%s", err, buf.String())
			}
			if m["msg"] != "access" {
				t.Errorf("msg = %v, want access", m["msg"])
			}
			tt.check(t, m)
		})
	}
}
