package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/imisumi/webrtc-chat/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
	groups  []string
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	logger := slog.New(h)
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	nh.attrs = append(nh.attrs, attrs...)
	return nh
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	return nh
}

func (h *recordingHandler) clone() *recordingHandler {
	cp := &recordingHandler{
		mu:      h.mu,
		records: h.records,
	}
	if len(h.attrs) > 0 {
		cp.attrs = append([]slog.Attr(nil), h.attrs...)
	}
	if len(h.groups) > 0 {
		cp.groups = append([]string(nil), h.groups...)
	}
	return cp
}

func (h *recordingHandler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return strings.Join(h.groups, ".") + "." + k
}

func warningCodes(records []recordedLog) map[string]bool {
	codes := map[string]bool{}
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			codes[code] = true
		}
	}
	return codes
}

func TestStartupSecurityWarnings_DefaultsAreQuietInDev(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Relay{
		Logging:              config.Logging{Mode: config.ModeDev},
		WSIdleTimeout:        config.DefaultWSIdleTimeout,
		MaxMessageBytes:      config.DefaultMaxMessageBytes,
		MaxMessagesPerSecond: config.DefaultMaxMessagesPerSecond,
	}
	logStartupSecurityWarnings(logger, cfg)

	if got := records(); len(got) != 0 {
		t.Fatalf("expected no warnings, got %#v", got)
	}
}

func TestStartupSecurityWarnings_Prod(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Relay{
		Logging:              config.Logging{Mode: config.ModeProd},
		WSIdleTimeout:        config.DefaultWSIdleTimeout,
		MaxMessageBytes:      config.DefaultMaxMessageBytes,
		MaxMessagesPerSecond: config.DefaultMaxMessagesPerSecond,
	}
	logStartupSecurityWarnings(logger, cfg)

	codes := warningCodes(records())
	for _, want := range []string{"identities_unauthenticated", "origins_unrestricted"} {
		if !codes[want] {
			t.Fatalf("expected warning_code=%s, got %#v", want, records())
		}
	}
	for _, r := range records() {
		if r.attrs["warning_code"] == "identities_unauthenticated" && r.attrs["mode"] != config.ModeProd {
			t.Fatalf("mode attr = %#v, want %q", r.attrs["mode"], config.ModeProd)
		}
	}
}

func TestStartupSecurityWarnings_ProdWithOrigins(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Relay{
		Logging:              config.Logging{Mode: config.ModeProd},
		WSIdleTimeout:        config.DefaultWSIdleTimeout,
		MaxMessageBytes:      config.DefaultMaxMessageBytes,
		MaxMessagesPerSecond: config.DefaultMaxMessagesPerSecond,
		AllowedOrigins:       []string{"https://chat.example.com"},
	}
	logStartupSecurityWarnings(logger, cfg)

	if codes := warningCodes(records()); codes["origins_unrestricted"] {
		t.Fatalf("unexpected origins_unrestricted warning: %#v", records())
	}
}

func TestStartupSecurityWarnings_WeakLimits(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Relay{
		Logging:              config.Logging{Mode: config.ModeDev},
		WSIdleTimeout:        time.Hour,
		MaxMessageBytes:      4 << 20,
		MaxMessagesPerSecond: 0,
	}
	logStartupSecurityWarnings(logger, cfg)

	codes := warningCodes(records())
	for _, want := range []string{"rate_limit_disabled", "max_message_bytes_large", "ws_idle_timeout_large"} {
		if !codes[want] {
			t.Fatalf("expected warning_code=%s, got %#v", want, records())
		}
	}
}
