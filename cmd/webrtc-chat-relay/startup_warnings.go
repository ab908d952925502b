package main

import (
	"log/slog"
	"time"

	"github.com/imisumi/webrtc-chat/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Relay) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Mode == config.ModeProd {
		logger.Warn("startup security warning: the relay does not authenticate identities; any client may claim any free id",
			"warning_code", "identities_unauthenticated",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && len(cfg.AllowedOrigins) == 0 {
		logger.Warn("startup security warning: WEBRTC_CHAT_RELAY_ALLOWED_ORIGINS is empty; any browser origin may open /ws",
			"warning_code", "origins_unrestricted",
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxMessagesPerSecond <= 0 {
		logger.Warn("startup security warning: WEBRTC_CHAT_RELAY_MAX_MESSAGES_PER_SECOND=0 disables per-connection rate limiting",
			"warning_code", "rate_limit_disabled",
			"max_messages_per_second", cfg.MaxMessagesPerSecond,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: WEBRTC_CHAT_RELAY_MAX_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "max_message_bytes_large",
			"max_message_bytes", cfg.MaxMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.WSIdleTimeout > 10*time.Minute {
		logger.Warn("startup security warning: WEBRTC_CHAT_RELAY_WS_IDLE_TIMEOUT is very large (dead connections hold identities longer)",
			"warning_code", "ws_idle_timeout_large",
			"ws_idle_timeout", cfg.WSIdleTimeout,
			"mode", cfg.Mode,
		)
	}
}
