package main

import (
	"log/slog"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/edusync/rtc/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup warning: EDUSYNC_RTC_ALLOWED_ORIGINS contains '*' (any browser origin may open signaling connections)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
		)
	}

	if cfg.ChannelDBPath == "" {
		logger.Warn("startup warning: EDUSYNC_RTC_CHANNEL_DB_PATH is unset; joins are not validated against the channel directory and any room id is accepted",
			"warning_code", "channel_directory_disabled",
		)
	}

	if cfg.MaxRoomParticipants <= 0 {
		logger.Warn("startup warning: EDUSYNC_RTC_MAX_ROOM_PARTICIPANTS is unset/0 (unlimited room size)",
			"warning_code", "room_size_unlimited",
			"max_room_participants", cfg.MaxRoomParticipants,
		)
	}

	if cfg.MaxSignalMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup warning: EDUSYNC_RTC_MAX_SIGNAL_MESSAGE_BYTES is very large (weakens oversized-envelope hardening; whiteboard snapshots are the only large payloads expected)",
			"warning_code", "signal_message_limit_large",
			"max_signal_message_bytes", cfg.MaxSignalMessageBytes,
		)
	}

	// Calls between participants behind symmetric NATs need a relay. Flag the
	// configurations where the advertised ICE list cannot provide one.
	if !iceListHasTURN(cfg.ICEServers) {
		logger.Warn("startup warning: no TURN server configured; calls may fail for participants behind restrictive NATs",
			"warning_code", "no_turn_server",
		)
	} else if cfg.TURNRESTSecret == "" && iceListHasUncredentialedTURN(cfg.ICEServers) {
		logger.Warn("startup warning: TURN URLs configured without static credentials and EDUSYNC_RTC_TURN_REST_SECRET is unset; clients will be handed unusable TURN entries",
			"warning_code", "turn_without_credentials",
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}

func iceListHasTURN(servers []webrtc.ICEServer) bool {
	for _, server := range servers {
		if serverHasTURNURL(server) {
			return true
		}
	}
	return false
}

func iceListHasUncredentialedTURN(servers []webrtc.ICEServer) bool {
	for _, server := range servers {
		if serverHasTURNURL(server) && (server.Username == "" || server.Credential == nil || server.Credential == "") {
			return true
		}
	}
	return false
}

func serverHasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		url := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			return true
		}
	}
	return false
}
