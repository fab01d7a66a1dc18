package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
)

// BridgeWriter adapts slog to io.Writer so stdlib log output from dependencies
// ends up in the structured log. A leading "[module] " prefix is lifted into
// the component field.
type BridgeWriter struct {
	component string
}

// NewBridgeWriter creates a writer that forwards writes to slog.
// defaultComponent is used when no prefix is found.
func NewBridgeWriter(defaultComponent string) *BridgeWriter {
	return &BridgeWriter{component: defaultComponent}
}

// Write implements io.Writer. Each write is treated as one log line.
func (bw *BridgeWriter) Write(p []byte) (int, error) {
	n := len(p)
	msg := string(bytes.TrimSpace(p))
	if msg == "" {
		return n, nil
	}

	msg = stripLogTimestamp(msg)

	component := bw.component
	if strings.HasPrefix(msg, "[") {
		if idx := strings.Index(msg, "] "); idx > 0 {
			component = strings.ToLower(msg[1:idx])
			msg = msg[idx+2:]
		}
	}
	component = canonicalComponent(component)

	level := slog.LevelInfo
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "error") || strings.Contains(lower, "failed") {
		level = slog.LevelWarn
	}

	Logger().Log(context.Background(), level, msg, slog.String("component", component))
	return n, nil
}

// stripLogTimestamp removes the date/time prefix written by the stdlib log package
// with its default flags ("2006/01/02 15:04:05 ").
func stripLogTimestamp(s string) string {
	if len(s) > 20 && s[4] == '/' && s[7] == '/' && s[10] == ' ' && s[13] == ':' && s[16] == ':' && s[19] == ' ' {
		return s[20:]
	}
	if len(s) > 9 && s[2] == ':' && s[5] == ':' && s[8] == ' ' {
		return s[9:]
	}
	return s
}

func canonicalComponent(cat string) string {
	switch cat {
	case "whatsmeow", "client", "database", "wa", "whatsapp":
		return CompWhatsApp
	case "http", "web", "ws":
		return CompWeb
	case "cron", "maintenance":
		return CompMaint
	case "sqlite", "store", "statedb":
		return CompStore
	default:
		return cat
	}
}
