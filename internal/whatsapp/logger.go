package whatsapp

import (
	"context"
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/asheshgoplani/groupwatch/internal/logging"
)

var waLogger = logging.ForComponent(logging.CompWhatsApp)

// slogLogger routes whatsmeow's printf-style logging into slog.
type slogLogger struct {
	log    *slog.Logger
	module string
}

func newLogger(base *slog.Logger, module string) waLog.Logger {
	return &slogLogger{log: base, module: module}
}

func (l *slogLogger) emit(level slog.Level, msg string, args ...any) {
	if !l.log.Enabled(context.Background(), level) {
		return
	}
	l.log.Log(context.Background(), level, "whatsmeow", slog.String("module", l.module), slog.String("detail", fmt.Sprintf(msg, args...)))
}

func (l *slogLogger) Errorf(msg string, args ...any) { l.emit(slog.LevelError, msg, args...) }
func (l *slogLogger) Warnf(msg string, args ...any)  { l.emit(slog.LevelWarn, msg, args...) }
func (l *slogLogger) Infof(msg string, args ...any)  { l.emit(slog.LevelInfo, msg, args...) }
func (l *slogLogger) Debugf(msg string, args ...any) { l.emit(slog.LevelDebug, msg, args...) }

func (l *slogLogger) Sub(module string) waLog.Logger {
	name := module
	if l.module != "" {
		name = l.module + "/" + module
	}
	return &slogLogger{log: l.log, module: name}
}
