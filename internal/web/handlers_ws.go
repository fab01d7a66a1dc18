package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asheshgoplani/groupwatch/internal/logging"
	"github.com/asheshgoplani/groupwatch/internal/session"
)

const wsWriteTimeout = 10 * time.Second

type wsClientMessage struct {
	Type      string            `json:"type"`
	Settings  *session.Settings `json:"settings,omitempty"`
	GroupID   string            `json:"groupId,omitempty"`
	GroupName string            `json:"groupName,omitempty"`
	Keywords  []string          `json:"keywords,omitempty"`
}

// wsReply is written to one connection only; session events go through the hub.
type wsReply struct {
	Type    string    `json:"type"` // pong, error
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}

type wsConnWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConnWriter(conn *websocket.Conn) *wsConnWriter {
	return &wsConnWriter{conn: conn}
}

func (w *wsConnWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(v)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	userID, ok := s.authenticate(r)
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	log := webLog.With(slog.String("user", userID))
	log.Info("ws_connected", slog.String("remote", r.RemoteAddr))
	defer log.Info("ws_disconnected")

	writer := newWSConnWriter(conn)
	sub := s.hub.Subscribe(userID)
	defer s.hub.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.pumpEvents(ctx, cancel, conn, writer, sub)

	s.manager.Attach(ctx, userID)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				log.Warn("websocket_closed_unexpectedly", slog.String("error", err.Error()))
			}
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			_ = writer.WriteJSON(wsReply{Type: "error", Code: "invalid_message", Message: "invalid json payload", Time: time.Now().UTC()})
			continue
		}
		if reply := s.handleCommand(ctx, userID, msg); reply != nil {
			_ = writer.WriteJSON(reply)
		}
	}
}

// pumpEvents forwards hub events to the socket until the connection ends
// or the hub drops the subscriber.
func (s *Server) pumpEvents(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, writer *wsConnWriter, sub *Subscriber) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Gone():
			// Unblocks the read loop.
			_ = conn.Close()
			return
		case ev := <-sub.C():
			if err := writer.WriteJSON(ev); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// handleCommand runs one inbound command. Outcomes reach the client as hub
// events published by the manager; only transport-level replies are
// returned here.
func (s *Server) handleCommand(ctx context.Context, userID string, msg wsClientMessage) *wsReply {
	var err error
	switch msg.Type {
	case "ping":
		return &wsReply{Type: "pong", Time: time.Now().UTC()}
	case "start":
		// Initialization can take minutes; keep reading while it runs.
		go func() {
			if err := s.manager.Start(s.baseCtx, userID); err != nil {
				logCommandError(userID, msg.Type, err)
			}
		}()
		return nil
	case "stop":
		err = s.manager.Stop(ctx, userID)
	case "logout":
		err = s.manager.Logout(ctx, userID)
	case "refreshGroups":
		err = s.manager.RefreshGroups(ctx, userID)
	case "saveSettings":
		if msg.Settings == nil {
			return &wsReply{Type: "error", Code: session.CodeValidation, Message: "settings are required", Time: time.Now().UTC()}
		}
		_, err = s.manager.SaveSettings(ctx, userID, *msg.Settings)
	case "saveGroupKeywords":
		_, err = s.manager.SaveGroupKeywords(ctx, userID, session.GroupKeywords{
			GroupID:   msg.GroupID,
			GroupName: msg.GroupName,
			Keywords:  msg.Keywords,
		})
	case "deleteGroupKeywords":
		_, err = s.manager.DeleteGroupKeywords(ctx, userID, msg.GroupID)
	default:
		return &wsReply{
			Type:    "error",
			Code:    "unsupported_message",
			Message: "supported message types: start,stop,logout,refreshGroups,saveSettings,saveGroupKeywords,deleteGroupKeywords,ping",
			Time:    time.Now().UTC(),
		}
	}
	if err != nil {
		logCommandError(userID, msg.Type, err)
	}
	return nil
}

func logCommandError(userID, command string, err error) {
	var rl *session.RateLimitError
	var ve *session.ValidationError
	if errors.As(err, &rl) || errors.As(err, &ve) {
		logging.Aggregate(logging.CompWeb, "command_rejected",
			slog.String("user", userID),
			slog.String("command", command))
		return
	}
	webLog.Warn("command_failed",
		slog.String("user", userID),
		slog.String("command", command),
		slog.String("error", err.Error()))
}
