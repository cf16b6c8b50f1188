package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"listener-calls/internal/auth"
	"listener-calls/internal/presence"
	"listener-calls/internal/rbac"
	"listener-calls/internal/session"
	"listener-calls/internal/signal"
)

// Sessions is the part of the session manager the gateway drives.
type Sessions interface {
	UserJoin(ctx context.Context, userID string, conn presence.Conn) error
	ListenerJoin(ctx context.Context, listenerUserID string, conn presence.Conn) error
	ListenerOffline(ctx context.Context, listenerUserID string) error
	Initiate(ctx context.Context, callerID string, conn presence.Conn, msg signal.CallInitiate) error
	Accept(ctx context.Context, listenerUserID string, msg signal.CallAccept) error
	Reject(ctx context.Context, listenerUserID string, msg signal.CallReject) error
	Joined(ctx context.Context, userID string, msg signal.CallJoined) error
	Cancel(ctx context.Context, callerID, callID string) error
	End(ctx context.Context, userID string, msg signal.CallEnd) error
	Left(ctx context.Context, userID string, msg signal.CallLeft) error
	Disconnect(ctx context.Context, userID string, conn presence.Conn) error
}

var errIdentityMismatch = errors.New("payload identity does not match token")

const commandTimeout = 5 * time.Second

type Handler struct {
	sessions Sessions
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewHandler builds the upgrade handler. An empty allowedOrigins accepts any
// origin.
func NewHandler(s Sessions, allowedOrigins []string, l *slog.Logger) *Handler {
	if l == nil {
		l = slog.Default()
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &Handler{
		sessions: s,
		log:      l,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return len(allowed) == 0 || allowed[r.Header.Get("Origin")]
			},
		},
	}
}

// Serve upgrades an authenticated request and runs the connection until it
// closes. Identity comes from auth.RequireSocketToken.
func (h *Handler) Serve(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	role, _ := auth.Role(c.Request.Context())

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}
	client := newClient(conn, userID, role, h.log)
	client.log.Info("websocket connected")
	go client.writeLoop()

	base := context.WithoutCancel(c.Request.Context())
	client.readLoop(func(raw []byte) { h.handleFrame(base, client, raw) })

	ctx, cancel := context.WithTimeout(base, commandTimeout)
	defer cancel()
	if err := h.sessions.Disconnect(ctx, userID, client); err != nil {
		client.log.Warn("disconnect handling failed", "error", err)
	}
	_ = client.Close()
	client.log.Info("websocket disconnected")
}

func (h *Handler) handleFrame(base context.Context, c *Client, raw []byte) {
	msg, err := signal.Decode(raw)
	if err != nil {
		_ = c.Send(signal.Error{Message: err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(base, commandTimeout)
	defer cancel()

	if err := h.dispatch(ctx, c, msg); err != nil {
		c.log.Debug("command rejected", "type", signal.TypeOf(msg), "error", err)
		if !reportedAsEvent(err) {
			_ = c.Send(signal.Error{Message: err.Error()})
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, c *Client, msg signal.Message) error {
	switch m := msg.(type) {
	case signal.UserJoin:
		if m.UserID != "" && m.UserID != c.userID {
			return errIdentityMismatch
		}
		return h.sessions.UserJoin(ctx, c.userID, c)
	case signal.ListenerJoin:
		if m.ListenerUserID != "" && m.ListenerUserID != c.userID {
			return errIdentityMismatch
		}
		if c.role != rbac.RoleListener && !rbac.IsAdmin(c.role) {
			return session.ErrNotParty
		}
		return h.sessions.ListenerJoin(ctx, c.userID, c)
	case signal.ListenerOffline:
		if m.ListenerUserID != "" && m.ListenerUserID != c.userID {
			return errIdentityMismatch
		}
		return h.sessions.ListenerOffline(ctx, c.userID)
	case signal.CallInitiate:
		return h.sessions.Initiate(ctx, c.userID, c, m)
	case signal.CallAccept:
		return h.sessions.Accept(ctx, c.userID, m)
	case signal.CallReject:
		return h.sessions.Reject(ctx, c.userID, m)
	case signal.CallJoined:
		return h.sessions.Joined(ctx, c.userID, m)
	case signal.CallCancel:
		return h.sessions.Cancel(ctx, c.userID, m.CallID)
	case signal.CallEnd:
		return h.sessions.End(ctx, c.userID, m)
	case signal.CallLeft:
		return h.sessions.Left(ctx, c.userID, m)
	default:
		return signal.ErrUnknownType
	}
}

// reportedAsEvent lists failures the session already told the client about.
func reportedAsEvent(err error) bool {
	return errors.Is(err, session.ErrListenerOffline) ||
		errors.Is(err, session.ErrListenerBusy) ||
		errors.Is(err, session.ErrListenerNotApproved)
}
