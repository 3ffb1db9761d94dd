package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/AnshRaj112/patient-portal-backend/internal/middleware"
	"github.com/AnshRaj112/patient-portal-backend/internal/models"
)

const (
	alertWriteWait  = 10 * time.Second
	alertPongWait   = 90 * time.Second
	alertPingPeriod = 30 * time.Second
)

// AlertSubscriber hands out a live feed of security alerts.
type AlertSubscriber interface {
	Subscribe() (<-chan models.SecurityAlert, func())
}

// AlertsSocketHandler streams security alerts to the admin console.
type AlertsSocketHandler struct {
	sessions middleware.SessionValidator
	stream   AlertSubscriber
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewAlertsSocketHandler accepts upgrades only from allowedOrigins; an empty
// list allows same-origin requests without an Origin header only.
func NewAlertsSocketHandler(sessions middleware.SessionValidator, stream AlertSubscriber, allowedOrigins []string, logger *zap.Logger) *AlertsSocketHandler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.ToLower(strings.TrimSpace(o))] = true
	}
	return &AlertsSocketHandler{
		sessions: sessions,
		stream:   stream,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed[strings.ToLower(origin)]
			},
		},
	}
}

// ServeHTTP handles GET /ws/admin/alerts. Browsers cannot set headers on a
// WebSocket handshake, so the admin token may also come as ?token=.
func (h *AlertsSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		http.Error(w, "missing session token", http.StatusUnauthorized)
		return
	}
	adminID, ok, err := h.sessions.Validate(r.Context(), token)
	if err != nil || !ok {
		http.Error(w, "invalid session token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	alerts, unsubscribe := h.stream.Subscribe()
	defer unsubscribe()
	h.logger.Info("Admin alert feed connected", zap.String("admin_id", adminID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reader: only control frames are expected; a read error ends the session.
	conn.SetReadLimit(4 * 1024)
	_ = conn.SetReadDeadline(time.Now().Add(alertPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(alertPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(alertPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Admin alert feed disconnected", zap.String("admin_id", adminID))
			return
		case alert, open := <-alerts:
			if !open {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(alertWriteWait))
			if err := conn.WriteJSON(alert); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(alertWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
