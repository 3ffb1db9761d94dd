package handlers

import (
	"context"
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/AnshRaj112/patient-portal-backend/internal/middleware"
	"github.com/AnshRaj112/patient-portal-backend/internal/models"
	"github.com/AnshRaj112/patient-portal-backend/internal/services"
)

// IPBlocklist is the admin view of the IP rate limiter.
type IPBlocklist interface {
	ListBlocked(ctx context.Context) ([]middleware.BlockedIP, error)
	IsBlocked(ctx context.Context, ip string) (bool, error)
	Unblock(ctx context.Context, ip string) error
}

type BlockedIPsHandler struct {
	blocklist IPBlocklist
	audit     *services.HIPAAAuditLogger
	logger    *zap.Logger
}

func NewBlockedIPsHandler(blocklist IPBlocklist, audit *services.HIPAAAuditLogger, logger *zap.Logger) *BlockedIPsHandler {
	return &BlockedIPsHandler{blocklist: blocklist, audit: audit, logger: logger}
}

type BlockedIPsResponse struct {
	Success    bool                   `json:"success"`
	Message    string                 `json:"message"`
	BlockedIPs []middleware.BlockedIP `json:"blocked_ips"`
	Count      int                    `json:"count"`
}

// GetBlockedIPs returns all currently blocked IP addresses
func (h *BlockedIPsHandler) GetBlockedIPs(w http.ResponseWriter, r *http.Request) {
	blocked, err := h.blocklist.ListBlocked(r.Context())
	if err != nil {
		h.logger.Error("Failed to list blocked IPs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to fetch blocked IPs")
		return
	}
	if blocked == nil {
		blocked = []middleware.BlockedIP{}
	}
	writeJSON(w, http.StatusOK, BlockedIPsResponse{
		Success:    true,
		Message:    "Blocked IPs",
		BlockedIPs: blocked,
		Count:      len(blocked),
	})
}

// UnblockIP handles PUT /api/admin/unblock-ip?ip=.
func (h *BlockedIPsHandler) UnblockIP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := r.URL.Query().Get("ip")
	if net.ParseIP(ip) == nil {
		writeError(w, http.StatusBadRequest, "A valid IP address is required")
		return
	}

	blocked, err := h.blocklist.IsBlocked(ctx, ip)
	if err != nil {
		h.logger.Error("Failed to check block status", zap.String("ip", ip), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to check block status")
		return
	}
	if !blocked {
		writeJSON(w, http.StatusOK, Response{Success: true, Message: "IP address is not currently blocked"})
		return
	}

	adminID, _ := middleware.AdminIDFromContext(ctx)
	if err := h.blocklist.Unblock(ctx, ip); err != nil {
		h.logger.Error("Failed to unblock IP", zap.String("ip", ip), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to unblock IP")
		return
	}
	h.audit.LogAdministrativeEvent(ctx, adminID, "blocked_ip", ip, "ip_unblocked", models.OutcomeSuccess, nil)
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "IP address unblocked successfully"})
}
