package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AnshRaj112/patient-portal-backend/internal/middleware"
)

type fakeBlocklist struct {
	blocked map[string]time.Time
}

func (f *fakeBlocklist) ListBlocked(context.Context) ([]middleware.BlockedIP, error) {
	var out []middleware.BlockedIP
	for ip, until := range f.blocked {
		out = append(out, middleware.BlockedIP{IP: ip, ExpiresAt: until})
	}
	return out, nil
}

func (f *fakeBlocklist) IsBlocked(_ context.Context, ip string) (bool, error) {
	_, ok := f.blocked[ip]
	return ok, nil
}

func (f *fakeBlocklist) Unblock(_ context.Context, ip string) error {
	delete(f.blocked, ip)
	return nil
}

func TestBlockedIPs(t *testing.T) {
	e := newEnv(t, nil)
	list := &fakeBlocklist{blocked: map[string]time.Time{"203.0.113.9": time.Now().Add(time.Hour)}}
	h := NewBlockedIPsHandler(list, e.audit, zap.NewNop())

	r := chi.NewRouter()
	r.Get("/api/admin/blocked-ips", h.GetBlockedIPs)
	r.Put("/api/admin/unblock-ip", h.UnblockIP)
	do := func(method, path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
		return rec
	}

	rec := do(http.MethodGet, "/api/admin/blocked-ips")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[BlockedIPsResponse](t, rec)
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "203.0.113.9", body.BlockedIPs[0].IP)

	rec = do(http.MethodPut, "/api/admin/unblock-ip?ip=not-an-ip")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(http.MethodPut, "/api/admin/unblock-ip?ip=198.51.100.1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "not currently blocked")

	rec = do(http.MethodPut, "/api/admin/unblock-ip?ip=203.0.113.9")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, list.blocked)
	assert.Equal(t, 1, countAction(e.allEvents(t), "ip_unblocked"))

	rec = do(http.MethodGet, "/api/admin/blocked-ips")
	assert.JSONEq(t, `{"success":true,"message":"Blocked IPs","blocked_ips":[],"count":0}`, rec.Body.String())
}
