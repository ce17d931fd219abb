// Package api provides the admin REST API for a running stack.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rennerdo30/tapstack/internal/accesscontrol"
	"github.com/rennerdo30/tapstack/internal/arp"
	"github.com/rennerdo30/tapstack/internal/ipv4"
	"github.com/rennerdo30/tapstack/internal/logging"
	"github.com/rennerdo30/tapstack/internal/metrics"
	"github.com/rennerdo30/tapstack/internal/stack"
	"github.com/rennerdo30/tapstack/internal/version"
)

// maxBodySize bounds request bodies accepted by the API.
const maxBodySize = 1 << 20

// Stack is the part of the network stack the API reads and drives.
type Stack interface {
	Status() stack.Status
	ARPEntries() []arp.Entry
	PendingSends() []arp.PendingSend
	SendUDP(srcPort uint16, dst netip.AddrPort, payload []byte) error
}

// API provides the admin REST API.
type API struct {
	stack   Stack
	metrics *metrics.Metrics
	token   string
	access  *accesscontrol.Controller
	logger  *slog.Logger
	now     func() time.Time
}

// Config holds API configuration.
type Config struct {
	Stack   Stack
	Metrics *metrics.Metrics          // /metrics is served when set
	Token   string                    // Bearer token, empty disables auth
	Access  *accesscontrol.Controller // Client address filter, nil admits everyone
	Logger  *slog.Logger
}

// New creates a new API server.
func New(cfg Config) *API {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &API{
		stack:   cfg.Stack,
		metrics: cfg.Metrics,
		token:   cfg.Token,
		access:  cfg.Access,
		logger:  logger,
		now:     time.Now,
	}
}

// EntryView is the JSON form of one ARP cache slot.
type EntryView struct {
	Slot      int    `json:"slot"`
	IP        string `json:"ip,omitempty"`
	MAC       string `json:"mac,omitempty"`
	State     string `json:"state"`
	ExpiresAt string `json:"expires_at,omitempty"`
	ExpiresIn string `json:"expires_in,omitempty"`
}

// PendingView is the JSON form of one occupied pending slot.
type PendingView struct {
	Slot      int    `json:"slot"`
	IP        string `json:"ip"`
	EtherType string `json:"ether_type"`
	Length    int    `json:"length"`
}

// SendRequest is the body of POST /api/v1/udp/send.
type SendRequest struct {
	SrcPort uint16 `json:"src_port"`
	Dst     string `json:"dst"` // ip:port
	Payload string `json:"payload"`
}

// Router returns the HTTP router for the API.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	if a.access != nil && a.access.Enabled() {
		r.Use(a.accessMiddleware)
	}

	// Health stays reachable for probes without a token
	r.Get("/api/v1/health", a.handleHealth)

	r.Group(func(r chi.Router) {
		if a.token != "" {
			r.Use(a.authMiddleware)
		}

		r.Get("/api/v1/version", a.handleVersion)
		r.Get("/api/v1/status", a.handleStatus)

		r.Route("/api/v1/arp", func(r chi.Router) {
			r.Get("/", a.handleARP)
			r.Get("/pending", a.handlePending)
		})

		r.Post("/api/v1/udp/send", a.handleSendUDP)

		if a.metrics != nil {
			r.Method(http.MethodGet, "/metrics", a.metrics.Handler())
		}
	})

	return r
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.logger.Debug("api request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// RemoteAddr is used as is; forwarding headers are not trusted.
func (a *API) accessMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := a.access.CheckRemote(r.RemoteAddr)
		if result.Action != accesscontrol.ActionAllow {
			a.logger.Debug("api client rejected", "remote", r.RemoteAddr, "reason", result.Reason)
			a.writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		token = strings.TrimPrefix(token, "Bearer ")

		if token != a.token {
			a.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   a.now().Format(time.RFC3339),
	})
}

func (a *API) handleVersion(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, version.GetInfo())
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := a.stack.Status()
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "running",
		"version":          version.Short(),
		"time":             a.now().Format(time.RFC3339),
		"mac":              st.MAC,
		"ip":               st.IP,
		"mtu":              st.MTU,
		"cache_entries":    st.CacheEntries,
		"cache_capacity":   st.CacheCapacity,
		"pending_slots":    st.PendingSlots,
		"pending_capacity": st.PendingCapacity,
		"bound_ports":      st.BoundPorts,
		"uptime":           st.Uptime.Round(time.Second).String(),
	})
}

func (a *API) handleARP(w http.ResponseWriter, r *http.Request) {
	entries := a.stack.ARPEntries()
	now := a.now()
	validOnly := r.URL.Query().Get("all") == ""

	views := make([]EntryView, 0, len(entries))
	for i, e := range entries {
		if validOnly && e.State != arp.StateValid {
			continue
		}
		v := EntryView{Slot: i, State: e.State.String()}
		if e.State == arp.StateValid {
			v.IP = e.IP.String()
			v.MAC = e.MAC.String()
			v.ExpiresAt = e.ExpiresAt.Format(time.RFC3339)
			v.ExpiresIn = e.ExpiresAt.Sub(now).Round(time.Second).String()
		}
		views = append(views, v)
	}

	a.writeJSON(w, http.StatusOK, views)
}

func (a *API) handlePending(w http.ResponseWriter, r *http.Request) {
	slots := a.stack.PendingSends()

	views := make([]PendingView, 0, len(slots))
	for i, s := range slots {
		if !s.Occupied {
			continue
		}
		views = append(views, PendingView{
			Slot:      i,
			IP:        s.IP.String(),
			EtherType: s.EtherType.String(),
			Length:    len(s.Payload),
		})
	}

	a.writeJSON(w, http.StatusOK, views)
}

func (a *API) handleSendUDP(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	dst, err := netip.ParseAddrPort(req.Dst)
	if err != nil || !dst.Addr().Is4() || dst.Port() == 0 {
		a.writeError(w, http.StatusBadRequest, "dst must be an IPv4 ip:port with a non-zero port")
		return
	}
	if req.SrcPort == 0 {
		a.writeError(w, http.StatusBadRequest, "src_port must be non-zero")
		return
	}

	if err := a.stack.SendUDP(req.SrcPort, dst, []byte(req.Payload)); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ipv4.ErrPayloadTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		a.writeError(w, status, err.Error())
		return
	}

	a.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"message": "datagram sent",
		"dst":     dst.String(),
		"length":  len(req.Payload),
	})
}

func (a *API) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, map[string]string{"error": msg})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Debug("failed to write response", "error", err)
	}
}
