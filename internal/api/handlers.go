package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"webshield/internal/config"
	"webshield/internal/models"
	"webshield/internal/repository"
	"webshield/internal/service"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	zlog "github.com/rs/zerolog/log"
)

type APIHandler struct {
	cfg         *config.Config
	redisRepo   *repository.RedisRepository
	pgRepo      *repository.PostgresRepository
	authService *service.AuthService
	totpService *service.TOTPService
	loginGuard  *service.LoginGuard
	gate        *service.ReputationGate
	audit       *service.AuditService
	notifier    *service.Notifier
	hub         *Hub

	mainLimiter  gin.HandlerFunc
	loginLimiter gin.HandlerFunc
}

func NewAPIHandler(cfg *config.Config, r *repository.RedisRepository, pg *repository.PostgresRepository,
	auth *service.AuthService, totp *service.TOTPService, guard *service.LoginGuard,
	gate *service.ReputationGate, audit *service.AuditService, notifier *service.Notifier, hub *Hub) *APIHandler {
	return &APIHandler{
		cfg:         cfg,
		redisRepo:   r,
		pgRepo:      pg,
		authService: auth,
		totpService: totp,
		loginGuard:  guard,
		gate:        gate,
		audit:       audit,
		notifier:    notifier,
		hub:         hub,
	}
}

func (h *APIHandler) SetLimiters(main, login gin.HandlerFunc) {
	h.mainLimiter = main
	h.loginLimiter = login
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (h *APIHandler) WS(c *gin.Context) {
	session := sessions.Default(c)
	if loggedIn := session.Get("logged_in"); loggedIn == nil || !loggedIn.(bool) {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	h.hub.register <- conn

	pingTicker := time.NewTicker(30 * time.Second)
	defer func() {
		pingTicker.Stop()
		h.hub.unregister <- conn
	}()

	_ = conn.SetReadDeadline(time.Now().Add(70 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(70 * time.Second))
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	for {
		select {
		case <-pingTicker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (h *APIHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
	r.GET("/metrics", h.MetricsAuthMiddleware(), gin.WrapH(promhttp.Handler()))
	r.GET("/ws", h.WS)

	auth := r.Group("/api/v1/auth")
	auth.Use(h.loginLimiter)
	{
		auth.POST("/login", h.Login)
		auth.POST("/totp", h.VerifySecondFactor)
		auth.POST("/logout", h.Logout)
	}

	v1 := r.Group("/api/v1")
	v1.Use(h.AuthMiddleware())
	v1.Use(h.mainLimiter)
	{
		v1.GET("/whitelist", h.GetWhitelist)
		v1.POST("/whitelist", h.AddWhitelist)
		v1.DELETE("/whitelist/:ip", h.RemoveWhitelist)

		v1.GET("/blacklist", h.GetBlacklist)
		v1.POST("/blacklist", h.AddBlacklist)
		v1.DELETE("/blacklist/:ip", h.RemoveBlacklist)

		v1.GET("/events", h.GetEvents)
		v1.GET("/events/stats", h.GetEventStats)

		v1.POST("/lockouts/reset", h.ResetLockout)

		v1.GET("/threats", h.GetThreats)
		v1.POST("/threats/check", h.RequestThreatCheck)

		v1.GET("/mfa", h.MFAStatus)
		v1.POST("/mfa/enroll", h.BeginMFAEnrollment)
		v1.POST("/mfa/confirm", h.ConfirmMFAEnrollment)
		v1.POST("/mfa/backup-codes", h.RegenerateBackupCodes)
		v1.DELETE("/mfa", h.DisableMFA)
	}
}

// --- List management ---

type listRequest struct {
	IP     string `json:"ip" binding:"required"`
	Reason string `json:"reason"`
}

func (h *APIHandler) GetWhitelist(c *gin.Context) {
	ips, err := h.redisRepo.GetWhitelist()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load whitelist"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ips": ips})
}

func (h *APIHandler) AddWhitelist(c *gin.Context) {
	var req listRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ip required"})
		return
	}
	entry := models.ListEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Reason:    req.Reason,
		AddedBy:   c.GetString("username"),
	}
	if err := h.redisRepo.AddToWhitelist(req.IP, entry); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to add to whitelist"})
		return
	}
	h.audit.Log("whitelist_add", "low", "Added "+req.IP+" to whitelist", req.IP, c.GetString("username"), nil)
	c.JSON(http.StatusOK, gin.H{"status": "added"})
}

func (h *APIHandler) RemoveWhitelist(c *gin.Context) {
	ip := c.Param("ip")
	if err := h.redisRepo.RemoveFromWhitelist(ip); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove from whitelist"})
		return
	}
	h.audit.Log("whitelist_remove", "low", "Removed "+ip+" from whitelist", ip, c.GetString("username"), nil)
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

func (h *APIHandler) GetBlacklist(c *gin.Context) {
	ips, err := h.redisRepo.GetBlacklist()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load blacklist"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ips": ips})
}

func (h *APIHandler) AddBlacklist(c *gin.Context) {
	var req listRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ip required"})
		return
	}
	entry := models.ListEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Reason:    req.Reason,
		AddedBy:   c.GetString("username"),
	}
	if _, err := h.redisRepo.AddToBlacklist(req.IP, entry); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to add to blacklist"})
		return
	}
	h.gate.NoteBlacklisted(req.IP)
	h.audit.Log("blacklist_add", "medium", "Added "+req.IP+" to blacklist", req.IP, c.GetString("username"), nil)
	c.JSON(http.StatusOK, gin.H{"status": "added"})
}

func (h *APIHandler) RemoveBlacklist(c *gin.Context) {
	ip := c.Param("ip")
	if err := h.redisRepo.RemoveFromBlacklist(ip); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove from blacklist"})
		return
	}
	// The Bloom filter cannot forget; rebuild it off the request path.
	go h.gate.Resync()
	h.audit.Log("blacklist_remove", "medium", "Removed "+ip+" from blacklist", ip, c.GetString("username"), nil)
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

// --- Security events ---

func (h *APIHandler) GetEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	events, err := h.pgRepo.GetEvents(limit, offset, c.Query("type"), c.Query("severity"))
	if err != nil {
		zlog.Error().Err(err).Msg("Failed to load events")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load events"})
		return
	}
	if events == nil {
		events = []models.SecurityEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *APIHandler) GetEventStats(c *gin.Context) {
	total, high24h, err := h.pgRepo.EventStats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "high_severity_24h": high24h})
}

// --- Lockouts ---

func (h *APIHandler) ResetLockout(c *gin.Context) {
	var req struct {
		IP string `json:"ip" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ip required"})
		return
	}
	if err := h.loginGuard.ResetLockout(req.IP, c.GetString("username")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reset lockout"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

// --- Threat intelligence ---

func (h *APIHandler) GetThreats(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	reports, err := h.pgRepo.GetMaliciousIPs(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load threat reports"})
		return
	}
	if reports == nil {
		reports = []models.ThreatReport{}
	}
	c.JSON(http.StatusOK, gin.H{"threats": reports})
}

func (h *APIHandler) RequestThreatCheck(c *gin.Context) {
	var req struct {
		IP string `json:"ip" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ip required"})
		return
	}
	h.notifier.RequestThreatCheck(req.IP)
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// --- Health ---

func (h *APIHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *APIHandler) Ready(c *gin.Context) {
	if err := h.redisRepo.GetClient().Ping(c.Request.Context()).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "redis unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (h *APIHandler) MetricsAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		for _, ip := range strings.Split(h.cfg.MetricsAllowedIPs, ",") {
			if strings.TrimSpace(ip) == clientIP {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Access denied"})
	}
}
