package api

import (
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	zlog "github.com/rs/zerolog/log"
)

// AuthMiddleware gates the admin API on a logged-in session bound to
// the client IP it was created from.
func (h *APIHandler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)

		if loggedIn := session.Get("logged_in"); loggedIn == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		if storedIP := session.Get("client_ip"); storedIP == nil || storedIP.(string) != c.ClientIP() {
			session.Clear()
			_ = session.Save()
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}

		username, _ := session.Get("username").(string)
		if _, err := h.pgRepo.GetAdmin(username); err != nil {
			zlog.Warn().Str("username", username).Msg("Session active for non-existent user")
			session.Clear()
			_ = session.Save()
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}

		c.Set("username", username)
		c.Next()
	}
}

// Login verifies the first factor. When the account has TOTP enrolled
// the session moves to a pending state and the second factor must
// follow; otherwise the session is established immediately.
func (h *APIHandler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}
	ip := c.ClientIP()

	if status := h.loginGuard.Check(ip); status.Locked {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":       "Too many failed attempts. Try again later.",
			"retry_after": status.RemainingSeconds,
		})
		return
	}

	if !h.authService.CheckPassword(req.Username, req.Password) {
		lockedOut := h.loginGuard.RecordFailure(ip, req.Username)
		if lockedOut {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many failed attempts. Try again later."})
			return
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	session := sessions.Default(c)

	if h.totpService.IsEnrolled(req.Username) {
		session.Set("pending_2fa_user", req.Username)
		session.Set("pending_2fa_ip", ip)
		if err := session.Save(); err != nil {
			zlog.Error().Err(err).Msg("Failed to save pending 2FA session")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"totp_required": true})
		return
	}

	h.establishSession(c, session, req.Username)
}

// VerifySecondFactor completes a pending two-factor login with a TOTP
// or backup code. A wrong code counts as a failed attempt.
func (h *APIHandler) VerifySecondFactor(c *gin.Context) {
	var req struct {
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code required"})
		return
	}
	ip := c.ClientIP()

	if status := h.loginGuard.Check(ip); status.Locked {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":       "Too many failed attempts. Try again later.",
			"retry_after": status.RemainingSeconds,
		})
		return
	}

	session := sessions.Default(c)
	pendingUser, _ := session.Get("pending_2fa_user").(string)
	pendingIP, _ := session.Get("pending_2fa_ip").(string)
	if pendingUser == "" || pendingIP != ip {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "No pending login"})
		return
	}

	ok, err := h.totpService.Verify(pendingUser, req.Code)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid code"})
		return
	}
	if !ok {
		if h.loginGuard.RecordFailure(ip, pendingUser) {
			session.Clear()
			_ = session.Save()
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many failed attempts. Try again later."})
			return
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid code"})
		return
	}

	h.establishSession(c, session, pendingUser)
}

func (h *APIHandler) establishSession(c *gin.Context, session sessions.Session, username string) {
	session.Delete("pending_2fa_user")
	session.Delete("pending_2fa_ip")
	session.Set("logged_in", true)
	session.Set("username", username)
	session.Set("client_ip", c.ClientIP())
	if err := session.Save(); err != nil {
		zlog.Error().Err(err).Msg("Failed to save session during login")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	h.loginGuard.RecordSuccess(c.ClientIP(), username)
	c.JSON(http.StatusOK, gin.H{"status": "logged_in", "username": username})
}

func (h *APIHandler) Logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	_ = session.Save()
	c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
}
