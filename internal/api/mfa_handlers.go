package api

import (
	"errors"
	"net/http"

	"webshield/internal/service"

	"github.com/gin-gonic/gin"
)

func (h *APIHandler) MFAStatus(c *gin.Context) {
	username := c.GetString("username")
	enrolled := h.totpService.IsEnrolled(username)
	resp := gin.H{"enrolled": enrolled}
	if enrolled {
		if remaining, err := h.totpService.RemainingBackupCodes(username); err == nil {
			resp["backup_codes_remaining"] = remaining
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandler) BeginMFAEnrollment(c *gin.Context) {
	username := c.GetString("username")
	sess, qr, err := h.totpService.BeginEnrollment(username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start enrollment"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"secret":           sess.Secret,
		"provisioning_uri": sess.ProvisioningURI,
		"qr_image":         qr,
	})
}

func (h *APIHandler) ConfirmMFAEnrollment(c *gin.Context) {
	var req struct {
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code required"})
		return
	}

	codes, err := h.totpService.ConfirmEnrollment(c.GetString("username"), req.Code)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNoPendingEnrollment):
			c.JSON(http.StatusConflict, gin.H{"error": "no pending enrollment, start again"})
		case errors.Is(err, service.ErrInvalidCode):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid code"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to confirm enrollment"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"backup_codes": codes})
}

func (h *APIHandler) RegenerateBackupCodes(c *gin.Context) {
	codes, err := h.totpService.RegenerateBackupCodes(c.GetString("username"))
	if err != nil {
		if errors.Is(err, service.ErrNotEnrolled) {
			c.JSON(http.StatusConflict, gin.H{"error": "not enrolled"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to regenerate backup codes"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"backup_codes": codes})
}

func (h *APIHandler) DisableMFA(c *gin.Context) {
	if err := h.totpService.Disable(c.GetString("username")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to disable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disabled"})
}
