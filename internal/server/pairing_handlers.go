package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/babybirdprd/zombieclaw/internal/metrics"
	"github.com/babybirdprd/zombieclaw/internal/pairing"
)

func (r *Router) handlePairingStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.guard.Status())
}

type pairRequest struct {
	Code string `json:"code"`
}

type pairResponse struct {
	Token string `json:"token"`
}

func (r *Router) handlePair(c *gin.Context) {
	var req pairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: "invalid JSON: " + err.Error()})
		return
	}

	token, err := r.guard.TryPair(req.Code, clientIdentity(c))
	if err != nil {
		var locked *pairing.LockedError
		switch {
		case errors.Is(err, pairing.ErrPairingDisabled):
			metrics.IncPairingAttempt("disabled")
			writeJSON(c, http.StatusBadRequest, ErrorResponse{Error: "pairing_disabled", Message: err.Error()})
		case errors.Is(err, pairing.ErrAlreadyPaired):
			metrics.IncPairingAttempt("already_paired")
			writeJSON(c, http.StatusConflict, ErrorResponse{Error: "already_paired", Message: err.Error()})
		case errors.As(err, &locked):
			metrics.IncPairingAttempt("locked")
			c.Header("Retry-After", formatSeconds(locked.RetryAfter))
			writeJSON(c, http.StatusTooManyRequests, map[string]any{
				"error":       "locked",
				"message":     err.Error(),
				"retry_after": int(locked.RetryAfter.Seconds()),
			})
		case errors.Is(err, pairing.ErrInvalidCode):
			metrics.IncPairingAttempt("invalid_code")
			writeJSON(c, http.StatusUnauthorized, ErrorResponse{Error: "invalid_code", Message: err.Error()})
		default:
			metrics.IncPairingAttempt("error")
			writeJSON(c, http.StatusInternalServerError, ErrorResponse{Error: "pairing_failed", Message: err.Error()})
		}
		return
	}

	metrics.IncPairingAttempt("success")
	r.log.Info("device paired", "client", clientIdentity(c))
	writeJSON(c, http.StatusOK, pairResponse{Token: token})
}

// requireAuth gates a route group behind the pairing guard. The bearer
// token arrives in the Authorization header or, for EventSource clients
// that cannot set headers, a token query parameter.
func (r *Router) requireAuth(c *gin.Context) {
	if !r.guard.IsAuthenticated(bearerToken(c)) {
		writeJSON(c, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized", Message: "pair this device first"})
		c.Abort()
		return
	}
	c.Next()
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return strings.TrimSpace(c.Query("token"))
}

// clientIdentity keys the lockout tracker: proxy-forwarded address when
// present, else the socket address.
func clientIdentity(c *gin.Context) string {
	if xf := c.GetHeader("X-Forwarded-For"); xf != "" {
		if i := strings.IndexByte(xf, ','); i >= 0 {
			xf = xf[:i]
		}
		return strings.TrimSpace(xf)
	}
	if addr := c.Request.RemoteAddr; addr != "" {
		return addr
	}
	return "unknown"
}

func formatSeconds(d time.Duration) string {
	s := int(d.Seconds())
	if s < 1 {
		s = 1
	}
	return strconv.Itoa(s)
}
