package keypress

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"campaign-dialer/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handler exposes the correlator to the switch dialplan.
type Handler struct {
	Correlator *Correlator
}

// keypressRequest also accepts the legacy dialplan fields call_id and
// dtmf_pressed (0 or 1).
type keypressRequest struct {
	CorrelationID string `json:"correlation_id"`
	CallID        string `json:"call_id"`
	Destination   string `json:"destination"`
	PressedDigit  string `json:"pressed_digit"`
	DTMFPressed   *int   `json:"dtmf_pressed"`
	Timestamp     string `json:"timestamp"`
}

// parseTimestamp accepts RFC 3339 or unix seconds.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		whole := int64(secs)
		return time.Unix(whole, int64((secs-float64(whole))*1e9)).UTC(), nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// HandleKeypress: 200 applied or duplicate, 404 unknown call id, 400 bad body.
func (h Handler) HandleKeypress(c *gin.Context) {
	log := logger.FromGin(c)
	if h.Correlator == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "keypress correlator not configured"})
		return
	}
	var req keypressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	id := req.CorrelationID
	if id == "" {
		id = req.CallID
	}
	if strings.TrimSpace(id) == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "correlation_id required"})
		return
	}
	digit := strings.TrimSpace(req.PressedDigit)
	if digit == "" && req.DTMFPressed != nil {
		if *req.DTMFPressed == 0 {
			// dialplan reporting that nothing was pressed
			c.JSON(http.StatusOK, gin.H{"status": "ignored", "correlation_id": id})
			return
		}
		digit = strconv.Itoa(*req.DTMFPressed)
	}
	ts, err := parseTimestamp(req.Timestamp)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid timestamp"})
		return
	}

	out, err := h.Correlator.Notify(c.Request.Context(), Notification{
		CorrelationID: id,
		Destination:   strings.TrimSpace(req.Destination),
		Digit:         digit,
		Timestamp:     ts,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": string(out), "correlation_id": id})
	case errors.Is(err, ErrUnknownCallID):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown call id"})
	case errors.Is(err, ErrInvalidNotification):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid notification"})
	default:
		log.Error("keypress apply failed", "correlation_id", id, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "keypress failed"})
	}
}
