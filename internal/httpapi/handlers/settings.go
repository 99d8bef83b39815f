package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/llamachat/internal/chat"
	"github.com/suPer8Hu/llamachat/internal/httpapi/common"
)

func (h *Handler) GetSettings(c *gin.Context) {
	st, err := h.Svc.GetSettings(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"settings": st})
}

func (h *Handler) UpdateSettings(c *gin.Context) {
	var patch chat.SettingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	st, err := h.Svc.UpdateSettings(c.Request.Context(), patch)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"settings": st})
}

// Ready reports model warm-up; anything but ready is a 503.
func (h *Handler) Ready(c *gin.Context) {
	state, reason := h.Coord.Readiness()
	body := gin.H{"state": state}
	if reason != "" {
		body["reason"] = reason
	}
	if state != chat.ReadinessReady {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": 50300, "message": "model not ready", "data": body})
		return
	}
	common.OK(c, body)
}
