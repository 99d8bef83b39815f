package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/llamachat/internal/httpapi/common"
)

type titleReq struct {
	Title string `json:"title"`
}

func (h *Handler) ListConversations(c *gin.Context) {
	convs, err := h.Svc.ListConversations(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"conversations": convs})
}

func (h *Handler) CreateConversation(c *gin.Context) {
	var req titleReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	conv, err := h.Svc.CreateConversation(c.Request.Context(), req.Title)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"conversation": conv})
}

func (h *Handler) GetConversation(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	conv, found, err := h.Svc.GetConversation(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !found {
		common.Fail(c, http.StatusNotFound, 40401, "conversation not found")
		return
	}
	_, active := h.Coord.Active(id)
	common.OK(c, gin.H{"conversation": conv, "turn_in_flight": active})
}

func (h *Handler) RenameConversation(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	var req titleReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	renamed, err := h.Svc.RenameConversation(c.Request.Context(), id, req.Title)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !renamed {
		common.Fail(c, http.StatusNotFound, 40401, "conversation not found")
		return
	}
	conv, _, err := h.Svc.GetConversation(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"conversation": conv})
}

func (h *Handler) DeleteConversation(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	// stop a running turn first so it does not write into a deleted conversation
	h.Coord.Cancel(id)

	deleted, err := h.Svc.DeleteConversation(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !deleted {
		common.Fail(c, http.StatusNotFound, 40401, "conversation not found")
		return
	}
	common.OK(c, gin.H{"deleted": true})
}

func (h *Handler) ListMessages(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	if _, found, err := h.Svc.GetConversation(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	} else if !found {
		common.Fail(c, http.StatusNotFound, 40401, "conversation not found")
		return
	}
	msgs, err := h.Svc.ListMessages(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"messages": msgs})
}
