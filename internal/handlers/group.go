package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"studybuddy/internal/ai"
	"studybuddy/internal/apperr"
	"studybuddy/internal/directory"
	"studybuddy/internal/groupsync"
	"studybuddy/internal/middleware"
	"studybuddy/internal/models"
	"studybuddy/internal/repositories"
	"studybuddy/internal/telemetry"
	"studybuddy/internal/ws"
)

// GroupHandler manages group-related endpoints.
type GroupHandler struct {
	groups      *directory.Service
	messageRepo repositories.GroupMessageRepository
	names       groupsync.Names
	assistant   *ai.Assistant
	hub         *ws.Hub
	audit       *telemetry.AuditEmitter
	log         *zap.Logger
}

// NewGroupHandler constructs a GroupHandler.
func NewGroupHandler(groups *directory.Service, messageRepo repositories.GroupMessageRepository, names groupsync.Names, assistant *ai.Assistant, hub *ws.Hub, audit *telemetry.AuditEmitter, log *zap.Logger) *GroupHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &GroupHandler{
		groups:      groups,
		messageRepo: messageRepo,
		names:       names,
		assistant:   assistant,
		hub:         hub,
		audit:       audit,
		log:         log,
	}
}

// CreateGroup handles POST /groups.
func (h *GroupHandler) CreateGroup(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)

	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "group name is required"})
		return
	}

	group, err := h.groups.CreateGroup(c.Request.Context(), req.Name, userID)
	if err != nil && errors.Is(err, directory.ErrCreatorNotMember) {
		// group exists without its creator
		if repairErr := h.groups.EnsureMembership(c.Request.Context(), group.ID, userID); repairErr == nil {
			err = nil
		} else {
			h.log.Error("creator membership repair failed", zap.String("group_id", group.ID), zap.Error(repairErr))
			emitAudit(h.audit, c, telemetry.LevelError, "creator membership missing")
			c.JSON(http.StatusInternalServerError, gin.H{"error": apperr.Message(err), "group": group})
			return
		}
	}
	if err != nil {
		respondError(h.audit, c, err)
		return
	}

	emitAudit(h.audit, c, telemetry.LevelInfo, "Group created")
	c.JSON(http.StatusCreated, group)
}

// JoinGroup handles POST /groups/join.
func (h *GroupHandler) JoinGroup(c *gin.Context) {
	var req struct {
		Code string `json:"code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	group, err := h.groups.JoinGroup(c.Request.Context(), req.Code, c.GetString(middleware.UserIDKey))
	if err != nil {
		respondError(h.audit, c, err)
		return
	}

	emitAudit(h.audit, c, telemetry.LevelInfo, "Group joined")
	c.JSON(http.StatusOK, group)
}

// ListGroups returns groups the caller belongs to.
func (h *GroupHandler) ListGroups(c *gin.Context) {
	groups, err := h.groups.ListMyGroups(c.Request.Context(), c.GetString(middleware.UserIDKey))
	if err != nil {
		respondError(h.audit, c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

// GetGroup returns one group with its member count.
func (h *GroupHandler) GetGroup(c *gin.Context) {
	groupID, ok := validUUID(c, "group_id")
	if !ok {
		return
	}

	group, err := h.groups.GetGroup(c.Request.Context(), groupID, c.GetString(middleware.UserIDKey))
	if err != nil {
		respondError(h.audit, c, err)
		return
	}
	count, err := h.groups.MemberCount(c.Request.Context(), groupID)
	if err != nil {
		respondError(h.audit, c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"group": group, "member_count": count})
}

// LeaveGroup handles DELETE /groups/:group_id/members/me.
func (h *GroupHandler) LeaveGroup(c *gin.Context) {
	groupID, ok := validUUID(c, "group_id")
	if !ok {
		return
	}

	userID := c.GetString(middleware.UserIDKey)
	if err := h.groups.LeaveGroup(c.Request.Context(), groupID, userID); err != nil {
		respondError(h.audit, c, err)
		return
	}
	if h.hub != nil {
		if n := h.hub.EvictUser(groupID, userID); n > 0 {
			h.log.Info("closed live sessions after leave", zap.String("group_id", groupID), zap.Int("connections", n))
		}
	}
	emitAudit(h.audit, c, telemetry.LevelInfo, "Group left")
	c.Status(http.StatusNoContent)
}

type messageResponse struct {
	models.GroupMessage
	SenderDisplayName string `json:"sender_display_name"`
}

// GetGroupMessages returns the group's log in stored order.
func (h *GroupHandler) GetGroupMessages(c *gin.Context) {
	groupID, ok := validUUID(c, "group_id")
	if !ok {
		return
	}
	userID := c.GetString(middleware.UserIDKey)
	if _, err := h.groups.GetGroup(c.Request.Context(), groupID, userID); err != nil {
		respondError(h.audit, c, err)
		return
	}

	msgs, err := h.messageRepo.ListGroupMessages(c.Request.Context(), groupID)
	if err != nil {
		respondError(h.audit, c, apperr.Persistence("could not load messages", err))
		return
	}

	senderIDs := make([]string, 0, len(msgs))
	seen := map[string]struct{}{}
	for _, m := range msgs {
		if m.IsAI || m.SenderID == "" {
			continue
		}
		if _, ok := seen[m.SenderID]; !ok {
			seen[m.SenderID] = struct{}{}
			senderIDs = append(senderIDs, m.SenderID)
		}
	}

	nameByID := map[string]string{}
	if len(senderIDs) > 0 && h.names != nil {
		names, err := h.names.DisplayNames(c.Request.Context(), senderIDs)
		if err != nil {
			h.log.Warn("display names lookup failed", zap.String("group_id", groupID), zap.Error(err))
		} else {
			nameByID = names
		}
	}

	resp := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		name := nameByID[m.SenderID]
		switch {
		case m.IsAI:
			name = models.AssistantDisplayName
		case name == "":
			name = "Member"
		}
		resp = append(resp, messageResponse{GroupMessage: m, SenderDisplayName: name})
	}

	c.JSON(http.StatusOK, gin.H{"messages": resp})
}

// PostGroupMessage stores a message; live sessions receive it via the change
// feed.
func (h *GroupHandler) PostGroupMessage(c *gin.Context) {
	groupID, ok := validUUID(c, "group_id")
	if !ok {
		return
	}

	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message cannot be empty"})
		return
	}

	msg, err := h.messageRepo.CreateGroupMessage(c.Request.Context(), groupID, c.GetString(middleware.UserIDKey), content)
	if err != nil {
		if errors.Is(err, repositories.ErrNotMember) {
			emitAudit(h.audit, c, telemetry.LevelError, "not allowed")
			c.JSON(http.StatusForbidden, gin.H{"error": "you are not a member of this group"})
			return
		}
		respondError(h.audit, c, apperr.Persistence("could not send message", err))
		return
	}

	h.assistant.ReplyInBackground(c.Request.Context(), groupID, content)
	emitAudit(h.audit, c, telemetry.LevelInfo, "Group message sent")
	c.JSON(http.StatusCreated, msg)
}

// OnlineMembers handles GET /groups/:group_id/online.
func (h *GroupHandler) OnlineMembers(c *gin.Context) {
	groupID, ok := validUUID(c, "group_id")
	if !ok {
		return
	}
	if _, err := h.groups.GetGroup(c.Request.Context(), groupID, c.GetString(middleware.UserIDKey)); err != nil {
		respondError(h.audit, c, err)
		return
	}

	users := []string{}
	if h.hub != nil {
		users = h.hub.Online(groupID)
	}
	c.JSON(http.StatusOK, gin.H{"user_ids": users, "count": len(users)})
}
