package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/daveri-app/assistant/internal/common"
	"github.com/daveri-app/assistant/internal/httpapi/middleware"
	"github.com/daveri-app/assistant/internal/usage"
)

// CreditStatus returns the caller's usage snapshot. Reaching here at all
// requires a valid bearer session; an absent session is a hard 401 from
// the auth middleware, never a zeroed snapshot.
func (h *Handler) CreditStatus(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "auth_required")
		return
	}

	snap, err := h.Ledger.Status(c.Request.Context(), uid)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50010, "failed to load usage")
		return
	}
	common.OK(c, snap)
}

type consumeCreditReq struct {
	Cost           int      `json:"cost"`
	ConversationID string   `json:"conversation_id"`
	ContextKey     string   `json:"context_key"`
	Role           string   `json:"role"`
	Content        string   `json:"content"`
	ActiveBotID    *string  `json:"active_bot_id"`
	SelectedBotIDs []string `json:"selected_bot_ids"`
	ChatMode       string   `json:"chat_mode"`
	IdempotencyKey string   `json:"idempotency_key"`
}

// ConsumeCredit is the atomic check-and-decrement-and-insert RPC the dock
// pipeline calls before fetching an answer.
func (h *Handler) ConsumeCredit(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "auth_required")
		return
	}

	var req consumeCreditReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	res, err := h.Ledger.Consume(c.Request.Context(), uid, usage.ConsumeRequest{
		Cost:           req.Cost,
		ConversationID: req.ConversationID,
		ContextKey:     req.ContextKey,
		ChatMode:       req.ChatMode,
		Role:           req.Role,
		Content:        req.Content,
		BotID:          req.ActiveBotID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.Log.Error("credit consume failed",
			zap.Uint64("user_id", uid),
			zap.String("request_id", middleware.GetRequestID(c)),
			zap.Error(err),
		)
		common.Fail(c, http.StatusInternalServerError, 50011, "credit consume failed")
		return
	}

	if res.Allowed && h.Events != nil {
		ev := usage.Event{
			UserID:         uid,
			ConversationID: res.ConversationID,
			MessageID:      res.MessageID,
			Cost:           max(req.Cost, 1),
			OccurredAt:     time.Now().UTC(),
		}
		if err := h.Events.PublishUsage(c.Request.Context(), ev); err != nil {
			h.Log.Warn("usage event publish failed",
				zap.Uint64("user_id", uid),
				zap.String("request_id", middleware.GetRequestID(c)),
				zap.Error(err),
			)
		}
	}

	common.OK(c, gin.H{
		"allowed":         res.Allowed,
		"message_id":      res.MessageID,
		"conversation_id": res.ConversationID,
		"usage":           res.Usage,
	})
}

// UsageHistory serves the dashboard chart from the worker-maintained
// per-day rollups.
func (h *Handler) UsageHistory(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "auth_required")
		return
	}

	days := 30
	if v := c.Query("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 365 {
			days = n
		}
	}
	since := usage.DayKey(time.Now().UTC().AddDate(0, 0, -days))

	var rollups []usage.Rollup
	if err := h.DB.
		Where("user_id = ? AND day >= ?", uid, since).
		Order("day ASC").
		Find(&rollups).Error; err != nil {
		common.Fail(c, http.StatusInternalServerError, 50012, "failed to load usage history")
		return
	}

	common.OK(c, gin.H{"rollups": rollups})
}
