package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/daveri-app/assistant/internal/ai"
	"github.com/daveri-app/assistant/internal/auth"
	"github.com/daveri-app/assistant/internal/chat"
	"github.com/daveri-app/assistant/internal/httpapi/middleware"
	"github.com/daveri-app/assistant/internal/models"
	"github.com/daveri-app/assistant/internal/usage"
)

type askReq struct {
	BotID          string       `json:"bot_id"`
	VisitorID      string       `json:"visitor_id"`
	ConversationID string       `json:"conversation_id"`
	Message        string       `json:"message"`
	Question       string       `json:"question"`
	ActiveBotID    string       `json:"active_bot_id"`
	SelectedBotIDs []string     `json:"selected_bot_ids"`
	History        []ai.Message `json:"history"`
}

// normalizeAsk resolves the request's field aliases in place and returns
// the list of required fields still missing afterwards.
func normalizeAsk(req *askReq) []string {
	if strings.TrimSpace(req.BotID) == "" {
		if strings.TrimSpace(req.ActiveBotID) != "" {
			req.BotID = req.ActiveBotID
		} else if len(req.SelectedBotIDs) > 0 {
			req.BotID = req.SelectedBotIDs[0]
		}
	}
	req.BotID = strings.TrimSpace(req.BotID)

	if strings.TrimSpace(req.Question) == "" {
		req.Question = req.Message
	}
	req.Question = strings.TrimSpace(req.Question)

	var missing []string
	if req.BotID == "" {
		missing = append(missing, "bot_id")
	}
	if req.Question == "" {
		missing = append(missing, "question")
	}
	return missing
}

// Ask is the credit-metered answer endpoint. Ordering matters: method and
// CORS are handled before this point, the body is validated before auth,
// and the credit is consumed before the model is called. An answer
// failure after consumption is a 502; the credit stays spent.
func (h *Handler) Ask(c *gin.Context) {
	rid := middleware.GetRequestID(c)
	log := h.Log.With(zap.String("request_id", rid))

	var req askReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}

	if missing := normalizeAsk(&req); len(missing) > 0 {
		log.Info("ask rejected", zap.Strings("missing", missing))
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payload",
			"details": gin.H{"missing": missing},
		})
		return
	}

	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "auth_required"})
		return
	}
	uid, err := auth.ParseJWT(strings.TrimPrefix(header, "Bearer "), h.Cfg.JWTSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "auth_required"})
		return
	}
	log = log.With(zap.Uint64("user_id", uid))

	// Row-level access: the bot must exist under the caller's scope.
	var bot models.Bot
	if err := h.DB.Where("id = ? AND user_id = ?", req.BotID, uid).First(&bot).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "bot_not_found"})
			return
		}
		log.Error("bot lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	// Bounded history: most recent N in ascending order. A provided
	// conversation wins over any client-passed history.
	history := req.History
	if req.ConversationID != "" {
		msgs, err := h.Repo.ListRecentMessagesAsc(c.Request.Context(), uid, req.ConversationID, h.Cfg.HistoryWindowSize)
		if err == nil {
			history = history[:0]
			for _, m := range msgs {
				history = append(history, ai.Message{Role: m.Role, Content: m.Content})
			}
		}
	}
	if h.Cfg.HistoryWindowSize > 0 && len(history) > h.Cfg.HistoryWindowSize {
		history = history[len(history)-h.Cfg.HistoryWindowSize:]
	}

	// Atomic credit consume. This also persists the user message in the
	// same transaction; a failure here is fatal, not papered over.
	res, err := h.Ledger.Consume(c.Request.Context(), uid, usage.ConsumeRequest{
		Cost:           1,
		ConversationID: req.ConversationID,
		Role:           "user",
		Content:        req.Question,
		BotID:          &bot.ID,
		IdempotencyKey: rid,
	})
	if err != nil {
		log.Error("credit consume failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "credit_consume_failed"})
		return
	}
	if !res.Allowed {
		reason := "quota_exceeded"
		if res.Usage.NoAccess() {
			reason = "no_access"
		}
		log.Info("ask blocked", zap.String("reason", reason))
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error": reason,
			"usage": res.Usage,
		})
		return
	}

	if h.Events != nil {
		ev := usage.Event{
			UserID:         uid,
			ConversationID: res.ConversationID,
			MessageID:      res.MessageID,
			Cost:           1,
			OccurredAt:     time.Now().UTC(),
		}
		if err := h.Events.PublishUsage(c.Request.Context(), ev); err != nil {
			log.Warn("usage event publish failed", zap.Error(err))
		}
	}

	prompt := append(history, ai.Message{Role: "user", Content: req.Question})
	answer, err := ai.Complete(c.Request.Context(), h.Provider, prompt, h.Cfg.AskTimeout, h.Cfg.AskMaxRetries)
	if err != nil {
		log.Error("llm call failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{
			"error":           "llm_failed",
			"conversation_id": res.ConversationID,
			"usage":           res.Usage,
		})
		return
	}

	// Best-effort: losing the assistant row is preferable to failing a
	// request whose credit is already spent.
	assistantMsg := chat.Message{
		ConversationID: res.ConversationID,
		UserID:         uid,
		Role:           "assistant",
		Content:        answer,
		BotID:          &bot.ID,
	}
	if err := h.Repo.InsertMessage(c.Request.Context(), &assistantMsg); err != nil {
		log.Warn("assistant message persist failed", zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{
		"answer":          answer,
		"conversation_id": res.ConversationID,
		"usage":           res.Usage,
	})
}
