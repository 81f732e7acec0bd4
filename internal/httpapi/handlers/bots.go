package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/daveri-app/assistant/internal/common"
	"github.com/daveri-app/assistant/internal/models"
)

type createBotReq struct {
	Name string `json:"name"`
}

func (h *Handler) CreateBot(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "auth_required")
		return
	}

	var req createBotReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "name required")
		return
	}

	id, err := common.NewULID()
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	bot := models.Bot{ID: id, UserID: uid, Name: req.Name}
	if err := h.DB.Create(&bot).Error; err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to create bot")
		return
	}

	common.OK(c, bot)
}

func (h *Handler) ListBots(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "auth_required")
		return
	}

	var bots []models.Bot
	if err := h.DB.Where("user_id = ?", uid).Order("created_at ASC").Find(&bots).Error; err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list bots")
		return
	}
	common.OK(c, gin.H{"bots": bots})
}

func (h *Handler) GetBot(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "auth_required")
		return
	}

	var bot models.Bot
	if err := h.DB.Where("id = ? AND user_id = ?", c.Param("bot_id"), uid).First(&bot).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			common.Fail(c, http.StatusNotFound, 40402, "bot not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	common.OK(c, bot)
}

func (h *Handler) DeleteBot(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "auth_required")
		return
	}

	res := h.DB.Where("id = ? AND user_id = ?", c.Param("bot_id"), uid).Delete(&models.Bot{})
	if res.Error != nil {
		common.Fail(c, http.StatusInternalServerError, 50003, "failed to delete bot")
		return
	}
	if res.RowsAffected == 0 {
		common.Fail(c, http.StatusNotFound, 40402, "bot not found")
		return
	}
	common.OK(c, gin.H{"deleted": true})
}

// ActivateBot marks one bot as the user's globally active bot; any
// previously active bot is demoted in the same transaction.
func (h *Handler) ActivateBot(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "auth_required")
		return
	}
	botID := c.Param("bot_id")

	err := h.DB.Transaction(func(tx *gorm.DB) error {
		var bot models.Bot
		if err := tx.Where("id = ? AND user_id = ?", botID, uid).First(&bot).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Bot{}).
			Where("user_id = ? AND active = ?", uid, true).
			Update("active", false).Error; err != nil {
			return err
		}
		return tx.Model(&models.Bot{}).
			Where("id = ?", botID).
			Update("active", true).Error
	})
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			common.Fail(c, http.StatusNotFound, 40402, "bot not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50004, "failed to activate bot")
		return
	}

	common.OK(c, gin.H{"active_bot_id": botID})
}
