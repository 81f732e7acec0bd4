package usage

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/daveri-app/assistant/internal/chat"
	"github.com/daveri-app/assistant/internal/common"
	"github.com/daveri-app/assistant/internal/models"
	"github.com/daveri-app/assistant/internal/plan"
)

// Ledger owns the credit counters. Consume is the single write path:
// check, increment and message insert happen in one transaction, and the
// increment itself is a guarded UPDATE so two concurrent sends can never
// both pass a capacity limit.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

type ConsumeRequest struct {
	Cost           int
	ConversationID string
	ContextKey     string
	ChatMode       string
	Role           string
	Content        string
	BotID          *string
	IdempotencyKey string
}

type ConsumeResult struct {
	Allowed        bool
	MessageID      uint64
	ConversationID string
	Usage          Snapshot
}

func (l *Ledger) snapshotFor(c *Counter, caps plan.Caps) Snapshot {
	return Snapshot{
		Day:         c.Day,
		DailyUsed:   c.DailyUsed,
		DailyCap:    caps.Daily,
		Month:       c.Month,
		MonthlyUsed: c.MonthlyUsed,
		MonthlyCap:  caps.Monthly,
	}
}

// ensureCounter loads the caller's counter row inside tx, creating it on
// first use and rolling the day/month windows over when they lapse.
func (l *Ledger) ensureCounter(tx *gorm.DB, userID uint64) (*Counter, error) {
	day := DayKey(l.now())
	month := MonthKey(l.now())

	var c Counter
	err := tx.Where("user_id = ?", userID).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c = Counter{UserID: userID, Day: day, Month: month}
		if err := tx.Create(&c).Error; err != nil {
			return nil, err
		}
		return &c, nil
	}
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if c.Day != day {
		updates["day"] = day
		updates["daily_used"] = 0
		c.Day, c.DailyUsed = day, 0
	}
	if c.Month != month {
		updates["month"] = month
		updates["monthly_used"] = 0
		c.Month, c.MonthlyUsed = month, 0
	}
	if len(updates) > 0 {
		if err := tx.Model(&Counter{}).Where("user_id = ?", userID).Updates(updates).Error; err != nil {
			return nil, err
		}
	}
	return &c, nil
}

// Consume atomically spends req.Cost credits and persists the user
// message. A capacity miss returns Allowed=false with the current usage;
// it is not an error.
func (l *Ledger) Consume(ctx context.Context, userID uint64, req ConsumeRequest) (*ConsumeResult, error) {
	if req.Cost <= 0 {
		req.Cost = 1
	}
	if req.Role == "" {
		req.Role = "user"
	}
	if req.ChatMode == "" {
		req.ChatMode = "advisor"
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, errors.New("usage: empty message content")
	}

	var user models.User
	if err := l.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		return nil, err
	}
	caps := plan.CapsFor(user.PlanID)

	var result *ConsumeResult
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := l.ensureCounter(tx, userID)
		if err != nil {
			return err
		}

		snap := l.snapshotFor(c, caps)
		if snap.NoAccess() || snap.Exceeded() {
			result = &ConsumeResult{Allowed: false, ConversationID: req.ConversationID, Usage: snap}
			return nil
		}

		// Replays of an already-consumed send return the original
		// message without spending another credit.
		if req.IdempotencyKey != "" {
			var existing chat.Message
			err := tx.Where("user_id = ? AND idempotency_key = ?", userID, req.IdempotencyKey).
				First(&existing).Error
			if err == nil {
				result = &ConsumeResult{
					Allowed:        true,
					MessageID:      existing.ID,
					ConversationID: existing.ConversationID,
					Usage:          snap,
				}
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		// Guarded increment: the WHERE clause re-checks capacity so the
		// check and the decrement are one statement.
		q := tx.Model(&Counter{}).
			Where("user_id = ? AND day = ? AND month = ?", userID, c.Day, c.Month)
		if caps.Daily != nil {
			q = q.Where("daily_used + ? <= ?", req.Cost, *caps.Daily)
		}
		if caps.Monthly != nil {
			q = q.Where("monthly_used + ? <= ?", req.Cost, *caps.Monthly)
		}
		res := q.Updates(map[string]any{
			"daily_used":   gorm.Expr("daily_used + ?", req.Cost),
			"monthly_used": gorm.Expr("monthly_used + ?", req.Cost),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race or the window rolled under us; report the
			// fresh counters.
			fresh, err := l.ensureCounter(tx, userID)
			if err != nil {
				return err
			}
			result = &ConsumeResult{Allowed: false, ConversationID: req.ConversationID, Usage: l.snapshotFor(fresh, caps)}
			return nil
		}
		c.DailyUsed += req.Cost
		c.MonthlyUsed += req.Cost

		conversationID := req.ConversationID
		if conversationID == "" {
			id, err := common.NewULID()
			if err != nil {
				return err
			}
			conversationID = id
			contextKey := req.ContextKey
			if contextKey == "" {
				contextKey = "__default__"
			}
			conv := chat.Conversation{
				ID:         conversationID,
				UserID:     userID,
				ContextKey: contextKey,
				ChatMode:   req.ChatMode,
			}
			if err := tx.Create(&conv).Error; err != nil {
				return err
			}
		} else {
			var conv chat.Conversation
			if err := tx.Where("id = ? AND user_id = ?", conversationID, userID).
				First(&conv).Error; err != nil {
				return err
			}
		}

		var key *string
		if req.IdempotencyKey != "" {
			key = &req.IdempotencyKey
		}
		msg := chat.Message{
			ConversationID: conversationID,
			UserID:         userID,
			Role:           req.Role,
			Content:        req.Content,
			BotID:          req.BotID,
			IdempotencyKey: key,
		}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}

		result = &ConsumeResult{
			Allowed:        true,
			MessageID:      msg.ID,
			ConversationID: conversationID,
			Usage:          l.snapshotFor(c, caps),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Status returns the caller's current usage snapshot without consuming
// anything. Users who never sent a message get zeroed counters for the
// current windows.
func (l *Ledger) Status(ctx context.Context, userID uint64) (*Snapshot, error) {
	var user models.User
	if err := l.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		return nil, err
	}
	caps := plan.CapsFor(user.PlanID)

	day := DayKey(l.now())
	month := MonthKey(l.now())

	var c Counter
	err := l.db.WithContext(ctx).Where("user_id = ?", userID).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c = Counter{UserID: userID, Day: day, Month: month}
	} else if err != nil {
		return nil, err
	}

	// A lapsed window reads as zero even before the next write rolls it.
	if c.Day != day {
		c.Day, c.DailyUsed = day, 0
	}
	if c.Month != month {
		c.Month, c.MonthlyUsed = month, 0
	}

	snap := l.snapshotFor(&c, caps)
	return &snap, nil
}
