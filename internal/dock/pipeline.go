package dock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/daveri-app/assistant/internal/apiclient"
	"github.com/daveri-app/assistant/internal/common"
	"github.com/daveri-app/assistant/internal/plan"
)

const degradedAnswer = "Your message was received, but the assistant is unavailable right now."

// runPipeline drives one accepted send to a terminal outcome. Every step
// re-checks the cancellation flag before touching the transcript; cancel
// always wins over a late network resolution.
func (d *Dock) runPipeline(ctx context.Context, fl *inFlight) {
	log := d.log.With(zap.String("request_id", fl.requestID))

	// 1. Feature access.
	access := d.access.CheckAccess(ctx)
	if d.isCanceled(fl) {
		d.finish(fl, SendResult{Kind: OutcomeCanceled})
		return
	}
	if !access.Allowed {
		d.blockSend(fl, access.Reason)
		return
	}

	// 2. A session is required past this point; absence is the same
	// paywall as an auth failure.
	if d.session == nil || d.session.UserID() == "" {
		d.blockSend(fl, "auth_required")
		return
	}

	// 3. Cheap pre-check: a cached no-access state on an unpaid plan is
	// a known-blocked send, not worth a round trip.
	if view := d.credits.Snapshot(); view.Data != nil {
		if view.Data.NoAccess() && !plan.IsPaid(access.PlanID) {
			if d.isCanceled(fl) {
				d.finish(fl, SendResult{Kind: OutcomeCanceled})
				return
			}
			d.quotaBlock(fl, "no_access")
			return
		}
	}

	// 4. Atomic consume.
	var activeBot *string
	if fl.sendCtx.ActiveBotID != "" {
		b := fl.sendCtx.ActiveBotID
		activeBot = &b
	}
	outcome, err := d.api.ConsumeCredit(ctx, apiclient.ConsumeRequest{
		Cost:           1,
		ConversationID: fl.sendCtx.ConversationID,
		ContextKey:     fl.sendCtx.ContextKey,
		Role:           "user",
		Content:        fl.text,
		ActiveBotID:    activeBot,
		SelectedBotIDs: fl.sendCtx.SelectedBotIDs,
		ChatMode:       fl.sendCtx.ChatMode,
		IdempotencyKey: uuid.NewString(),
	})
	if d.isCanceled(fl) {
		d.finish(fl, SendResult{Kind: OutcomeCanceled})
		return
	}
	if err != nil {
		d.classifyFailure(ctx, fl, err, log)
		return
	}

	if !outcome.Allowed {
		d.credits.Apply(outcome.Usage)
		kind := "quota_exceeded"
		if outcome.Usage.NoAccess() {
			kind = "no_access"
		}
		d.quotaBlock(fl, kind)
		return
	}

	// 5. Allowed but no message id: the send did not land. Re-resolve
	// quota before deciding between the modal and a retryable failure.
	if outcome.MessageID == 0 {
		snap, _ := d.credits.Refresh(ctx, true)
		if d.isCanceled(fl) {
			d.finish(fl, SendResult{Kind: OutcomeCanceled})
			return
		}
		if snap != nil && (snap.NoAccess() || snap.Exceeded()) {
			kind := "quota_exceeded"
			if snap.NoAccess() {
				kind = "no_access"
			}
			d.quotaBlock(fl, kind)
			return
		}
		d.failSend(fl, "send_error")
		return
	}

	// 6. Success: thread the conversation, commit the returned usage,
	// mark the optimistic message confirmed.
	d.rememberConversation(fl.sendCtx.ContextKey, outcome.ConversationID)
	d.credits.Apply(outcome.Usage)

	now := time.Now()
	d.store.Update(fl.optimisticMessageID, func(m *ChatMessage) {
		m.Status = StatusSent
		m.Timestamp = now
		m.Action = nil
	})

	// Answer fetch with the bot fallback chain. A failure here degrades
	// to a stock reply; the credit is spent and the user message has
	// landed, so rolling back would be worse.
	botID := d.answerBot(fl.sendCtx)
	answer := degradedAnswer
	ask, askErr := d.api.Ask(ctx, apiclient.AskRequest{
		BotID:          botID,
		ConversationID: outcome.ConversationID,
		Message:        fl.text,
		SelectedBotIDs: fl.sendCtx.SelectedBotIDs,
	})
	if askErr != nil {
		log.Warn("answer fetch failed", zap.Error(askErr))
	} else {
		answer = ask.Answer
	}

	// 7. Always refresh credit status after a successful send, whatever
	// the answer fetch did.
	defer func() {
		go func() {
			refreshCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_, _ = d.credits.Refresh(refreshCtx, true)
		}()
	}()

	if d.isCanceled(fl) {
		d.finish(fl, SendResult{Kind: OutcomeCanceled})
		return
	}

	assistantID, err := newMessageID()
	if err != nil {
		d.finish(fl, SendResult{Kind: OutcomeAccepted, MessageID: fl.optimisticMessageID})
		return
	}
	d.store.Append(ChatMessage{
		ID:        assistantID,
		Role:      "assistant",
		Content:   answer,
		Timestamp: time.Now(),
		Status:    StatusSent,
	})

	d.finish(fl, SendResult{Kind: OutcomeAccepted, MessageID: fl.optimisticMessageID})
}

// blockSend is the paywall path: remove the optimistic message, surface
// the paywall and explain the block in the transcript. Not retryable.
func (d *Dock) blockSend(fl *inFlight, reason string) {
	d.store.Remove(fl.optimisticMessageID)
	d.onSignal(Signal{Kind: SignalPaywall, Reason: reason})

	if id, err := newMessageID(); err == nil {
		d.store.Append(ChatMessage{
			ID:        id,
			Role:      "assistant",
			Content:   blockCopy(reason),
			Timestamp: time.Now(),
			Status:    StatusSent,
		})
	}
	d.finish(fl, SendResult{Kind: OutcomeBlocked, Reason: reason})
}

// quotaBlock silently removes the optimistic message; the modal is the
// surfaced signal, not a failed bubble.
func (d *Dock) quotaBlock(fl *inFlight, kind string) {
	d.store.Remove(fl.optimisticMessageID)
	d.onSignal(Signal{Kind: SignalQuotaModal, Reason: kind})
	d.finish(fl, SendResult{Kind: OutcomeQuota, Reason: kind})
}

// failSend marks the optimistic message failed and attaches the retry
// payload so the user never has to retype.
func (d *Dock) failSend(fl *inFlight, reason string) {
	d.store.Update(fl.optimisticMessageID, func(m *ChatMessage) {
		m.Status = StatusFailed
		m.Action = &Action{
			Type:  ActionRetry,
			Label: "Retry",
			Payload: ActionPayload{
				Text: fl.text,
				// Non-nil even when empty: Retry must replay "no bots
				// selected" as-is rather than fall back to whatever is
				// selected by then.
				SelectedBotIDs: append([]string{}, fl.sendCtx.SelectedBotIDs...),
				ChatMode:       fl.sendCtx.ChatMode,
				ConversationID: fl.sendCtx.ConversationID,
			},
		}
	})
	d.finish(fl, SendResult{Kind: OutcomeSendError, Reason: reason, MessageID: fl.optimisticMessageID})
}

// classifyFailure routes an unexpected consume error: auth-like failures
// re-run the paywall path, quota-like ones the quota path, the rest are
// retryable.
func (d *Dock) classifyFailure(ctx context.Context, fl *inFlight, err error, log *zap.Logger) {
	log.Warn("send failed", zap.Error(err))

	if errors.Is(err, apiclient.ErrAuthRequired) || looksAuthLike(err) {
		d.blockSend(fl, "auth_required")
		return
	}
	if looksQuotaLike(err) {
		snap, _ := d.credits.Refresh(ctx, true)
		if d.isCanceled(fl) {
			d.finish(fl, SendResult{Kind: OutcomeCanceled})
			return
		}
		kind := "quota_exceeded"
		if snap != nil && snap.NoAccess() {
			kind = "no_access"
		}
		d.quotaBlock(fl, kind)
		return
	}
	if d.isCanceled(fl) {
		d.finish(fl, SendResult{Kind: OutcomeCanceled})
		return
	}
	d.failSend(fl, "send_error")
}

// answerBot resolves which bot answers: explicit active bot, then the
// first selected bot, then the account-wide active bot.
func (d *Dock) answerBot(sc SendContext) string {
	if sc.ActiveBotID != "" {
		return sc.ActiveBotID
	}
	if len(sc.SelectedBotIDs) > 0 {
		return sc.SelectedBotIDs[0]
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.globalBotID
}

func looksAuthLike(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"auth", "jwt", "token", "unauthorized", "401"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

func looksQuotaLike(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"credit", "quota", "limit", "402"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

func blockCopy(reason string) string {
	switch reason {
	case "auth_required":
		return "Please sign in to use the assistant."
	case "ai_locked":
		return "The assistant is not included in your current plan. Upgrade to unlock it."
	case "entitlements_error":
		return "We could not verify your plan right now. Please try again in a moment."
	default:
		return "The assistant is unavailable for your account."
	}
}

func newMessageID() (string, error) {
	return common.NewULID()
}
