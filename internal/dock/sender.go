// Package dock implements the assistant dock's send machinery: the
// per-context dedup and cancellation state machine for outbound chat
// messages, and the credit-limited pipeline behind it.
package dock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/daveri-app/assistant/internal/apiclient"
	"github.com/daveri-app/assistant/internal/common"
	"github.com/daveri-app/assistant/internal/credit"
	"github.com/daveri-app/assistant/internal/entitlement"
	"github.com/daveri-app/assistant/internal/usage"
)

// Terminal outcomes of a send request. Expected failures are values, not
// errors; the pipeline returns exactly one of these per request.
type OutcomeKind string

const (
	OutcomeAccepted  OutcomeKind = "accepted"
	OutcomeCanceled  OutcomeKind = "canceled"
	OutcomeBlocked   OutcomeKind = "blocked"
	OutcomeQuota     OutcomeKind = "quota"
	OutcomeSendError OutcomeKind = "send_error"
)

type SendResult struct {
	Kind      OutcomeKind
	Reason    string
	RequestID string
	MessageID string
}

// Signals surfaced to the UI layer.
type SignalKind string

const (
	SignalPaywall    SignalKind = "paywall"
	SignalQuotaModal SignalKind = "quota_modal"
	SignalToast      SignalKind = "toast"
)

type Signal struct {
	Kind   SignalKind
	Reason string // paywall/modal reason or toast text
}

var (
	ErrEmptyText = errors.New("dock: empty message text")
	// ErrDuplicate rejects a send whose dedup key is already in flight.
	// There is no queueing; the caller surfaces a transient toast.
	ErrDuplicate = errors.New("duplicate")
)

// Backend is the slice of the API client the pipeline needs.
type Backend interface {
	ConsumeCredit(ctx context.Context, req apiclient.ConsumeRequest) (*apiclient.ConsumeOutcome, error)
	Ask(ctx context.Context, req apiclient.AskRequest) (*apiclient.AskResult, error)
}

// AccessResolver gates the assistant feature per account.
type AccessResolver interface {
	CheckAccess(ctx context.Context) entitlement.Access
}

// CreditCache is the client-side usage view the pipeline consults.
type CreditCache interface {
	Refresh(ctx context.Context, force bool) (*usage.Snapshot, error)
	Snapshot() credit.View
	Apply(snap usage.Snapshot)
}

// Session identifies the signed-in user; empty UserID means no session.
type Session interface {
	UserID() string
}

type inFlight struct {
	requestID           string
	dedupKey            string
	text                string
	sendCtx             SendContext
	optimisticMessageID string
	canceled            bool
	done                chan SendResult
}

// SendHandle tracks an accepted request until its terminal outcome.
type SendHandle struct {
	RequestID string
	MessageID string
	done      chan SendResult
}

// Done yields the terminal SendResult exactly once.
func (h *SendHandle) Done() <-chan SendResult { return h.done }

type Dock struct {
	api     Backend
	access  AccessResolver
	credits CreditCache
	session Session
	store   *MessageStore
	log     *zap.Logger

	onSignal func(Signal)

	mu            sync.Mutex
	inflight      map[string]*inFlight // by request id
	byDedup       map[string]string    // dedup key -> request id
	convByContext map[string]string    // context key -> conversation id

	selectedBotIDs []string
	globalBotID    string
	chatMode       string
}

type Options struct {
	OnSignal func(Signal)
	Log      *zap.Logger
}

func New(api Backend, access AccessResolver, credits CreditCache, session Session, store *MessageStore, opts Options) *Dock {
	if store == nil {
		store = NewMessageStore()
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	onSignal := opts.OnSignal
	if onSignal == nil {
		onSignal = func(Signal) {}
	}
	return &Dock{
		api:           api,
		access:        access,
		credits:       credits,
		session:       session,
		store:         store,
		log:           log,
		onSignal:      onSignal,
		inflight:      map[string]*inFlight{},
		byDedup:       map[string]string{},
		convByContext: map[string]string{},
		chatMode:      ModeAdvisor,
	}
}

func (d *Dock) Store() *MessageStore { return d.store }

// SetSelectedBots replaces the current bot selection.
func (d *Dock) SetSelectedBots(ids []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.selectedBotIDs = NormalizeBotIDs(ids)
}

// SetGlobalActiveBot records the account-wide active bot used as the
// last resort of the answer-fetch fallback chain.
func (d *Dock) SetGlobalActiveBot(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.globalBotID = id
}

func (d *Dock) SetChatMode(mode string) {
	if mode != ModeAdvisor && mode != ModeOperator {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chatMode = mode
}

// resolveContext builds the SendContext for a request. Explicit
// overrides win over the stored per-context conversation id, which wins
// over having no thread at all.
func (d *Dock) resolveContext(ov *Overrides) SendContext {
	d.mu.Lock()
	defer d.mu.Unlock()

	selected := d.selectedBotIDs
	if ov != nil && ov.SelectedBotIDs != nil {
		selected = NormalizeBotIDs(ov.SelectedBotIDs)
	}

	mode := d.chatMode
	if ov != nil && ov.ChatMode != "" {
		mode = ov.ChatMode
	}

	key := ContextKey(selected)

	convID := d.convByContext[key]
	if ov != nil && ov.ConversationID != nil {
		convID = *ov.ConversationID
	}

	active := ""
	if len(selected) == 1 {
		active = selected[0]
	}
	if ov != nil && ov.ActiveBotID != nil {
		active = *ov.ActiveBotID
	}

	return SendContext{
		SelectedBotIDs: append([]string(nil), selected...),
		ContextKey:     key,
		ConversationID: convID,
		ChatMode:       mode,
		ActiveBotID:    active,
	}
}

// StartSendRequest validates and registers a send, appends the
// optimistic message, and runs the pipeline asynchronously. It returns
// ErrDuplicate when an identical send is already in flight, after
// surfacing the transient toast.
func (d *Dock) StartSendRequest(ctx context.Context, text string, ov *Overrides) (*SendHandle, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}

	sendCtx := d.resolveContext(ov)
	key := dedupKey(sendCtx, text)

	requestID, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	msgID, err := common.NewULID()
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if _, exists := d.byDedup[key]; exists {
		d.mu.Unlock()
		d.onSignal(Signal{Kind: SignalToast, Reason: "duplicate"})
		return nil, ErrDuplicate
	}
	fl := &inFlight{
		requestID:           requestID,
		dedupKey:            key,
		text:                text,
		sendCtx:             sendCtx,
		optimisticMessageID: msgID,
		done:                make(chan SendResult, 1),
	}
	d.inflight[requestID] = fl
	d.byDedup[key] = requestID
	d.mu.Unlock()

	d.store.Append(ChatMessage{
		ID:        msgID,
		Role:      "user",
		Content:   text,
		Timestamp: time.Now(),
		Status:    StatusSending,
		Action: &Action{
			Type:    ActionCancel,
			Label:   "Cancel",
			Payload: ActionPayload{RequestID: requestID},
		},
	})

	go d.runPipeline(ctx, fl)

	return &SendHandle{RequestID: requestID, MessageID: msgID, done: fl.done}, nil
}

// Cancel marks the request canceled, removes its optimistic message and
// unregisters it. A late network resolution then finds the flag set and
// must not touch the transcript again.
func (d *Dock) Cancel(requestID string) bool {
	d.mu.Lock()
	fl, ok := d.inflight[requestID]
	if !ok {
		d.mu.Unlock()
		return false
	}
	fl.canceled = true
	delete(d.byDedup, fl.dedupKey)
	d.mu.Unlock()

	d.store.Remove(fl.optimisticMessageID)
	return true
}

func (d *Dock) isCanceled(fl *inFlight) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fl.canceled
}

// Retry replays a failed message from its attached payload, reusing the
// original normalized context unless the caller overrides parts of it.
func (d *Dock) Retry(ctx context.Context, messageID string, ov *Overrides) (*SendHandle, error) {
	msg, ok := d.store.Get(messageID)
	if !ok || msg.Action == nil || msg.Action.Type != ActionRetry {
		return nil, errors.New("dock: no retry payload on message")
	}
	p := msg.Action.Payload

	// The payload captured the original resolved context; replay it
	// verbatim. An empty selection and an empty conversation id are
	// authoritative, not gaps to fill from the current UI state.
	selected := p.SelectedBotIDs
	if selected == nil {
		selected = []string{}
	}
	cid := p.ConversationID
	merged := Overrides{
		SelectedBotIDs: selected,
		ChatMode:       p.ChatMode,
		ConversationID: &cid,
	}
	if ov != nil {
		if ov.SelectedBotIDs != nil {
			merged.SelectedBotIDs = ov.SelectedBotIDs
		}
		if ov.ChatMode != "" {
			merged.ChatMode = ov.ChatMode
		}
		if ov.ConversationID != nil {
			merged.ConversationID = ov.ConversationID
		}
		if ov.ActiveBotID != nil {
			merged.ActiveBotID = ov.ActiveBotID
		}
	}

	d.store.Remove(messageID)
	return d.StartSendRequest(ctx, p.Text, &merged)
}

// finish delivers the terminal result and unregisters the request.
func (d *Dock) finish(fl *inFlight, result SendResult) {
	d.mu.Lock()
	delete(d.inflight, fl.requestID)
	if d.byDedup[fl.dedupKey] == fl.requestID {
		delete(d.byDedup, fl.dedupKey)
	}
	d.mu.Unlock()

	result.RequestID = fl.requestID
	fl.done <- result
}

// rememberConversation records the server-assigned thread for this bot
// selection so later sends join it.
func (d *Dock) rememberConversation(contextKey, conversationID string) {
	if conversationID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.convByContext[contextKey] = conversationID
}

// ConversationFor returns the remembered conversation id for a context
// key, if any.
func (d *Dock) ConversationFor(contextKey string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.convByContext[contextKey]
}

