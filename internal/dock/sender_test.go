package dock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/daveri-app/assistant/internal/apiclient"
	"github.com/daveri-app/assistant/internal/credit"
	"github.com/daveri-app/assistant/internal/entitlement"
	"github.com/daveri-app/assistant/internal/usage"
)

type fakeBackend struct {
	mu           sync.Mutex
	consumeFn    func(apiclient.ConsumeRequest) (*apiclient.ConsumeOutcome, error)
	askFn        func(apiclient.AskRequest) (*apiclient.AskResult, error)
	consumeCalls []apiclient.ConsumeRequest
	gate         chan struct{} // when set, ConsumeCredit blocks until closed
}

func (f *fakeBackend) ConsumeCredit(ctx context.Context, req apiclient.ConsumeRequest) (*apiclient.ConsumeOutcome, error) {
	f.mu.Lock()
	f.consumeCalls = append(f.consumeCalls, req)
	gate := f.gate
	fn := f.consumeFn
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if fn == nil {
		return &apiclient.ConsumeOutcome{Allowed: true, MessageID: 1, ConversationID: "conv-1"}, nil
	}
	return fn(req)
}

func (f *fakeBackend) Ask(ctx context.Context, req apiclient.AskRequest) (*apiclient.AskResult, error) {
	f.mu.Lock()
	fn := f.askFn
	f.mu.Unlock()
	if fn == nil {
		return &apiclient.AskResult{Answer: "sure", ConversationID: req.ConversationID}, nil
	}
	return fn(req)
}

func (f *fakeBackend) calls() []apiclient.ConsumeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apiclient.ConsumeRequest(nil), f.consumeCalls...)
}

type fakeAccess struct{ access entitlement.Access }

func (f fakeAccess) CheckAccess(ctx context.Context) entitlement.Access { return f.access }

type fakeCredits struct {
	mu      sync.Mutex
	view    credit.View
	refresh *usage.Snapshot
	applied []usage.Snapshot
}

func (f *fakeCredits) Refresh(ctx context.Context, force bool) (*usage.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refresh, nil
}

func (f *fakeCredits) Snapshot() credit.View {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view
}

func (f *fakeCredits) Apply(snap usage.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, snap)
}

func (f *fakeCredits) appliedSnaps() []usage.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]usage.Snapshot(nil), f.applied...)
}

type staticSession string

func (s staticSession) UserID() string { return string(s) }

type signalRecorder struct {
	mu      sync.Mutex
	signals []Signal
}

func (r *signalRecorder) record(s Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, s)
}

func (r *signalRecorder) all() []Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Signal(nil), r.signals...)
}

func allowedAccess() entitlement.Access {
	return entitlement.Access{Allowed: true, PlanID: "pro"}
}

func newTestDock(api Backend, access entitlement.Access) (*Dock, *fakeCredits, *signalRecorder) {
	credits := &fakeCredits{}
	rec := &signalRecorder{}
	d := New(api, fakeAccess{access: access}, credits, staticSession("user-1"), nil, Options{
		OnSignal: rec.record,
	})
	return d, credits, rec
}

func waitResult(t *testing.T, h *SendHandle) SendResult {
	t.Helper()
	select {
	case res := <-h.Done():
		return res
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for send result")
		return SendResult{}
	}
}

func TestSendSuccessReconcilesTranscript(t *testing.T) {
	api := &fakeBackend{}
	d, credits, _ := newTestDock(api, allowedAccess())
	d.SetSelectedBots([]string{"b2", "b1"})

	h, err := d.StartSendRequest(context.Background(), "  hello there  ", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	res := waitResult(t, h)
	if res.Kind != OutcomeAccepted {
		t.Fatalf("outcome = %+v", res)
	}

	msgs := d.Store().Messages()
	if len(msgs) != 2 {
		t.Fatalf("transcript = %d messages, want user + assistant", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "hello there" || msgs[0].Status != StatusSent {
		t.Fatalf("user message = %+v", msgs[0])
	}
	if msgs[0].Action != nil {
		t.Fatalf("confirmed message should carry no action")
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "sure" {
		t.Fatalf("assistant message = %+v", msgs[1])
	}

	if got := d.ConversationFor("b1,b2"); got != "conv-1" {
		t.Fatalf("remembered conversation = %q", got)
	}
	if len(credits.appliedSnaps()) == 0 {
		t.Fatalf("usage from consume was not applied to the cache")
	}

	calls := api.calls()
	if len(calls) != 1 || calls[0].ContextKey != "b1,b2" || calls[0].Content != "hello there" {
		t.Fatalf("consume calls = %+v", calls)
	}
}

func TestDuplicateSendRejectedWhileInFlight(t *testing.T) {
	gate := make(chan struct{})
	api := &fakeBackend{gate: gate}
	d, _, rec := newTestDock(api, allowedAccess())

	h, err := d.StartSendRequest(context.Background(), "same text", nil)
	if err != nil {
		t.Fatalf("first start: %v", err)
	}

	if _, err := d.StartSendRequest(context.Background(), "same text", nil); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second start err = %v, want ErrDuplicate", err)
	}

	var userMsgs int
	for _, m := range d.Store().Messages() {
		if m.Role == "user" {
			userMsgs++
		}
	}
	if userMsgs != 1 {
		t.Fatalf("optimistic user messages = %d, want exactly 1", userMsgs)
	}

	toasts := 0
	for _, s := range rec.all() {
		if s.Kind == SignalToast {
			toasts++
		}
	}
	if toasts != 1 {
		t.Fatalf("toast signals = %d, want 1", toasts)
	}

	close(gate)
	waitResult(t, h)

	// Once the first request resolved, the same text may be sent again.
	if _, err := d.StartSendRequest(context.Background(), "same text", nil); err != nil {
		t.Fatalf("resend after completion: %v", err)
	}
}

func TestSendRejectsEmptyText(t *testing.T) {
	d, _, _ := newTestDock(&fakeBackend{}, allowedAccess())
	if _, err := d.StartSendRequest(context.Background(), "   \n\t ", nil); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("err = %v, want ErrEmptyText", err)
	}
}

func TestCancelWinsOverLateResolution(t *testing.T) {
	gate := make(chan struct{})
	api := &fakeBackend{gate: gate}
	d, _, _ := newTestDock(api, allowedAccess())

	h, err := d.StartSendRequest(context.Background(), "cancel me", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if !d.Cancel(h.RequestID) {
		t.Fatalf("cancel returned false for in-flight request")
	}
	if len(d.Store().Messages()) != 0 {
		t.Fatalf("optimistic message should be gone after cancel")
	}

	// The consume now resolves successfully, but cancel already won.
	close(gate)
	res := waitResult(t, h)
	if res.Kind != OutcomeCanceled {
		t.Fatalf("outcome = %+v, want canceled", res)
	}
	if len(d.Store().Messages()) != 0 {
		t.Fatalf("late resolution must not touch the transcript")
	}

	// The dedup slot is free again immediately after cancel.
	if _, err := d.StartSendRequest(context.Background(), "cancel me", nil); err != nil {
		t.Fatalf("resend after cancel: %v", err)
	}
}

func TestSendErrorAttachesRetryPayload(t *testing.T) {
	api := &fakeBackend{
		consumeFn: func(apiclient.ConsumeRequest) (*apiclient.ConsumeOutcome, error) {
			return nil, errors.New("connection refused")
		},
	}
	d, _, _ := newTestDock(api, allowedAccess())
	d.SetSelectedBots([]string{"b1"})

	h, err := d.StartSendRequest(context.Background(), "flaky send", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	res := waitResult(t, h)
	if res.Kind != OutcomeSendError {
		t.Fatalf("outcome = %+v", res)
	}

	msgs := d.Store().Messages()
	if len(msgs) != 1 {
		t.Fatalf("transcript = %d messages, want the failed bubble only", len(msgs))
	}
	m := msgs[0]
	if m.Status != StatusFailed {
		t.Fatalf("status = %q", m.Status)
	}
	if m.Action == nil || m.Action.Type != ActionRetry {
		t.Fatalf("failed message should carry a retry action: %+v", m.Action)
	}
	if m.Action.Payload.Text != "flaky send" {
		t.Fatalf("retry payload text = %q", m.Action.Payload.Text)
	}
	if len(m.Action.Payload.SelectedBotIDs) != 1 || m.Action.Payload.SelectedBotIDs[0] != "b1" {
		t.Fatalf("retry payload bots = %v", m.Action.Payload.SelectedBotIDs)
	}
}

func TestRetryReplaysOriginalContext(t *testing.T) {
	fail := true
	api := &fakeBackend{}
	api.consumeFn = func(apiclient.ConsumeRequest) (*apiclient.ConsumeOutcome, error) {
		if fail {
			return nil, errors.New("connection refused")
		}
		return &apiclient.ConsumeOutcome{Allowed: true, MessageID: 2, ConversationID: "conv-2"}, nil
	}
	d, _, _ := newTestDock(api, allowedAccess())
	d.SetSelectedBots([]string{"b3", "b1"})

	h, err := d.StartSendRequest(context.Background(), "try again", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitResult(t, h)

	failedID := d.Store().Messages()[0].ID

	// The selection changes between failure and retry; the retry must
	// still use the context captured in the payload.
	d.SetSelectedBots([]string{"b9"})
	fail = false

	h2, err := d.Retry(context.Background(), failedID, nil)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	res := waitResult(t, h2)
	if res.Kind != OutcomeAccepted {
		t.Fatalf("retry outcome = %+v", res)
	}

	if _, ok := d.Store().Get(failedID); ok {
		t.Fatalf("failed bubble should be removed on retry")
	}

	calls := api.calls()
	last := calls[len(calls)-1]
	if last.ContextKey != "b1,b3" || last.Content != "try again" {
		t.Fatalf("retry consume = %+v, want original context and text", last)
	}
}

func TestRetryEmptySelectionReusesOriginalContext(t *testing.T) {
	fail := true
	api := &fakeBackend{}
	api.consumeFn = func(apiclient.ConsumeRequest) (*apiclient.ConsumeOutcome, error) {
		if fail {
			return nil, errors.New("connection refused")
		}
		return &apiclient.ConsumeOutcome{Allowed: true, MessageID: 3, ConversationID: "conv-later"}, nil
	}
	d, _, _ := newTestDock(api, allowedAccess())

	// No bots selected: the failed send belongs to the default context
	// with no thread yet.
	h, err := d.StartSendRequest(context.Background(), "ghost thread", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res := waitResult(t, h); res.Kind != OutcomeSendError {
		t.Fatalf("outcome = %+v", res)
	}
	failedID := d.Store().Messages()[0].ID

	// Before the retry, a later send starts a thread in the same context
	// and the user picks a bot. Neither may leak into the replay.
	fail = false
	h2, err := d.StartSendRequest(context.Background(), "new thread", nil)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	waitResult(t, h2)
	d.SetSelectedBots([]string{"b9"})

	h3, err := d.Retry(context.Background(), failedID, nil)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res := waitResult(t, h3); res.Kind != OutcomeAccepted {
		t.Fatalf("retry outcome = %+v", res)
	}

	calls := api.calls()
	last := calls[len(calls)-1]
	if last.ContextKey != DefaultContextKey {
		t.Fatalf("retry context key = %q, want %q", last.ContextKey, DefaultContextKey)
	}
	if len(last.SelectedBotIDs) != 0 {
		t.Fatalf("retry bots = %v, want the original empty selection", last.SelectedBotIDs)
	}
	if last.ConversationID != "" {
		t.Fatalf("retry conversation = %q, want the original unthreaded send", last.ConversationID)
	}
}

func TestRetryRequiresRetryAction(t *testing.T) {
	d, _, _ := newTestDock(&fakeBackend{}, allowedAccess())
	if _, err := d.Retry(context.Background(), "no-such-message", nil); err == nil {
		t.Fatalf("expected error retrying a message without a payload")
	}
}

func TestQuotaExceededRemovesSilentlyAndSignalsModal(t *testing.T) {
	cap5 := 5
	exceeded := usage.Snapshot{DailyUsed: 5, DailyCap: &cap5}
	api := &fakeBackend{
		consumeFn: func(apiclient.ConsumeRequest) (*apiclient.ConsumeOutcome, error) {
			return &apiclient.ConsumeOutcome{Allowed: false, Usage: exceeded}, nil
		},
	}
	d, credits, rec := newTestDock(api, allowedAccess())

	h, err := d.StartSendRequest(context.Background(), "over quota", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	res := waitResult(t, h)
	if res.Kind != OutcomeQuota || res.Reason != "quota_exceeded" {
		t.Fatalf("outcome = %+v", res)
	}

	if len(d.Store().Messages()) != 0 {
		t.Fatalf("quota block removes the bubble silently, transcript = %v", d.Store().Messages())
	}

	sigs := rec.all()
	if len(sigs) != 1 || sigs[0].Kind != SignalQuotaModal || sigs[0].Reason != "quota_exceeded" {
		t.Fatalf("signals = %+v", sigs)
	}
	if snaps := credits.appliedSnaps(); len(snaps) != 1 || snaps[0].DailyUsed != 5 {
		t.Fatalf("blocked usage was not committed to the cache: %+v", snaps)
	}
}

func TestNoAccessOutranksQuota(t *testing.T) {
	zero := 0
	api := &fakeBackend{
		consumeFn: func(apiclient.ConsumeRequest) (*apiclient.ConsumeOutcome, error) {
			return &apiclient.ConsumeOutcome{Allowed: false, Usage: usage.Snapshot{DailyCap: &zero}}, nil
		},
	}
	d, _, rec := newTestDock(api, allowedAccess())

	h, err := d.StartSendRequest(context.Background(), "no plan", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	res := waitResult(t, h)
	if res.Kind != OutcomeQuota || res.Reason != "no_access" {
		t.Fatalf("outcome = %+v", res)
	}
	sigs := rec.all()
	if len(sigs) != 1 || sigs[0].Reason != "no_access" {
		t.Fatalf("signals = %+v", sigs)
	}
}

func TestAccessDeniedShowsPaywallAndExplainer(t *testing.T) {
	api := &fakeBackend{}
	d, _, rec := newTestDock(api, entitlement.Access{Allowed: false, Reason: entitlement.ReasonAILocked})

	h, err := d.StartSendRequest(context.Background(), "locked out", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	res := waitResult(t, h)
	if res.Kind != OutcomeBlocked || res.Reason != entitlement.ReasonAILocked {
		t.Fatalf("outcome = %+v", res)
	}

	msgs := d.Store().Messages()
	if len(msgs) != 1 || msgs[0].Role != "assistant" {
		t.Fatalf("transcript = %+v, want only the explainer", msgs)
	}

	sigs := rec.all()
	if len(sigs) != 1 || sigs[0].Kind != SignalPaywall {
		t.Fatalf("signals = %+v", sigs)
	}
	if len(api.calls()) != 0 {
		t.Fatalf("blocked send must not reach the backend")
	}
}

func TestMissingSessionBlocksAsAuthRequired(t *testing.T) {
	api := &fakeBackend{}
	credits := &fakeCredits{}
	rec := &signalRecorder{}
	d := New(api, fakeAccess{access: allowedAccess()}, credits, staticSession(""), nil, Options{
		OnSignal: rec.record,
	})

	h, err := d.StartSendRequest(context.Background(), "who am i", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	res := waitResult(t, h)
	if res.Kind != OutcomeBlocked || res.Reason != "auth_required" {
		t.Fatalf("outcome = %+v", res)
	}
	if len(api.calls()) != 0 {
		t.Fatalf("sessionless send must not reach the backend")
	}
}

func TestDegradedAnswerWhenAskFails(t *testing.T) {
	api := &fakeBackend{
		askFn: func(apiclient.AskRequest) (*apiclient.AskResult, error) {
			return nil, errors.New("upstream down")
		},
	}
	d, _, _ := newTestDock(api, allowedAccess())

	h, err := d.StartSendRequest(context.Background(), "still counts", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	res := waitResult(t, h)
	if res.Kind != OutcomeAccepted {
		t.Fatalf("outcome = %+v; the credit is spent, the send is accepted", res)
	}

	msgs := d.Store().Messages()
	if len(msgs) != 2 || msgs[1].Content != degradedAnswer {
		t.Fatalf("transcript = %+v, want degraded assistant reply", msgs)
	}
}
