package command

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aridhom/nuxgate/internal/acs"
	"github.com/aridhom/nuxgate/internal/audit"
	"github.com/aridhom/nuxgate/internal/billing"
	"github.com/aridhom/nuxgate/internal/cache"
	"github.com/aridhom/nuxgate/internal/chat"
	"github.com/aridhom/nuxgate/internal/pending"
	"github.com/aridhom/nuxgate/internal/replies"
	"github.com/aridhom/nuxgate/internal/router"
)

// fakeSender records every outbound chat call.
type fakeSender struct {
	mu    sync.Mutex
	sent  []sentMessage
	edits []sentMessage
	acks  []string
}

type sentMessage struct {
	chatID int64
	text   string
	markup *chat.ReplyMarkup
}

func (s *fakeSender) SendMessage(_ context.Context, chatID, _ int64, text string, markup *chat.ReplyMarkup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{chatID: chatID, text: text, markup: markup})
	return nil
}

func (s *fakeSender) EditMessageText(_ context.Context, chatID, _ int64, text string, markup *chat.ReplyMarkup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits = append(s.edits, sentMessage{chatID: chatID, text: text, markup: markup})
	return nil
}

func (s *fakeSender) AnswerCallbackQuery(_ context.Context, callbackID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks = append(s.acks, callbackID)
	return nil
}

func (s *fakeSender) lastSent(t *testing.T) sentMessage {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.sent)
	return s.sent[len(s.sent)-1]
}

func (s *fakeSender) lastEdit(t *testing.T) sentMessage {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.edits)
	return s.edits[len(s.edits)-1]
}

// fakeACS implements acs.Client in memory.
type fakeACS struct {
	devices map[string]string // pppoe username -> device id
	params  map[string]string // virtual parameter name -> value
	applied bool

	mu   sync.Mutex
	sets []acsSet
}

type acsSet struct {
	deviceID string
	param    string
	value    string
}

var errNoDevice = errors.New("no device found")

func (f *fakeACS) DeviceIDByPPPoE(_ context.Context, pppoeUsername string) (string, error) {
	if id, ok := f.devices[pppoeUsername]; ok {
		return id, nil
	}
	return "", errNoDevice
}

func (f *fakeACS) VirtualParameter(_ context.Context, _, name string) (string, error) {
	if value, ok := f.params[name]; ok {
		return value, nil
	}
	return "", errNoDevice
}

func (f *fakeACS) SetWLANParameter(_ context.Context, deviceID, param, value string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets = append(f.sets, acsSet{deviceID: deviceID, param: param, value: value})
	return f.applied, nil
}

// fakeRouter implements router.Client in memory.
type fakeRouter struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeRouter) EnsureForwardRule(_ context.Context, toAddress string, _ int) (router.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, toAddress)
	return router.Result{Action: router.ActionCreated, Comment: "nuxgate-remote", Dst: "203.0.113.9:8888"}, nil
}

// billingFixture runs an envelope-speaking fake billing API and the gateway
// service on top of it.
type billingFixture struct {
	t           *testing.T
	mu          sync.Mutex
	routes      map[string]func() map[string]any
	queryRoutes map[string]func(q url.Values) map[string]any
	calls       map[string]int
}

func newBillingFixture(t *testing.T) (*billingFixture, *billing.Service) {
	t.Helper()
	f := &billingFixture{
		t:           t,
		routes:      map[string]func() map[string]any{},
		queryRoutes: map[string]func(q url.Values) map[string]any{},
		calls:       map[string]int{},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Query().Get("r")
		w.Header().Set("Content-Type", "application/json")
		if route == "admin/post" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": true,
				"result":  map[string]any{"token": "u.p.1700000000.sig"},
			})
			return
		}
		f.mu.Lock()
		f.calls[route]++
		handler := f.routes[route]
		queryHandler := f.queryRoutes[route]
		f.mu.Unlock()
		switch {
		case queryHandler != nil:
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "result": queryHandler(r.URL.Query())})
		case handler != nil:
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "result": handler()})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "result": map[string]any{}})
		}
	}))
	t.Cleanup(srv.Close)

	caches, err := cache.NewProvider(cache.Config{Backend: "memory"})
	require.NoError(t, err)
	client := billing.NewClient(billing.Config{APIURL: srv.URL, Username: "admin", Password: "secret"}, nil, nil, nil)
	return f, billing.NewService(client, caches, nil, nil)
}

func (f *billingFixture) handle(route string, result func() map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[route] = result
}

func (f *billingFixture) handleQuery(route string, result func(q url.Values) map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryRoutes[route] = result
}

func (f *billingFixture) callCount(route string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[route]
}

func aliceView(packages []map[string]any) map[string]any {
	return map[string]any{
		"d": map[string]any{
			"id":             7,
			"username":       "alice",
			"fullname":       "Alice A",
			"status":         "Active",
			"service_type":   "PPPOE",
			"pppoe_username": "alice@ppp",
		},
		"packages": packages,
	}
}

func activePackage() []map[string]any {
	return []map[string]any{
		{"id": 41, "plan_id": 5, "type": "PPPOE", "status": "on", "namebp": "Home 10M", "routers": "mikrotik-1"},
	}
}

func lapsedPackage() []map[string]any {
	return []map[string]any{
		{"id": 41, "plan_id": 5, "type": "PPPOE", "status": "off", "namebp": "Home 10M", "routers": "mikrotik-1"},
	}
}

type fixture struct {
	handler *Handler
	sender  *fakeSender
	acs     *fakeACS
	router  *fakeRouter
	pending *pending.Store
	audit   *audit.MemoryRecorder
	billing *billingFixture
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bf, svc := newBillingFixture(t)
	renderer, err := replies.NewRenderer()
	require.NoError(t, err)

	sender := &fakeSender{}
	acsClient := &fakeACS{
		devices: map[string]string{"alice@ppp": "dev-7"},
		params: map[string]string{
			"IPTR069": "10.8.0.7",
			"RXPower": "-18.5",
		},
		applied: true,
	}
	routerClient := &fakeRouter{}
	store := pending.NewStore(0)
	recorder := &audit.MemoryRecorder{}

	handler := NewHandler(Deps{
		Billing: svc,
		Router:  routerClient,
		ACS:     acsClient,
		Pending: store,
		Replies: renderer,
		Sender:  sender,
		Audit:   recorder,
	})
	return &fixture{
		handler: handler,
		sender:  sender,
		acs:     acsClient,
		router:  routerClient,
		pending: store,
		audit:   recorder,
		billing: bf,
	}
}

func message(text string) *chat.Message {
	return &chat.Message{
		MessageID: 99,
		From:      &chat.User{ID: 20},
		Chat:      chat.Chat{ID: 10},
		Text:      text,
	}
}

func callback(data string) *chat.CallbackQuery {
	return &chat.CallbackQuery{
		ID:      "cb1",
		From:    &chat.User{ID: 20},
		Message: message(""),
		Data:    data,
	}
}

func TestHelpCommand(t *testing.T) {
	fx := newFixture(t)
	fx.handler.HandleCommand(context.Background(), message("/help"))
	require.Contains(t, fx.sender.lastSent(t).text, "/status <username>")
}

func TestUnknownCommand(t *testing.T) {
	fx := newFixture(t)
	fx.handler.HandleCommand(context.Background(), message("/frobnicate"))
	require.Contains(t, fx.sender.lastSent(t).text, "Unknown command")
}

func TestStatusCommand(t *testing.T) {
	fx := newFixture(t)
	fx.billing.handle("customers/viewu/alice", func() map[string]any { return aliceView(activePackage()) })

	fx.handler.HandleCommand(context.Background(), message("/status alice"))

	text := fx.sender.lastSent(t).text
	require.Contains(t, text, "Name: Alice A")
	require.Contains(t, text, "Home 10M [on]")
	require.Contains(t, text, "RXPower: -18.5 dBm")

	events := fx.audit.Events()
	require.Len(t, events, 1)
	require.Equal(t, "status", events[0].Command)
	require.True(t, events[0].OK)
}

func TestStatusCommandDegradesWithoutDevice(t *testing.T) {
	fx := newFixture(t)
	fx.billing.handle("customers/viewu/alice", func() map[string]any { return aliceView(activePackage()) })
	fx.acs.devices = map[string]string{}

	fx.handler.HandleCommand(context.Background(), message("/status alice"))

	text := fx.sender.lastSent(t).text
	require.Contains(t, text, "Name: Alice A")
	require.NotContains(t, text, "RXPower")
}

func TestStatusCommandValidation(t *testing.T) {
	fx := newFixture(t)
	fx.handler.HandleCommand(context.Background(), message("/status bad account extra"))
	require.Contains(t, fx.sender.lastSent(t).text, "usage: /status")

	fx.handler.HandleCommand(context.Background(), message("/status a"))
	require.Contains(t, fx.sender.lastSent(t).text, "2-55 characters")

	events := fx.audit.Events()
	require.Len(t, events, 2)
	require.False(t, events[0].OK)
}

func TestCustomerCommand(t *testing.T) {
	fx := newFixture(t)
	fx.billing.handleQuery("customers", func(q url.Values) map[string]any {
		if q.Get("filter") == "Inactive" {
			return map[string]any{"d": []any{
				map[string]any{"id": 8, "username": "bob", "service_type": "PPPOE"},
			}}
		}
		return map[string]any{"d": []any{
			map[string]any{"id": 7, "username": "alice", "service_type": "PPPOE"},
		}}
	})
	fx.billing.handle("customers/view/7/activation", func() map[string]any { return aliceView(activePackage()) })
	fx.billing.handle("customers/view/8/activation", func() map[string]any {
		return map[string]any{
			"d":        map[string]any{"id": 8, "username": "bob", "fullname": "Bob B", "status": "Inactive"},
			"packages": []map[string]any{},
		}
	})

	fx.handler.HandleCommand(context.Background(), message("/customer"))

	// Inactive subscribers ride along by default, so both list pages are
	// fetched and bob shows up next to alice.
	text := fx.sender.lastSent(t).text
	require.Contains(t, text, "page 1")
	require.Contains(t, text, "alice")
	require.Contains(t, text, "Home 10M [on]")
	require.Contains(t, text, "bob")
	require.Equal(t, 2, fx.billing.callCount("customers"))
}

func TestCustomerCommandActiveOnly(t *testing.T) {
	fx := newFixture(t)
	fx.billing.handleQuery("customers", func(q url.Values) map[string]any {
		require.Equal(t, "Active", q.Get("filter"))
		return map[string]any{"d": []any{
			map[string]any{"id": 7, "username": "alice", "service_type": "PPPOE"},
		}}
	})
	fx.billing.handle("customers/view/7/activation", func() map[string]any { return aliceView(activePackage()) })

	fx.handler.HandleCommand(context.Background(), message("/customer active"))

	text := fx.sender.lastSent(t).text
	require.Contains(t, text, "alice")
	require.Equal(t, 1, fx.billing.callCount("customers"))
}

func TestCustomerCommandEmptyPage(t *testing.T) {
	fx := newFixture(t)
	fx.billing.handle("customers", func() map[string]any {
		return map[string]any{"d": []any{}}
	})
	fx.handler.HandleCommand(context.Background(), message("/customer 3"))
	require.Contains(t, fx.sender.lastSent(t).text, "No PPPoE subscribers")
}

func TestRechargeCommand(t *testing.T) {
	fx := newFixture(t)
	fx.billing.handle("customers/viewu/alice", func() map[string]any { return aliceView(nil) })
	fx.billing.handle("services/pppoe", func() map[string]any {
		return map[string]any{"d": []any{
			map[string]any{"id": 5, "name_plan": "Home 10M", "type": "PPPOE"},
		}}
	})

	fx.handler.HandleCommand(context.Background(), message("/recharge alice home 10m"))

	require.Contains(t, fx.sender.lastSent(t).text, "Recharge applied for alice with plan Home 10M")
	require.Equal(t, 1, fx.billing.callCount("plan/recharge-post"))
}

func TestActivateCommandSyncsActiveSubscriber(t *testing.T) {
	fx := newFixture(t)
	fx.billing.handle("customers/viewu/alice", func() map[string]any { return aliceView(activePackage()) })

	fx.handler.HandleCommand(context.Background(), message("/activate alice"))

	require.Contains(t, fx.sender.lastSent(t).text, "Sync triggered for alice")
	require.Equal(t, 1, fx.billing.callCount("customers/sync/7"))
	require.Equal(t, 0, fx.billing.callCount("plan/recharge-post"))
}

func TestActivateCommandRechargesLapsedSubscriber(t *testing.T) {
	fx := newFixture(t)
	fx.billing.handle("customers/viewu/alice", func() map[string]any { return aliceView(lapsedPackage()) })

	fx.handler.HandleCommand(context.Background(), message("/activate alice"))

	require.Contains(t, fx.sender.lastSent(t).text, "Activation applied for alice (plan id 5)")
	require.Equal(t, 1, fx.billing.callCount("plan/recharge-post"))
}

func TestActivateCommandNoHistory(t *testing.T) {
	fx := newFixture(t)
	fx.billing.handle("customers/viewu/alice", func() map[string]any { return aliceView(nil) })

	fx.handler.HandleCommand(context.Background(), message("/activate alice"))
	require.Contains(t, fx.sender.lastSent(t).text, "No PPPoE package history")
}

func TestDeactivateCommand(t *testing.T) {
	fx := newFixture(t)
	fx.billing.handle("customers/viewu/alice", func() map[string]any { return aliceView(activePackage()) })

	fx.handler.HandleCommand(context.Background(), message("/deactivate alice"))

	require.Contains(t, fx.sender.lastSent(t).text, "Deactivation applied for alice (plan id 5)")
	require.Equal(t, 1, fx.billing.callCount("customers/deactivate/7/5"))
}

func TestDeactivateCommandNothingActive(t *testing.T) {
	fx := newFixture(t)
	fx.billing.handle("customers/viewu/alice", func() map[string]any { return aliceView(lapsedPackage()) })

	fx.handler.HandleCommand(context.Background(), message("/deactivate alice"))
	require.Contains(t, fx.sender.lastSent(t).text, "No active PPPoE package")
	require.Equal(t, 0, fx.billing.callCount("customers/deactivate/7/5"))
}

func TestRemoteCommand(t *testing.T) {
	fx := newFixture(t)
	fx.billing.handle("customers/viewu/alice", func() map[string]any { return aliceView(activePackage()) })

	fx.handler.HandleCommand(context.Background(), message("/remote alice"))

	require.Contains(t, fx.sender.lastSent(t).text, "Forwarding rule created toward 203.0.113.9:8888")
	require.Equal(t, []string{"10.8.0.7"}, fx.router.calls)
}

func TestSSIDFlow(t *testing.T) {
	fx := newFixture(t)
	fx.billing.handle("customers/viewu/alice", func() map[string]any { return aliceView(activePackage()) })
	fx.billing.handle("customers/view/7/activation", func() map[string]any { return aliceView(activePackage()) })
	ctx := context.Background()

	fx.handler.HandleCommand(ctx, message("/ssid alice"))
	require.Contains(t, fx.sender.lastSent(t).text, "Send the new SSID for alice")

	handled := fx.handler.HandlePendingInput(ctx, message("Home Wifi"))
	require.True(t, handled)

	confirm := fx.sender.lastSent(t)
	require.Contains(t, confirm.text, `Apply new ssid "Home Wifi" for alice?`)
	require.NotNil(t, confirm.markup)

	data := confirm.markup.InlineKeyboard[0][0].CallbackData
	require.True(t, strings.HasPrefix(data, "confirm:"))

	fx.handler.HandleCallback(ctx, callback(data))
	require.Contains(t, fx.sender.lastEdit(t).text, "New ssid applied for alice")

	require.Len(t, fx.acs.sets, 1)
	require.Equal(t, "dev-7", fx.acs.sets[0].deviceID)
	require.Equal(t, acs.ParamSSID, fx.acs.sets[0].param)
	require.Equal(t, "Home Wifi", fx.acs.sets[0].value)

	// The flow is complete; the conversation has no live action left.
	_, _, ok := fx.pending.ByConversation(pending.ConversationKey(10, 20))
	require.False(t, ok)
}

func TestPasswordFlowQueued(t *testing.T) {
	fx := newFixture(t)
	fx.acs.applied = false
	fx.billing.handle("customers/viewu/alice", func() map[string]any { return aliceView(activePackage()) })
	fx.billing.handle("customers/view/7/activation", func() map[string]any { return aliceView(activePackage()) })
	ctx := context.Background()

	fx.handler.HandleCommand(ctx, message("/password alice"))
	require.Contains(t, fx.sender.lastSent(t).text, "passphrase for alice")

	require.True(t, fx.handler.HandlePendingInput(ctx, message("sup3rsecret")))
	data := fx.sender.lastSent(t).markup.InlineKeyboard[0][0].CallbackData

	fx.handler.HandleCallback(ctx, callback(data))
	require.Contains(t, fx.sender.lastEdit(t).text, "queued for alice")
	require.Equal(t, acs.ParamKeyPassphrase, fx.acs.sets[0].param)
}

func TestPendingInputRejectsInvalidValue(t *testing.T) {
	fx := newFixture(t)
	fx.billing.handle("customers/viewu/alice", func() map[string]any { return aliceView(activePackage()) })
	ctx := context.Background()

	fx.handler.HandleCommand(ctx, message("/password alice"))
	require.True(t, fx.handler.HandlePendingInput(ctx, message("short")))
	require.Contains(t, fx.sender.lastSent(t).text, "8-63 characters")

	// The action is still waiting for a valid value.
	_, action, ok := fx.pending.ByConversation(pending.ConversationKey(10, 20))
	require.True(t, ok)
	require.Equal(t, pending.StageAwaitingValue, action.Stage)
}

func TestPendingInputWithoutActionFallsThrough(t *testing.T) {
	fx := newFixture(t)
	require.False(t, fx.handler.HandlePendingInput(context.Background(), message("hello")))
}

func TestCancelCommand(t *testing.T) {
	fx := newFixture(t)
	fx.billing.handle("customers/viewu/alice", func() map[string]any { return aliceView(activePackage()) })
	ctx := context.Background()

	fx.handler.HandleCommand(ctx, message("/cancel"))
	require.Contains(t, fx.sender.lastSent(t).text, "No pending change")

	fx.handler.HandleCommand(ctx, message("/ssid alice"))
	fx.handler.HandleCommand(ctx, message("/cancel"))
	require.Contains(t, fx.sender.lastSent(t).text, "Pending change cancelled")

	_, _, ok := fx.pending.ByConversation(pending.ConversationKey(10, 20))
	require.False(t, ok)
}

func TestCallbackCancel(t *testing.T) {
	fx := newFixture(t)
	fx.billing.handle("customers/viewu/alice", func() map[string]any { return aliceView(activePackage()) })
	ctx := context.Background()

	fx.handler.HandleCommand(ctx, message("/ssid alice"))
	require.True(t, fx.handler.HandlePendingInput(ctx, message("Home Wifi")))
	data := fx.sender.lastSent(t).markup.InlineKeyboard[0][1].CallbackData
	require.True(t, strings.HasPrefix(data, "cancel:"))

	fx.handler.HandleCallback(ctx, callback(data))
	require.Contains(t, fx.sender.lastEdit(t).text, "Pending change cancelled")
	require.Empty(t, fx.acs.sets)
}

func TestCallbackOnExpiredAction(t *testing.T) {
	fx := newFixture(t)
	fx.handler.HandleCallback(context.Background(), callback("confirm:does-not-exist"))
	require.Contains(t, fx.sender.lastEdit(t).text, "No pending change")
}

func TestConfirmBeforeValueIsRejected(t *testing.T) {
	fx := newFixture(t)
	fx.billing.handle("customers/viewu/alice", func() map[string]any { return aliceView(activePackage()) })
	ctx := context.Background()

	fx.handler.HandleCommand(ctx, message("/ssid alice"))
	id, _, ok := fx.pending.ByConversation(pending.ConversationKey(10, 20))
	require.True(t, ok)

	fx.handler.HandleCallback(ctx, callback("confirm:"+id))
	require.Contains(t, fx.sender.lastEdit(t).text, "no value staged yet")
	require.Empty(t, fx.acs.sets)
}

func TestCommandLatencyIsBounded(t *testing.T) {
	fx := newFixture(t)
	fx.billing.handle("customers/viewu/alice", func() map[string]any { return aliceView(nil) })

	start := time.Now()
	fx.handler.HandleCommand(context.Background(), message("/status alice"))
	require.Less(t, time.Since(start), 5*time.Second)
}
