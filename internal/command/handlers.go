package command

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aridhom/nuxgate/internal/acs"
	"github.com/aridhom/nuxgate/internal/audit"
	"github.com/aridhom/nuxgate/internal/billing"
	"github.com/aridhom/nuxgate/internal/chat"
	"github.com/aridhom/nuxgate/internal/faults"
	"github.com/aridhom/nuxgate/internal/metrics"
	"github.com/aridhom/nuxgate/internal/pending"
	"github.com/aridhom/nuxgate/internal/replies"
	"github.com/aridhom/nuxgate/internal/router"
)

const (
	defaultDeadline        = 9 * time.Second
	defaultListConcurrency = 10

	// listRowCap bounds the reply body; overflow is summarized instead.
	listRowCap = 30
)

// Deps wires the handler to its collaborators. Sender, Replies, Pending, and
// Billing are required; Router and ACS may be nil when the deployment has no
// edge router or ACS, which disables the commands that need them.
type Deps struct {
	Billing *billing.Service
	Router  router.Client
	ACS     acs.Client
	Pending *pending.Store
	Replies *replies.Renderer
	Sender  chat.Sender
	Audit   audit.Recorder
	Metrics *metrics.Recorder
	Logger  *slog.Logger

	// ActivateUsing and RechargeUsing are the billing payment tags stamped
	// on recharge transactions.
	ActivateUsing string
	RechargeUsing string

	Deadline        time.Duration
	ListConcurrency int
}

// Handler runs one command, callback press, or staged-value message to
// completion, including the reply, the audit event, and the metrics sample.
type Handler struct {
	deps Deps
}

func NewHandler(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = deps.Logger.With(slog.String("agent", "command"))
	if deps.Deadline <= 0 {
		deps.Deadline = defaultDeadline
	}
	if deps.ListConcurrency <= 0 {
		deps.ListConcurrency = defaultListConcurrency
	}
	if deps.ActivateUsing == "" {
		deps.ActivateUsing = "zero"
	}
	if deps.RechargeUsing == "" {
		deps.RechargeUsing = "zero"
	}
	return &Handler{deps: deps}
}

// reply is what a command hands back for delivery.
type reply struct {
	text   string
	markup *chat.ReplyMarkup
}

// HandleCommand parses and runs a slash command from a message.
func (h *Handler) HandleCommand(ctx context.Context, msg *chat.Message) {
	parsed, ok := ParseCommand(msg.Text)
	if !ok || msg.From == nil {
		return
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, h.deps.Deadline)
	defer cancel()

	res, err := h.dispatch(ctx, msg, parsed)
	h.finish(ctx, msg.Chat.ID, msg.From.ID, parsed.Name, strings.Join(parsed.Args, " "), start, res, err)

	if err != nil {
		res = reply{text: h.errorText(err)}
	}
	if sendErr := h.deps.Sender.SendMessage(ctx, msg.Chat.ID, msg.MessageID, res.text, res.markup); sendErr != nil {
		h.deps.Logger.Error("reply delivery failed",
			slog.String("command", parsed.Name), slog.Any("error", sendErr))
	}
}

func (h *Handler) dispatch(ctx context.Context, msg *chat.Message, parsed Parsed) (reply, error) {
	convKey := pending.ConversationKey(msg.Chat.ID, msg.From.ID)
	switch parsed.Name {
	case "help", "start":
		return h.render("help", nil)
	case "status":
		return h.cmdStatus(ctx, parsed.Args)
	case "customer":
		return h.cmdCustomer(ctx, parsed.Args)
	case "recharge":
		return h.cmdRecharge(ctx, parsed.Args)
	case "activate":
		return h.cmdActivate(ctx, parsed.Args)
	case "deactivate":
		return h.cmdDeactivate(ctx, parsed.Args)
	case "remote":
		return h.cmdRemote(ctx, parsed.Args)
	case "ssid":
		return h.cmdStageDeviceChange(ctx, convKey, pending.KindSSID, parsed.Args)
	case "password":
		return h.cmdStageDeviceChange(ctx, convKey, pending.KindPassword, parsed.Args)
	case "cancel":
		return h.cmdCancel(convKey)
	default:
		return h.render("unknown", nil)
	}
}

func (h *Handler) cmdStatus(ctx context.Context, args []string) (reply, error) {
	if len(args) != 1 {
		return reply{}, faults.Validationf("usage: /status <username>")
	}
	account, err := validAccount(args[0])
	if err != nil {
		return reply{}, err
	}

	view, err := h.deps.Billing.CustomerViewByUsername(ctx, account)
	if err != nil {
		return reply{}, err
	}
	customer, err := billing.ParseCustomer(view)
	if err != nil {
		return reply{}, err
	}

	data := map[string]any{
		"FullName":      customer.FullName,
		"Username":      customer.Username,
		"AccountStatus": customer.AccountStatus,
		"PPPoEUsername": customer.PPPoEUsername,
		"ServiceType":   customer.ServiceType,
	}
	if pkg, ok := billing.PickActivePPPoEPackage(billing.ParsePackages(view)); ok {
		data["PackageLine"] = packageLine(&pkg)
	}
	if rx := h.deviceRXPower(ctx, customer.PPPoEUsername); rx != "" {
		data["RXPower"] = rx
	}
	return h.render("status", data)
}

// deviceRXPower reads the optical signal level from the subscriber device.
// Status must still render when no ACS is configured or the device is
// unreachable, so every failure collapses to an empty reading.
func (h *Handler) deviceRXPower(ctx context.Context, pppoeUsername string) string {
	if h.deps.ACS == nil || pppoeUsername == "" {
		return ""
	}
	deviceID, err := h.deps.ACS.DeviceIDByPPPoE(ctx, pppoeUsername)
	if err != nil {
		return ""
	}
	value, err := h.deps.ACS.VirtualParameter(ctx, deviceID, acs.ParamRXPower)
	if err != nil {
		return ""
	}
	return value
}

func (h *Handler) cmdCustomer(ctx context.Context, args []string) (reply, error) {
	page := 1
	includeInactive := true
	for _, arg := range args {
		if strings.EqualFold(arg, "active") {
			includeInactive = false
			continue
		}
		var err error
		if page, err = validPage(arg); err != nil {
			return reply{}, err
		}
	}

	items, err := h.deps.Billing.ListSubscribersWithPackage(ctx, page, includeInactive, h.deps.ListConcurrency, 0)
	if err != nil {
		return reply{}, err
	}
	if len(items) == 0 {
		return h.render("customer_list_empty", nil)
	}

	more := 0
	if len(items) > listRowCap {
		more = len(items) - listRowCap
		items = items[:listRowCap]
	}
	rows := make([]map[string]any, 0, len(items))
	for _, item := range items {
		rows = append(rows, map[string]any{
			"FullName":    item.Customer.FullName,
			"Username":    item.Customer.Username,
			"Status":      item.Customer.AccountStatus,
			"PackageLine": packageLine(item.Package),
		})
	}
	return h.render("customer_list", map[string]any{"Page": page, "Items": rows, "More": more})
}

func (h *Handler) cmdRecharge(ctx context.Context, args []string) (reply, error) {
	if len(args) < 2 {
		return reply{}, faults.Validationf("usage: /recharge <username> <plan>")
	}
	account, err := validAccount(args[0])
	if err != nil {
		return reply{}, err
	}
	query, err := validPlanQuery(strings.Join(args[1:], " "))
	if err != nil {
		return reply{}, err
	}

	customer, _, err := h.customerByUsername(ctx, account)
	if err != nil {
		return reply{}, err
	}
	plan, err := h.deps.Billing.FindPlanBestMatch(ctx, query)
	if err != nil {
		return reply{}, err
	}
	if err := h.deps.Billing.Recharge(ctx, customer, plan, h.deps.RechargeUsing); err != nil {
		return reply{}, err
	}
	return h.render("recharge_ok", map[string]any{"Username": customer.Username, "PlanName": plan.Name})
}

func (h *Handler) cmdActivate(ctx context.Context, args []string) (reply, error) {
	if len(args) != 1 {
		return reply{}, faults.Validationf("usage: /activate <username>")
	}
	account, err := validAccount(args[0])
	if err != nil {
		return reply{}, err
	}

	customer, view, err := h.customerByUsername(ctx, account)
	if err != nil {
		return reply{}, err
	}
	pkg, ok := billing.PickActivePPPoEPackage(billing.ParsePackages(view))
	if !ok {
		return h.render("activate_none", nil)
	}
	if pkg.Active() {
		if err := h.deps.Billing.Sync(ctx, customer); err != nil {
			return reply{}, err
		}
		return h.render("activate_synced", map[string]any{"Username": customer.Username})
	}

	server := pkg.RouterName
	if server == "" {
		server = "radius"
	}
	if err := h.deps.Billing.RechargeByPlanID(ctx, customer, pkg.PlanID, server, h.deps.ActivateUsing); err != nil {
		return reply{}, err
	}
	return h.render("activate_ok", map[string]any{"Username": customer.Username, "PlanID": pkg.PlanID})
}

func (h *Handler) cmdDeactivate(ctx context.Context, args []string) (reply, error) {
	if len(args) != 1 {
		return reply{}, faults.Validationf("usage: /deactivate <username>")
	}
	account, err := validAccount(args[0])
	if err != nil {
		return reply{}, err
	}

	customer, view, err := h.customerByUsername(ctx, account)
	if err != nil {
		return reply{}, err
	}
	var active *billing.Package
	for _, pkg := range billing.ParsePackages(view) {
		if pkg.Active() {
			active = &pkg
			break
		}
	}
	if active == nil {
		return h.render("deactivate_none", nil)
	}
	if err := h.deps.Billing.Deactivate(ctx, customer, active.PlanID); err != nil {
		return reply{}, err
	}
	return h.render("deactivate_ok", map[string]any{"Username": customer.Username, "PlanID": active.PlanID})
}

func (h *Handler) cmdRemote(ctx context.Context, args []string) (reply, error) {
	if h.deps.Router == nil || h.deps.ACS == nil {
		return reply{}, faults.Gatewayf("remote access is not configured")
	}
	if len(args) != 1 {
		return reply{}, faults.Validationf("usage: /remote <username>")
	}
	account, err := validAccount(args[0])
	if err != nil {
		return reply{}, err
	}

	customer, _, err := h.customerByUsername(ctx, account)
	if err != nil {
		return reply{}, err
	}
	deviceID, err := h.deps.ACS.DeviceIDByPPPoE(ctx, customer.PPPoEUsername)
	if err != nil {
		return reply{}, err
	}
	deviceIP, err := h.deps.ACS.VirtualParameter(ctx, deviceID, acs.ParamDeviceIP)
	if err != nil {
		return reply{}, err
	}
	res, err := h.deps.Router.EnsureForwardRule(ctx, deviceIP, 0)
	if err != nil {
		return reply{}, err
	}
	return h.render("remote_ok", map[string]any{"Action": res.Action, "Dst": res.Dst})
}

func (h *Handler) cmdStageDeviceChange(ctx context.Context, convKey string, kind pending.Kind, args []string) (reply, error) {
	if h.deps.ACS == nil {
		return reply{}, faults.Gatewayf("device configuration is not configured")
	}
	if len(args) != 1 {
		return reply{}, faults.Validationf("usage: /%s <username>", kind)
	}
	account, err := validAccount(args[0])
	if err != nil {
		return reply{}, err
	}

	customer, _, err := h.customerByUsername(ctx, account)
	if err != nil {
		return reply{}, err
	}
	deviceID, err := h.deps.ACS.DeviceIDByPPPoE(ctx, customer.PPPoEUsername)
	if err != nil {
		return reply{}, err
	}

	h.deps.Pending.Start(convKey, pending.Action{
		Kind:       kind,
		CustomerID: customer.ID,
		DeviceID:   deviceID,
		Stage:      pending.StageAwaitingValue,
	})

	prompt := "ssid_prompt"
	if kind == pending.KindPassword {
		prompt = "password_prompt"
	}
	return h.render(prompt, map[string]any{"Username": customer.Username})
}

func (h *Handler) cmdCancel(convKey string) (reply, error) {
	if _, _, ok := h.deps.Pending.ByConversation(convKey); !ok {
		return h.render("no_pending", nil)
	}
	h.deps.Pending.ClearConversation(convKey)
	return h.render("cancelled", nil)
}

// HandlePendingInput consumes a free-text message as the staged value for the
// conversation's live action. It reports whether a live action consumed the
// message; unhandled messages fall back to the caller.
func (h *Handler) HandlePendingInput(ctx context.Context, msg *chat.Message) bool {
	if msg.From == nil {
		return false
	}
	convKey := pending.ConversationKey(msg.Chat.ID, msg.From.ID)
	actionID, action, ok := h.deps.Pending.ByConversation(convKey)
	if !ok {
		return false
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, h.deps.Deadline)
	defer cancel()

	res, err := h.stageValue(ctx, actionID, action, msg.Text)
	h.finish(ctx, msg.Chat.ID, msg.From.ID, "pending_input", string(action.Kind), start, res, err)

	if err != nil {
		res = reply{text: h.errorText(err)}
	}
	if sendErr := h.deps.Sender.SendMessage(ctx, msg.Chat.ID, msg.MessageID, res.text, res.markup); sendErr != nil {
		h.deps.Logger.Error("reply delivery failed",
			slog.String("command", "pending_input"), slog.Any("error", sendErr))
	}
	return true
}

// stageValue validates the candidate value and moves the action to the
// confirm stage. A value sent while already confirming replaces the staged
// one and re-asks.
func (h *Handler) stageValue(ctx context.Context, actionID string, action pending.Action, text string) (reply, error) {
	var (
		value string
		err   error
	)
	switch action.Kind {
	case pending.KindSSID:
		value, err = validSSID(text)
	case pending.KindPassword:
		value, err = validPassphrase(text)
	default:
		return reply{}, faults.Validationf("unsupported pending change %q", action.Kind)
	}
	if err != nil {
		return reply{}, err
	}

	action.Value = value
	action.Stage = pending.StageConfirm
	h.deps.Pending.SetByID(actionID, action)

	username := h.usernameForCustomer(ctx, action.CustomerID)
	res, rerr := h.render("confirm_prompt", map[string]any{
		"Kind":     string(action.Kind),
		"Value":    value,
		"Username": username,
	})
	if rerr != nil {
		return reply{}, rerr
	}
	res.markup = chat.ConfirmKeyboard("confirm:"+actionID, "cancel:"+actionID)
	return res, nil
}

// HandleCallback resolves a confirm or cancel button press.
func (h *Handler) HandleCallback(ctx context.Context, cb *chat.CallbackQuery) {
	if cb.From == nil || cb.Message == nil {
		return
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, h.deps.Deadline)
	defer cancel()

	name := "callback"
	var (
		res reply
		err error
	)
	switch {
	case strings.HasPrefix(cb.Data, "confirm:"):
		name = "callback_confirm"
		res, err = h.confirmAction(ctx, cb, strings.TrimPrefix(cb.Data, "confirm:"))
	case strings.HasPrefix(cb.Data, "cancel:"):
		name = "callback_cancel"
		res, err = h.cancelAction(ctx, cb, strings.TrimPrefix(cb.Data, "cancel:"))
	default:
		res, err = h.render("unknown", nil)
	}
	h.finish(ctx, cb.Message.Chat.ID, cb.From.ID, name, cb.Data, start, res, err)

	if err != nil {
		res = reply{text: h.errorText(err)}
	}
	if ackErr := h.deps.Sender.AnswerCallbackQuery(ctx, cb.ID, ""); ackErr != nil {
		h.deps.Logger.Warn("callback ack failed", slog.Any("error", ackErr))
	}
	// Replace the confirm prompt so the buttons cannot be pressed twice.
	if editErr := h.deps.Sender.EditMessageText(ctx, cb.Message.Chat.ID, cb.Message.MessageID, res.text, nil); editErr != nil {
		h.deps.Logger.Error("reply delivery failed",
			slog.String("command", name), slog.Any("error", editErr))
	}
}

func (h *Handler) confirmAction(ctx context.Context, cb *chat.CallbackQuery, actionID string) (reply, error) {
	action, ok := h.deps.Pending.ByID(actionID)
	if !ok {
		return h.render("no_pending", nil)
	}
	if action.Stage != pending.StageConfirm {
		return reply{}, faults.Validationf("no value staged yet; send the new %s first", action.Kind)
	}

	param := acs.ParamSSID
	if action.Kind == pending.KindPassword {
		param = acs.ParamKeyPassphrase
	}
	applied, err := h.deps.ACS.SetWLANParameter(ctx, action.DeviceID, param, action.Value)
	if err != nil {
		return reply{}, err
	}

	h.deps.Pending.DeleteByID(actionID)
	h.deps.Pending.ClearConversation(pending.ConversationKey(cb.Message.Chat.ID, cb.From.ID))

	name := "applied_queued"
	if applied {
		name = "applied_now"
	}
	return h.render(name, map[string]any{
		"Kind":     string(action.Kind),
		"Username": h.usernameForCustomer(ctx, action.CustomerID),
	})
}

func (h *Handler) cancelAction(_ context.Context, cb *chat.CallbackQuery, actionID string) (reply, error) {
	if _, ok := h.deps.Pending.ByID(actionID); !ok {
		return h.render("no_pending", nil)
	}
	h.deps.Pending.DeleteByID(actionID)
	h.deps.Pending.ClearConversation(pending.ConversationKey(cb.Message.Chat.ID, cb.From.ID))
	return h.render("cancelled", nil)
}

func (h *Handler) customerByUsername(ctx context.Context, account string) (billing.Customer, map[string]any, error) {
	view, err := h.deps.Billing.CustomerViewByUsername(ctx, account)
	if err != nil {
		return billing.Customer{}, nil, err
	}
	customer, err := billing.ParseCustomer(view)
	if err != nil {
		return billing.Customer{}, nil, err
	}
	return customer, view, nil
}

// usernameForCustomer resolves a display username for replies rendered after
// the staged flow already dropped the detail view. The detail cache usually
// still holds it; failures degrade to an id-based label.
func (h *Handler) usernameForCustomer(ctx context.Context, customerID int) string {
	view, err := h.deps.Billing.CustomerViewByID(ctx, customerID)
	if err != nil {
		return fmt.Sprintf("customer %d", customerID)
	}
	customer, err := billing.ParseCustomer(view)
	if err != nil || customer.Username == "" {
		return fmt.Sprintf("customer %d", customerID)
	}
	return customer.Username
}

func packageLine(pkg *billing.Package) string {
	if pkg == nil {
		return ""
	}
	name := pkg.DisplayName
	if name == "" {
		name = fmt.Sprintf("plan %d", pkg.PlanID)
	}
	line := name + " [" + strings.ToLower(pkg.Status) + "]"
	if pkg.ExpiresOn != "" {
		line += " until " + pkg.ExpiresOn
	}
	if pkg.TimeRemaining != "" {
		line += " (" + pkg.TimeRemaining + ")"
	}
	return line
}

func (h *Handler) render(name string, data any) (reply, error) {
	text, err := h.deps.Replies.Render(name, data)
	if err != nil {
		return reply{}, faults.Internal(err)
	}
	return reply{text: text}, nil
}

// errorText maps a failure to the reply body. Validation and gateway messages
// are written for operators and pass through verbatim; everything else gets
// the generic wording.
func (h *Handler) errorText(err error) string {
	switch faults.KindOf(err) {
	case faults.KindValidation, faults.KindGateway:
		return faults.MessageOf(err)
	case faults.KindTimeout:
		if text, rerr := h.deps.Replies.Render("timeout", nil); rerr == nil {
			return text
		}
	}
	if text, rerr := h.deps.Replies.Render("internal_error", nil); rerr == nil {
		return text
	}
	return "An internal error occurred."
}

func (h *Handler) finish(ctx context.Context, chatID, userID int64, name, args string, start time.Time, res reply, err error) {
	outcome := "ok"
	message := res.text
	if err != nil {
		outcome = faults.KindOf(err).String()
		message = err.Error()
		h.deps.Logger.Warn("command failed",
			slog.String("command", name),
			slog.String("outcome", outcome),
			slog.Any("error", err))
	}
	h.deps.Metrics.ObserveCommand(name, outcome, time.Since(start))
	if h.deps.Audit != nil {
		h.deps.Audit.Record(ctx, audit.NewEvent(chatID, userID, name, args, err == nil, message, start))
	}
}
