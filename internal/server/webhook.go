package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/aridhom/nuxgate/internal/admission"
	"github.com/aridhom/nuxgate/internal/chat"
	"github.com/aridhom/nuxgate/internal/command"
	"github.com/aridhom/nuxgate/internal/metrics"
	"github.com/aridhom/nuxgate/internal/pending"
	"github.com/aridhom/nuxgate/internal/ratelimit"
	"github.com/aridhom/nuxgate/internal/replies"
)

// secretHeader carries the webhook shared secret set at registration time.
const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

const maxUpdateBody = 1 << 20

// WebhookDeps wires the webhook dispatcher to the admission gate, the rate
// limiter, and the command pipeline.
type WebhookDeps struct {
	Secret    string
	Admission *admission.Policy
	Limiter   *ratelimit.Limiter
	Handler   *command.Handler
	Sender    chat.Sender
	Replies   *replies.Renderer
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
}

// Webhook accepts update payloads, acknowledges them immediately, and runs
// the command pipeline in the background so the chat platform never retries
// an update that is merely slow.
type Webhook struct {
	deps WebhookDeps
	wg   sync.WaitGroup
}

func NewWebhook(deps WebhookDeps) *Webhook {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = deps.Logger.With(slog.String("agent", "webhook"))
	return &Webhook{deps: deps}
}

// Routes assembles the full HTTP surface: the webhook endpoint, liveness, and
// the metrics exposition.
func (w *Webhook) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", w.serveUpdate)
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	if w.deps.Metrics != nil {
		mux.Handle("GET /metrics", w.deps.Metrics.Handler())
	}
	return mux
}

// Wait blocks until every in-flight update finished, for tests and shutdown.
func (w *Webhook) Wait() {
	w.wg.Wait()
}

func (w *Webhook) serveUpdate(rw http.ResponseWriter, r *http.Request) {
	if w.deps.Secret == "" || r.Header.Get(secretHeader) != w.deps.Secret {
		http.Error(rw, "unauthorized", http.StatusUnauthorized)
		return
	}

	var update chat.Update
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUpdateBody)).Decode(&update); err != nil {
		http.Error(rw, "bad request", http.StatusBadRequest)
		return
	}

	// Acknowledge before processing. The pipeline applies its own deadline,
	// so the request context must not cancel the work when this returns.
	ctx := context.WithoutCancel(r.Context())
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.dispatch(ctx, update)
	}()
	rw.WriteHeader(http.StatusOK)
}

func (w *Webhook) dispatch(ctx context.Context, update chat.Update) {
	switch {
	case update.CallbackQuery != nil:
		cb := update.CallbackQuery
		if cb.From == nil || cb.Message == nil {
			return
		}
		if !w.admit(ctx, cb.Message.Chat.ID, cb.From.ID, "callback", 0) {
			return
		}
		w.deps.Handler.HandleCallback(ctx, cb)
	case update.Message != nil:
		msg := update.Message
		if msg.From == nil || strings.TrimSpace(msg.Text) == "" {
			return
		}
		name := "message"
		if parsed, ok := command.ParseCommand(msg.Text); ok {
			name = parsed.Name
		}
		if !w.admit(ctx, msg.Chat.ID, msg.From.ID, name, msg.MessageID) {
			return
		}
		if strings.HasPrefix(strings.TrimSpace(msg.Text), "/") {
			w.deps.Handler.HandleCommand(ctx, msg)
			return
		}
		w.deps.Handler.HandlePendingInput(ctx, msg)
	}
}

// admit runs the admission policy and the per-conversation rate limiter,
// replying with the rejection wording itself so denied updates never reach
// the command pipeline.
func (w *Webhook) admit(ctx context.Context, chatID, userID int64, name string, replyTo int64) bool {
	allowed, err := w.deps.Admission.Allow(chatID, userID, name)
	if err != nil {
		w.deps.Logger.Error("admission policy evaluation failed", slog.Any("error", err))
	}
	if !allowed {
		w.deps.Logger.Warn("update denied",
			slog.Int64("chat", chatID), slog.Int64("user", userID), slog.String("command", name))
		w.reply(ctx, chatID, replyTo, "denied")
		return false
	}

	if !w.deps.Limiter.Allow(pending.ConversationKey(chatID, userID)) {
		w.deps.Metrics.ObserveRateLimited()
		w.deps.Logger.Warn("update rate limited",
			slog.Int64("chat", chatID), slog.Int64("user", userID))
		w.reply(ctx, chatID, replyTo, "rate_limited")
		return false
	}
	return true
}

func (w *Webhook) reply(ctx context.Context, chatID, replyTo int64, template string) {
	text, err := w.deps.Replies.Render(template, nil)
	if err != nil {
		w.deps.Logger.Error("rejection render failed", slog.Any("error", err))
		return
	}
	if err := w.deps.Sender.SendMessage(ctx, chatID, replyTo, text, nil); err != nil {
		w.deps.Logger.Error("rejection delivery failed", slog.Any("error", err))
	}
}
