package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/ashureev/persona-relay/internal/conversation"
	"github.com/ashureev/persona-relay/internal/domain"
	"github.com/ashureev/persona-relay/internal/metrics"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// defaultMaxRequestBodySize bounds inbound requests, attachments included (8MB).
const defaultMaxRequestBodySize = 8 << 20

// mentionPattern matches platform user mentions such as <@123> or <@!123>.
var mentionPattern = regexp.MustCompile(`<@!?\d+>`)

// Conversation is the relay's view of the conversation manager.
type Conversation interface {
	HandleMessage(ctx context.Context, msg conversation.Message) (string, error)
	SwitchPersona(ctx context.Context, key string) (conversation.Info, error)
	Reset(ctx context.Context) (conversation.Info, error)
	Active() (conversation.Info, bool)
	ListPersonas() ([]domain.PersonaSummary, error)
}

// AutoSpeak controls per-channel idle speaking.
type AutoSpeak interface {
	Enable(channelID string)
	Disable(channelID string)
	Enabled(channelID string) bool
	Touch(channelID string)
}

// Options tunes a Handler.
type Options struct {
	// TargetChannels are answered without requiring a mention.
	TargetChannels []string
	MaxBodySize    int64
	// Limiter throttles answered messages per channel. Nil disables throttling.
	Limiter *RateLimiter
	Metrics *metrics.Metrics
}

// Handler serves the platform-facing API.
type Handler struct {
	conv    Conversation
	auto    AutoSpeak
	targets map[string]struct{}
	maxBody int64
	limiter *RateLimiter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(conv Conversation, auto AutoSpeak, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	targets := make(map[string]struct{}, len(opts.TargetChannels))
	for _, id := range opts.TargetChannels {
		if id = strings.TrimSpace(id); id != "" {
			targets[id] = struct{}{}
		}
	}
	maxBody := opts.MaxBodySize
	if maxBody <= 0 {
		maxBody = defaultMaxRequestBodySize
	}
	return &Handler{
		conv:    conv,
		auto:    auto,
		targets: targets,
		maxBody: maxBody,
		limiter: opts.Limiter,
		metrics: opts.Metrics,
		logger:  logger.With("component", "gateway"),
	}
}

// RegisterRoutes registers the relay API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/messages", h.HandleMessage)
	r.Route("/personas", func(r chi.Router) {
		r.Get("/", h.ListPersonas)
		r.Get("/active", h.GetActive)
		r.Post("/active", h.SwitchPersona)
		r.Post("/reset", h.Reset)
	})
	r.Route("/channels/{channelID}/autospeak", func(r chi.Router) {
		r.Get("/", h.GetAutoSpeak)
		r.Put("/", h.EnableAutoSpeak)
		r.Delete("/", h.DisableAutoSpeak)
	})
}

// Attachment is an inline binary attachment. Data is base64 in JSON.
type Attachment struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// MessageRequest is an inbound chat message from a platform adapter.
type MessageRequest struct {
	ChannelID   string       `json:"channel_id"`
	Author      string       `json:"author"`
	Text        string       `json:"text"`
	Mentioned   bool         `json:"mentioned"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// MessageResponse carries the text to post back. Delivered is false when
// Reply is a failure notice rather than a model reply.
type MessageResponse struct {
	Reply     string `json:"reply"`
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

// AdminRequest carries the caller's admin flag as vouched for by the adapter.
type AdminRequest struct {
	Key   string `json:"key,omitempty"`
	Admin bool   `json:"admin"`
}

// HandleMessage handles POST /api/messages.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ChannelID == "" {
		Error(w, http.StatusBadRequest, "channel_id is required")
		return
	}

	if !h.targeted(req.ChannelID) && !req.Mentioned {
		h.metrics.RecordMessage(metrics.OutcomeIgnored)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if h.limiter != nil && !h.limiter.Allow(req.ChannelID) {
		h.metrics.RecordMessage(metrics.OutcomeRateLimited)
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	text := req.Text
	if req.Mentioned {
		text = strings.TrimSpace(mentionPattern.ReplaceAllString(text, ""))
	}

	msg := conversation.Message{
		ChannelID: req.ChannelID,
		Author:    req.Author,
		Text:      text,
	}
	for _, a := range req.Attachments {
		if len(a.Data) == 0 || a.MIMEType == "" {
			continue
		}
		msg.Attachments = append(msg.Attachments, domain.Part{MIMEType: a.MIMEType, Data: a.Data})
	}

	h.logger.Info("inbound message",
		"channel", req.ChannelID,
		"author", req.Author,
		"message_length", len(text),
		"attachments", len(msg.Attachments),
		"request_id", chiMiddleware.GetReqID(r.Context()),
	)

	reply, err := h.conv.HandleMessage(r.Context(), msg)
	if err != nil {
		if errors.Is(err, conversation.ErrEmptyMessage) {
			h.metrics.RecordMessage(metrics.OutcomeEmpty)
			Error(w, http.StatusBadRequest, "message is empty")
			return
		}
		h.metrics.RecordMessage(metrics.OutcomeFailed)
		h.logger.Error("message handling failed", "channel", req.ChannelID, "error", err)
		JSON(w, http.StatusOK, MessageResponse{
			Reply: conversation.FailureMessage(err),
			Error: err.Error(),
		})
		return
	}

	h.metrics.RecordMessage(metrics.OutcomeAnswered)
	// Only a completed exchange counts as activity for auto-speak.
	h.auto.Touch(req.ChannelID)
	JSON(w, http.StatusOK, MessageResponse{Reply: reply, Delivered: true})
}

// ListPersonas handles GET /api/personas.
func (h *Handler) ListPersonas(w http.ResponseWriter, _ *http.Request) {
	personas, err := h.conv.ListPersonas()
	if err != nil {
		h.logger.Error("failed to list personas", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list personas")
		return
	}
	if personas == nil {
		personas = []domain.PersonaSummary{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"personas": personas,
		"text":     FormatPersonaList(personas),
	})
}

// GetActive handles GET /api/personas/active.
func (h *Handler) GetActive(w http.ResponseWriter, _ *http.Request) {
	info, ok := h.conv.Active()
	if !ok {
		Error(w, http.StatusServiceUnavailable, conversation.FailureMessage(conversation.ErrNotReady))
		return
	}
	JSON(w, http.StatusOK, info)
}

// SwitchPersona handles POST /api/personas/active.
func (h *Handler) SwitchPersona(w http.ResponseWriter, r *http.Request) {
	var req AdminRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !req.Admin {
		Error(w, http.StatusForbidden, "administrator permission required")
		return
	}
	key := strings.TrimSpace(req.Key)
	if key == "" {
		Error(w, http.StatusBadRequest, "key is required")
		return
	}

	info, err := h.conv.SwitchPersona(r.Context(), key)
	if err != nil {
		if errors.Is(err, conversation.ErrUnknownPersona) {
			Error(w, http.StatusNotFound, fmt.Sprintf("persona %q not found", key))
			return
		}
		h.logger.Error("persona switch failed", "persona", key, "error", err)
		Error(w, http.StatusInternalServerError, conversation.FailureMessage(err))
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"persona": info,
		"message": fmt.Sprintf("Switched to %s.", info.DisplayName),
	})
}

// Reset handles POST /api/personas/reset.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	var req AdminRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !req.Admin {
		Error(w, http.StatusForbidden, "administrator permission required")
		return
	}

	info, err := h.conv.Reset(r.Context())
	if err != nil {
		h.logger.Error("history reset failed", "error", err)
		Error(w, http.StatusInternalServerError, conversation.FailureMessage(err))
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"persona": info,
		"message": fmt.Sprintf("Conversation history for %s has been reset.", info.DisplayName),
	})
}

// GetAutoSpeak handles GET /api/channels/{channelID}/autospeak.
func (h *Handler) GetAutoSpeak(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	JSON(w, http.StatusOK, autoSpeakStatus{ChannelID: channelID, Enabled: h.auto.Enabled(channelID)})
}

// EnableAutoSpeak handles PUT /api/channels/{channelID}/autospeak.
func (h *Handler) EnableAutoSpeak(w http.ResponseWriter, r *http.Request) {
	h.setAutoSpeak(w, r, true)
}

// DisableAutoSpeak handles DELETE /api/channels/{channelID}/autospeak.
func (h *Handler) DisableAutoSpeak(w http.ResponseWriter, r *http.Request) {
	h.setAutoSpeak(w, r, false)
}

type autoSpeakStatus struct {
	ChannelID string `json:"channel_id"`
	Enabled   bool   `json:"enabled"`
}

func (h *Handler) setAutoSpeak(w http.ResponseWriter, r *http.Request, enable bool) {
	var req AdminRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !req.Admin {
		Error(w, http.StatusForbidden, "administrator permission required")
		return
	}

	channelID := chi.URLParam(r, "channelID")
	if enable {
		h.auto.Enable(channelID)
	} else {
		h.auto.Disable(channelID)
	}
	JSON(w, http.StatusOK, autoSpeakStatus{ChannelID: channelID, Enabled: h.auto.Enabled(channelID)})
}

// FormatPersonaList renders personas as "- key (display name)" lines.
func FormatPersonaList(personas []domain.PersonaSummary) string {
	if len(personas) == 0 {
		return "No personas available."
	}
	var b strings.Builder
	for i, p := range personas {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s (%s)", p.Key, p.DisplayName)
	}
	return b.String()
}

func (h *Handler) targeted(channelID string) bool {
	_, ok := h.targets[channelID]
	return ok
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			Error(w, http.StatusBadRequest, "request body is required")
		default:
			Error(w, http.StatusBadRequest, "invalid request body")
		}
		return false
	}
	return true
}
