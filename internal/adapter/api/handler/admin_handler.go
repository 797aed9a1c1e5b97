package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/V4T54L/markov-tower/internal/domain"
	"github.com/V4T54L/markov-tower/internal/usecase"
)

const (
	defaultGenerateWords = 30
	maxGenerateWords     = 200
	maxBodyBytes         = 64 << 10
)

// TenantDirectory is the slice of the tenant cache the admin API drives.
type TenantDirectory interface {
	Fetch(ctx context.Context, tenantID string) (*usecase.TenantStore, error)
	Delete(ctx context.Context, tenantID string) error
	Ban(ctx context.Context, tenantID, reason string) error
	Unban(ctx context.Context, tenantID string) error
	IsBanned(tenantID string) (string, bool)
	ToggleTrack(ctx context.Context, userID string) (bool, error)
	IsTrackAllowed(ctx context.Context, userID string) bool
}

// AdminHandler handles HTTP requests for tenant administration.
type AdminHandler struct {
	tenants TenantDirectory
	logger  *slog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(tenants TenantDirectory, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{tenants: tenants, logger: logger.With("component", "admin_handler")}
}

// HealthCheck is a simple health check endpoint.
func (h *AdminHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetBan reports whether a tenant is banned.
// GET /bans/{tenantID}
func (h *AdminHandler) GetBan(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantID")
	reason, banned := h.tenants.IsBanned(tenantID)
	h.respondWithJSON(w, http.StatusOK, banResponse{TenantID: tenantID, Banned: banned, Reason: reason})
}

// PutBan bans a tenant.
// PUT /bans/{tenantID}
func (h *AdminHandler) PutBan(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantID")
	var payload struct {
		Reason string `json:"reason"`
	}
	if !h.decode(w, r, &payload) {
		return
	}

	if err := h.tenants.Ban(r.Context(), tenantID, payload.Reason); err != nil {
		h.logger.Error("failed to ban tenant", "tenant_id", tenantID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteBan lifts a ban.
// DELETE /bans/{tenantID}
func (h *AdminHandler) DeleteBan(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantID")
	if err := h.tenants.Unban(r.Context(), tenantID); err != nil {
		h.logger.Error("failed to unban tenant", "tenant_id", tenantID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteTenant evicts a tenant and purges its data.
// DELETE /tenants/{tenantID}
func (h *AdminHandler) DeleteTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantID")
	if err := h.tenants.Delete(r.Context(), tenantID); err != nil {
		h.logger.Error("failed to delete tenant", "tenant_id", tenantID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetStats returns a tenant summary.
// GET /tenants/{tenantID}/stats
func (h *AdminHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	h.respondWithJSON(w, http.StatusOK, store.Stats(r.Context()))
}

// PatchConfig updates any subset of a tenant's settings.
// PATCH /tenants/{tenantID}/config
func (h *AdminHandler) PatchConfig(w http.ResponseWriter, r *http.Request) {
	var payload configRequest
	if !h.decode(w, r, &payload) {
		return
	}
	if err := payload.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	store, ok := h.store(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	steps := []func() error{}
	if payload.Enabled != nil {
		steps = append(steps, func() error { return store.ToggleActivity(ctx, *payload.Enabled) })
	}
	if payload.ChannelID != nil {
		steps = append(steps, func() error { return store.ConfigChannel(ctx, *payload.ChannelID) })
	}
	if payload.Webhook != nil {
		steps = append(steps, func() error { return store.ConfigWebhook(ctx, *payload.Webhook) })
	}
	if payload.TextsLimit != nil {
		steps = append(steps, func() error { return store.ConfigTextsLimit(ctx, *payload.TextsLimit) })
	}
	if payload.CollectChance != nil {
		steps = append(steps, func() error { return store.SetCollectChance(ctx, *payload.CollectChance) })
	}
	if payload.SendChance != nil {
		steps = append(steps, func() error { return store.SetSendChance(ctx, *payload.SendChance) })
	}
	if payload.ReplyChance != nil {
		steps = append(steps, func() error { return store.SetReplyChance(ctx, *payload.ReplyChance) })
	}

	for _, step := range steps {
		if err := step(); err != nil {
			h.respondWithError(w, store.ID(), "failed to update config", err)
			return
		}
	}
	h.respondWithJSON(w, http.StatusOK, store.Stats(ctx))
}

// AddText stores a text in the tenant corpus unless its author opted out.
// POST /tenants/{tenantID}/texts
func (h *AdminHandler) AddText(w http.ResponseWriter, r *http.Request) {
	var payload textRequest
	if !h.decode(w, r, &payload) {
		return
	}
	if payload.Text == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}
	store, ok := h.store(w, r)
	if !ok {
		return
	}

	if payload.AuthorID != "" && !h.tenants.IsTrackAllowed(r.Context(), payload.AuthorID) {
		h.respondWithJSON(w, http.StatusOK, map[string]bool{"stored": false})
		return
	}
	if err := store.AddText(r.Context(), payload.Text, payload.AuthorID, payload.MessageID); err != nil {
		h.respondWithError(w, store.ID(), "failed to add text", err)
		return
	}
	h.respondWithJSON(w, http.StatusCreated, map[string]bool{"stored": true})
}

// UpdateText rewrites a stored text.
// PUT /tenants/{tenantID}/texts/{messageID}
func (h *AdminHandler) UpdateText(w http.ResponseWriter, r *http.Request) {
	var payload textRequest
	if !h.decode(w, r, &payload) {
		return
	}
	store, ok := h.store(w, r)
	if !ok {
		return
	}

	found, err := store.UpdateText(r.Context(), r.PathValue("messageID"), payload.Text)
	if err != nil {
		h.respondWithError(w, store.ID(), "failed to update text", err)
		return
	}
	if !found {
		http.Error(w, "text not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteText removes one stored text.
// DELETE /tenants/{tenantID}/texts/{messageID}
func (h *AdminHandler) DeleteText(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}

	found, err := store.DeleteText(r.Context(), r.PathValue("messageID"))
	if err != nil {
		h.respondWithError(w, store.ID(), "failed to delete text", err)
		return
	}
	if !found {
		http.Error(w, "text not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteTexts wipes the corpus, the oldest n texts when ?oldest=n is given,
// or one author's texts when ?author=id is given.
// DELETE /tenants/{tenantID}/texts
func (h *AdminHandler) DeleteTexts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	oldest := 0
	if raw := query.Get("oldest"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "oldest must be a positive integer", http.StatusBadRequest)
			return
		}
		oldest = n
	}
	store, ok := h.store(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	switch author := query.Get("author"); {
	case author != "":
		removed, err := store.DeleteUserTexts(ctx, author)
		if err != nil {
			h.respondWithError(w, store.ID(), "failed to delete user texts", err)
			return
		}
		h.respondWithJSON(w, http.StatusOK, map[string]int{"removed": removed})
	case oldest > 0:
		if err := store.DeleteFirstText(ctx, oldest); err != nil {
			h.respondWithError(w, store.ID(), "failed to trim texts", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		if err := store.DeleteAllTexts(ctx); err != nil {
			h.respondWithError(w, store.ID(), "failed to delete texts", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// Generate samples a sentence from the tenant model.
// POST /tenants/{tenantID}/generate?max=N
func (h *AdminHandler) Generate(w http.ResponseWriter, r *http.Request) {
	maxWords := defaultGenerateWords
	if raw := r.URL.Query().Get("max"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxGenerateWords {
			http.Error(w, "max must be an integer between 1 and 200", http.StatusBadRequest)
			return
		}
		maxWords = n
	}
	store, ok := h.store(w, r)
	if !ok {
		return
	}

	text, ok := store.Generate(r.Context(), maxWords)
	if !ok {
		http.Error(w, "not enough texts to generate", http.StatusNotFound)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]string{"text": text})
}

// ToggleTracking flips a user's opt-out flag.
// POST /tracking/{userID}
func (h *AdminHandler) ToggleTracking(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	optedOut, err := h.tenants.ToggleTrack(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to toggle tracking", "user_id", userID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	h.respondWithJSON(w, http.StatusOK, trackingResponse{UserID: userID, OptedOut: optedOut})
}

// store resolves the tenant in the path, refusing banned tenants.
func (h *AdminHandler) store(w http.ResponseWriter, r *http.Request) (*usecase.TenantStore, bool) {
	tenantID := r.PathValue("tenantID")
	if reason, banned := h.tenants.IsBanned(tenantID); banned {
		h.respondWithJSON(w, http.StatusForbidden, banResponse{TenantID: tenantID, Banned: true, Reason: reason})
		return nil, false
	}
	store, err := h.tenants.Fetch(r.Context(), tenantID)
	if errors.Is(err, domain.ErrTenantBanned) {
		reason, _ := h.tenants.IsBanned(tenantID)
		h.respondWithJSON(w, http.StatusForbidden, banResponse{TenantID: tenantID, Banned: true, Reason: reason})
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to fetch tenant", "tenant_id", tenantID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return nil, false
	}
	return store, true
}

func (h *AdminHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *AdminHandler) respondWithError(w http.ResponseWriter, tenantID, msg string, err error) {
	if errors.Is(err, domain.ErrInvalidChance) || errors.Is(err, domain.ErrInvalidLimit) || errors.Is(err, domain.ErrInvalidID) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.logger.Error(msg, "tenant_id", tenantID, "error", err)
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func (h *AdminHandler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to marshal JSON response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal Server Error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

type banResponse struct {
	TenantID string `json:"tenant_id"`
	Banned   bool   `json:"banned"`
	Reason   string `json:"reason,omitempty"`
}

type trackingResponse struct {
	UserID   string `json:"user_id"`
	OptedOut bool   `json:"opted_out"`
}

type textRequest struct {
	Text      string `json:"text"`
	AuthorID  string `json:"author_id"`
	MessageID string `json:"message_id"`
}

type configRequest struct {
	Enabled       *bool    `json:"enabled"`
	ChannelID     *string  `json:"channel_id"`
	Webhook       *string  `json:"webhook"`
	TextsLimit    *int     `json:"texts_limit"`
	CollectChance *float64 `json:"collect_chance"`
	SendChance    *float64 `json:"send_chance"`
	ReplyChance   *float64 `json:"reply_chance"`
}

// validate rejects the whole patch before any field is written.
func (p configRequest) validate() error {
	if p.TextsLimit != nil {
		if err := domain.ValidateTextsLimit(*p.TextsLimit); err != nil {
			return err
		}
	}
	chances := []struct {
		field domain.ConfigField
		value *float64
	}{
		{domain.ConfigCollectChance, p.CollectChance},
		{domain.ConfigSendChance, p.SendChance},
		{domain.ConfigReplyChance, p.ReplyChance},
	}
	for _, c := range chances {
		if c.value == nil {
			continue
		}
		if err := domain.ValidateChance(c.field, *c.value); err != nil {
			return err
		}
	}
	return nil
}
