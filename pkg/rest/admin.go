// Package rest is the thin HTTP surface over the gateway: login and
// registration, guild/channel management, and the moderation actions
// that push events through the dispatcher.
package rest

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/concord-chat/concord/pkg/gateway"
	"github.com/concord-chat/concord/pkg/store"
)

// GatewayAPI is the slice of the gateway the REST surface drives.
type GatewayAPI interface {
	DispatchEventInGuild(guildID int64, kind gateway.EventKind, payload any) int
	DispatchEventInGuildExcept(guildID, exceptAccount int64, kind gateway.EventKind, payload any) int
	DispatchToAccount(accountID int64, kind gateway.EventKind, payload any) int
	ForceLogout(accountID int64) int
	SessionCount(accountID int64) int
	VoiceOccupancy(guildID int64) []gateway.VoiceState
	Presence(accountID int64) string
	RefreshSubscriptions(accountID int64) error
}

// Handler serves the REST routes.
type Handler struct {
	store      *store.Store
	gw         GatewayAPI
	adminToken string
}

// NewHandler creates the REST handler. adminToken guards the /admin
// routes; an empty token disables them.
func NewHandler(st *store.Store, gw GatewayAPI, adminToken string) *Handler {
	return &Handler{store: st, gw: gw, adminToken: adminToken}
}

// Register installs all routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("POST /api/auth/register", h.handleRegister)
	mux.HandleFunc("POST /api/auth/login", h.handleLogin)

	mux.HandleFunc("POST /api/guilds", h.withAuth(h.handleCreateGuild))
	mux.HandleFunc("POST /api/guilds/{id}/channels", h.withAuth(h.handleCreateChannel))
	mux.HandleFunc("POST /api/guilds/{id}/members", h.withAuth(h.handleJoinGuild))
	mux.HandleFunc("DELETE /api/guilds/{id}/members/@me", h.withAuth(h.handleLeaveGuild))
	mux.HandleFunc("POST /api/channels/{id}/messages", h.withAuth(h.handleCreateMessage))
	mux.HandleFunc("DELETE /api/channels/{id}/messages/{messageID}", h.withAuth(h.handleDeleteMessage))
	mux.HandleFunc("GET /api/guilds/{id}/voice", h.withAuth(h.handleVoiceOccupancy))

	mux.HandleFunc("DELETE /api/admin/guilds/{id}", h.withAdmin(h.handleAdminDeleteGuild))
	mux.HandleFunc("POST /api/admin/accounts/{id}/disable", h.withAdmin(h.handleAdminDisableAccount))
}

type authedHandler func(w http.ResponseWriter, r *http.Request, account *gateway.Account)

// withAuth verifies the bearer token and loads the account.
func (h *Handler) withAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}
		account, err := h.store.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r, account)
	}
}

// withAdmin checks the shared admin token from config.
func (h *Handler) withAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.adminToken == "" || bearerToken(r) != h.adminToken {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next(w, r)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "username and a password of at least 8 characters required")
		return
	}

	account, err := h.store.CreateAccount(req.Username, req.Password)
	if err == store.ErrUsernameTaken {
		writeError(w, http.StatusConflict, "username already taken")
		return
	}
	if err != nil {
		internalError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}

	token, account, err := h.store.Authenticate(req.Username, req.Password)
	if err == store.ErrBadCredentials {
		writeError(w, http.StatusUnauthorized, "bad credentials")
		return
	}
	if err == store.ErrAccountDisabled {
		writeError(w, http.StatusForbidden, "account disabled")
		return
	}
	if err != nil {
		internalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":    token,
		"user":     account,
		"sessions": h.gw.SessionCount(account.ID),
	})
}

func (h *Handler) handleCreateGuild(w http.ResponseWriter, r *http.Request, account *gateway.Account) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "guild name required")
		return
	}

	guild, err := h.store.CreateGuild(req.Name, account.ID)
	if err != nil {
		internalError(w, err)
		return
	}

	if err := h.gw.RefreshSubscriptions(account.ID); err != nil {
		log.Printf("rest: subscription refresh for account %d failed: %v", account.ID, err)
	}
	h.gw.DispatchToAccount(account.ID, gateway.EventGuildCreate, guild)
	writeJSON(w, http.StatusCreated, guild)
}

func (h *Handler) handleCreateChannel(w http.ResponseWriter, r *http.Request, account *gateway.Account) {
	guildID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "channel name required")
		return
	}

	channelID, err := h.store.CreateChannel(guildID, req.Name)
	if err == store.ErrGuildNotFound {
		writeError(w, http.StatusNotFound, "guild not found")
		return
	}
	if err != nil {
		internalError(w, err)
		return
	}

	payload := map[string]any{
		"id":       strconv.FormatInt(channelID, 10),
		"guild_id": strconv.FormatInt(guildID, 10),
		"name":     req.Name,
	}
	h.gw.DispatchEventInGuild(guildID, gateway.EventChannelCreate, payload)
	writeJSON(w, http.StatusCreated, payload)
}

func (h *Handler) handleJoinGuild(w http.ResponseWriter, r *http.Request, account *gateway.Account) {
	guildID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	if err := h.store.AddMember(guildID, account.ID); err != nil {
		internalError(w, err)
		return
	}
	if err := h.gw.RefreshSubscriptions(account.ID); err != nil {
		log.Printf("rest: subscription refresh for account %d failed: %v", account.ID, err)
	}

	h.gw.DispatchEventInGuild(guildID, gateway.EventGuildMemberAdd, map[string]any{
		"guild_id": strconv.FormatInt(guildID, 10),
		"user":     account,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleLeaveGuild(w http.ResponseWriter, r *http.Request, account *gateway.Account) {
	guildID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	err := h.store.RemoveMember(guildID, account.ID)
	if err == store.ErrNotAMember {
		writeError(w, http.StatusNotFound, "not a member")
		return
	}
	if err != nil {
		internalError(w, err)
		return
	}

	// The leaver is excluded: their client already knows.
	h.gw.DispatchEventInGuildExcept(guildID, account.ID, gateway.EventGuildMemberRemove, map[string]any{
		"guild_id": strconv.FormatInt(guildID, 10),
		"user":     account,
	})
	if err := h.gw.RefreshSubscriptions(account.ID); err != nil {
		log.Printf("rest: subscription refresh for account %d failed: %v", account.ID, err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCreateMessage(w http.ResponseWriter, r *http.Request, account *gateway.Account) {
	channelID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeError(w, http.StatusBadRequest, "content required")
		return
	}

	guildID, err := h.store.GuildOf(channelID)
	if err == store.ErrChannelNotFound {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	if err != nil {
		internalError(w, err)
		return
	}

	payload := map[string]any{
		"id":         strconv.FormatInt(h.store.NextID(), 10),
		"channel_id": strconv.FormatInt(channelID, 10),
		"guild_id":   strconv.FormatInt(guildID, 10),
		"author":     account,
		"content":    req.Content,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	delivered := h.gw.DispatchEventInGuild(guildID, gateway.EventMessageCreate, payload)
	writeJSON(w, http.StatusCreated, map[string]any{
		"message":   payload,
		"delivered": delivered,
	})
}

func (h *Handler) handleDeleteMessage(w http.ResponseWriter, r *http.Request, account *gateway.Account) {
	channelID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	messageID, ok := pathID(w, r, "messageID")
	if !ok {
		return
	}

	guildID, err := h.store.GuildOf(channelID)
	if err == store.ErrChannelNotFound {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	if err != nil {
		internalError(w, err)
		return
	}

	h.gw.DispatchEventInGuild(guildID, gateway.EventMessageDelete, map[string]any{
		"id":         strconv.FormatInt(messageID, 10),
		"channel_id": strconv.FormatInt(channelID, 10),
		"guild_id":   strconv.FormatInt(guildID, 10),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleVoiceOccupancy(w http.ResponseWriter, r *http.Request, account *gateway.Account) {
	guildID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	states := h.gw.VoiceOccupancy(guildID)
	if states == nil {
		states = []gateway.VoiceState{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"voice_states": states})
}

// handleAdminDeleteGuild removes the guild and tells every member
// except the acting admin. The admin identifies via the except query
// parameter when they are themselves a member.
func (h *Handler) handleAdminDeleteGuild(w http.ResponseWriter, r *http.Request) {
	guildID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	members, err := h.store.MembersOf(guildID)
	if err != nil {
		internalError(w, err)
		return
	}

	payload := map[string]any{"id": strconv.FormatInt(guildID, 10)}
	var except int64
	if v := r.URL.Query().Get("except"); v != "" {
		except, _ = strconv.ParseInt(v, 10, 64)
	}
	if except != 0 {
		h.gw.DispatchEventInGuildExcept(guildID, except, gateway.EventGuildDelete, payload)
	} else {
		h.gw.DispatchEventInGuild(guildID, gateway.EventGuildDelete, payload)
	}

	if err := h.store.DeleteGuild(guildID); err != nil {
		if err == store.ErrGuildNotFound {
			writeError(w, http.StatusNotFound, "guild not found")
			return
		}
		internalError(w, err)
		return
	}

	for _, accountID := range members {
		if err := h.gw.RefreshSubscriptions(accountID); err != nil {
			log.Printf("rest: subscription refresh for account %d failed: %v", accountID, err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAdminDisableAccount disables the account and then pushes a
// LOGOUT event to each of its sessions before force-closing them.
func (h *Handler) handleAdminDisableAccount(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	err := h.store.DisableAccount(accountID)
	if err == store.ErrAccountNotFound {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		internalError(w, err)
		return
	}

	closed := h.gw.ForceLogout(accountID)
	writeJSON(w, http.StatusOK, map[string]any{"sessions_closed": closed})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "malformed id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("rest: response encode failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func internalError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrAccountDisabled) {
		writeError(w, http.StatusForbidden, "account disabled")
		return
	}
	log.Printf("rest: internal error: %v", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}
