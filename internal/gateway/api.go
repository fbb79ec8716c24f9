// ABOUTME: HTTP API handlers for accounts, conversations, message history, and uploads
// ABOUTME: Maps the error taxonomy onto status codes; unexpected failures are opaque 500s

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/realtime"
	"github.com/parleyhq/parley/internal/store"
)

// RegisterRequest is the JSON request body for POST /auth/register.
type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

// LoginRequest is the JSON request body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// UserResponse is the JSON shape of a user profile.
type UserResponse struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

// AuthResponse is the JSON response for register and login.
type AuthResponse struct {
	Token string       `json:"token"`
	User  UserResponse `json:"user"`
}

// CreateConversationRequest is the JSON request body for POST /conversations.
type CreateConversationRequest struct {
	MemberIDs []string `json:"memberIds"`
	IsGroup   bool     `json:"isGroup"`
	Title     string   `json:"title,omitempty"`
}

// MembershipResponse is the JSON shape of one conversation membership.
type MembershipResponse struct {
	UserID            string `json:"userId"`
	Role              string `json:"role"`
	LastReadMessageID string `json:"lastReadMessageId,omitempty"`
}

// ConversationResponse is the JSON shape of a conversation with its members.
type ConversationResponse struct {
	ID          string               `json:"id"`
	IsGroup     bool                 `json:"isGroup"`
	Title       string               `json:"title,omitempty"`
	CreatedAt   time.Time            `json:"createdAt"`
	Memberships []MembershipResponse `json:"memberships"`
}

// UploadResponse is the JSON response for POST /upload.
type UploadResponse struct {
	FileURL string `json:"fileUrl"`
}

// PushSubscribeRequest is the JSON request body for POST /push/subscribe.
type PushSubscribeRequest struct {
	Endpoint string          `json:"endpoint"`
	Keys     json.RawMessage `json:"keys"`
}

// handleRegister handles POST /auth/register.
func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := auth.ValidateRegister(auth.RegisterRequest{
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.DisplayName,
	}); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "email, password, and displayName are required")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		g.internalError(w, "hashing password", err)
		return
	}

	now := time.Now()
	user := &store.User{
		ID:           uuid.New().String(),
		Email:        req.Email,
		DisplayName:  req.DisplayName,
		PasswordHash: hash,
		LastSeenAt:   now,
		CreatedAt:    now,
	}
	if err := g.store.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			g.sendJSONError(w, http.StatusConflict, "email already registered")
			return
		}
		g.internalError(w, "creating user", err)
		return
	}

	g.logger.Info("user registered", "user_id", user.ID)
	g.writeAuthResponse(w, http.StatusCreated, user)
}

// handleLogin handles POST /auth/login.
func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := auth.ValidateLogin(auth.LoginRequest{Email: req.Email, Password: req.Password}); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	user, err := g.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		g.internalError(w, "looking up user", err)
		return
	}

	ok, err := auth.ComparePassword(req.Password, user.PasswordHash)
	if err != nil {
		g.internalError(w, "comparing password", err)
		return
	}
	if !ok {
		g.sendJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if err := g.store.TouchLastSeen(r.Context(), user.ID, time.Now()); err != nil {
		g.logger.Error("failed to update last seen on login", "error", err, "user_id", user.ID)
	}

	g.writeAuthResponse(w, http.StatusOK, user)
}

// handleMe handles GET /me.
func (g *Gateway) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	user, err := g.store.GetUser(r.Context(), auth.UserFromContext(r.Context()))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusUnauthorized, "unknown user")
			return
		}
		g.internalError(w, "loading profile", err)
		return
	}

	g.writeJSON(w, http.StatusOK, newUserResponse(user))
}

// handleSearchUsers handles GET /users/search?q=.
// An empty query returns an empty array without touching the store.
func (g *Gateway) handleSearchUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query().Get("q")
	if query == "" {
		g.writeJSON(w, http.StatusOK, []UserResponse{})
		return
	}

	users, err := g.store.SearchUsers(r.Context(), query, 20)
	if err != nil {
		g.internalError(w, "searching users", err)
		return
	}

	resp := make([]UserResponse, 0, len(users))
	for _, u := range users {
		resp = append(resp, newUserResponse(u))
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleConversations handles GET and POST /conversations.
func (g *Gateway) handleConversations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.listConversations(w, r)
	case http.MethodPost:
		g.createConversation(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (g *Gateway) listConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := g.store.ListConversationsForUser(r.Context(), auth.UserFromContext(r.Context()))
	if err != nil {
		g.internalError(w, "listing conversations", err)
		return
	}

	resp := make([]ConversationResponse, 0, len(convs))
	for _, c := range convs {
		resp = append(resp, newConversationResponse(c))
	}
	g.writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) createConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	conv, created, err := g.resolver.Resolve(r.Context(),
		auth.UserFromContext(r.Context()), req.MemberIDs, req.IsGroup, req.Title)
	if err != nil {
		if errors.Is(err, conversation.ErrDirectMemberCount) {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		g.internalError(w, "resolving conversation", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	g.writeJSON(w, status, newConversationResponse(conv))
}

// handleConversationByID handles GET /conversations/{id}. Only members may
// fetch a conversation; for anyone else it does not exist.
func (g *Gateway) handleConversationByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/conversations/")
	if id == "" || strings.Contains(id, "/") {
		g.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}

	conv, err := g.store.GetConversation(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "not found")
			return
		}
		g.internalError(w, "loading conversation", err)
		return
	}

	userID := auth.UserFromContext(r.Context())
	member := false
	for _, m := range conv.Memberships {
		if m.UserID == userID {
			member = true
			break
		}
	}
	if !member {
		g.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}

	g.writeJSON(w, http.StatusOK, newConversationResponse(conv))
}

// handleMessages handles GET /messages?cid=&before=&limit=.
// Pages are returned oldest first.
func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	cid := r.URL.Query().Get("cid")
	if cid == "" {
		g.sendJSONError(w, http.StatusBadRequest, "cid query param is required")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	msgs, err := g.ledger.History(r.Context(), cid, r.URL.Query().Get("before"), limit)
	if err != nil {
		g.internalError(w, "loading history", err)
		return
	}

	resp := make([]realtime.MessagePayload, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, realtime.NewMessagePayload(m))
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleUpload handles POST /upload: a size-capped multipart file that is
// written under the uploads dir and served back via /uploads/.
func (g *Gateway) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	maxBytes := g.cfg.Uploads.MaxBytes
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			g.sendJSONError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		g.sendJSONError(w, http.StatusBadRequest, "malformed multipart body")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	if err := os.MkdirAll(g.cfg.Uploads.Dir, 0755); err != nil {
		g.internalError(w, "creating uploads dir", err)
		return
	}

	name := uuid.New().String() + filepath.Ext(header.Filename)
	dst, err := os.Create(filepath.Join(g.cfg.Uploads.Dir, name))
	if err != nil {
		g.internalError(w, "creating upload file", err)
		return
	}
	defer dst.Close()

	if _, err := io.Copy(dst, file); err != nil {
		g.internalError(w, "writing upload file", err)
		return
	}

	g.writeJSON(w, http.StatusCreated, UploadResponse{FileURL: "/uploads/" + name})
}

// handlePushSubscribe handles POST /push/subscribe, upserting by user id.
func (g *Gateway) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req PushSubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Endpoint == "" {
		g.sendJSONError(w, http.StatusBadRequest, "endpoint is required")
		return
	}

	sub := &store.PushSubscription{
		UserID:    auth.UserFromContext(r.Context()),
		Endpoint:  req.Endpoint,
		Keys:      string(req.Keys),
		UpdatedAt: time.Now(),
	}
	if err := g.store.UpsertPushSubscription(r.Context(), sub); err != nil {
		g.internalError(w, "saving push subscription", err)
		return
	}

	w.WriteHeader(http.StatusCreated)
}

func (g *Gateway) writeAuthResponse(w http.ResponseWriter, status int, user *store.User) {
	token, err := g.verifier.Generate(user.ID, g.cfg.Auth.TokenTTL)
	if err != nil {
		g.internalError(w, "generating token", err)
		return
	}
	g.writeJSON(w, status, AuthResponse{Token: token, User: newUserResponse(user)})
}

func newUserResponse(u *store.User) UserResponse {
	return UserResponse{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		LastSeenAt:  u.LastSeenAt,
	}
}

func newConversationResponse(c *store.Conversation) ConversationResponse {
	members := make([]MembershipResponse, 0, len(c.Memberships))
	for _, m := range c.Memberships {
		members = append(members, MembershipResponse{
			UserID:            m.UserID,
			Role:              m.Role,
			LastReadMessageID: m.LastReadMessageID,
		})
	}
	return ConversationResponse{
		ID:          c.ID,
		IsGroup:     c.IsGroup,
		Title:       c.Title,
		CreatedAt:   c.CreatedAt,
		Memberships: members,
	}
}

// writeJSON writes a JSON response with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// internalError logs the underlying failure and returns an opaque 500.
func (g *Gateway) internalError(w http.ResponseWriter, op string, err error) {
	g.logger.Error(fmt.Sprintf("%s failed", op), "error", err)
	g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
}
