package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	gorilla "github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"cipherchat/internal/chat"
	"cipherchat/internal/config"
	"cipherchat/internal/db"
	"cipherchat/internal/models"
	ws "cipherchat/internal/websocket"
	apperrors "cipherchat/pkg/errors"
)

type contextKey string

const userContextKey contextKey = "user"

type Handlers struct {
	db      *db.DB
	hub     *ws.Hub
	service *chat.Service
	cfg     *config.Config
	logger  *logrus.Logger
}

func NewHandlers(database *db.DB, hub *ws.Hub, service *chat.Service, cfg *config.Config, logger *logrus.Logger) *Handlers {
	return &Handlers{db: database, hub: hub, service: service, cfg: cfg, logger: logger}
}

func (h *Handlers) upgrader() gorilla.Upgrader {
	return gorilla.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || origin == h.cfg.AllowedOrigin
		},
	}
}

// Response envelope shared by every JSON endpoint.

type errorBody struct {
	Code    apperrors.Code `json:"code"`
	Message string         `json:"message"`
}

type responseEnvelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *errorBody  `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(responseEnvelope{Success: true, Data: data})
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.WithError(err).Error("request failed")
	}
	body := &errorBody{Code: apperrors.CodeOf(err), Message: err.Error()}
	if status == http.StatusInternalServerError {
		// Internal detail stays in the log.
		body.Message = "internal server error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(responseEnvelope{Success: false, Error: body})
}

// Middleware

func (h *Handlers) WithAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth for login and register
		if r.URL.Path == "/api/auth/login" || r.URL.Path == "/api/auth/register" {
			next.ServeHTTP(w, r)
			return
		}

		token := requestToken(r)
		if token == "" {
			h.writeError(w, apperrors.Unauthorized("missing token"))
			return
		}

		userID, err := parseToken(token, h.cfg.JWTSecret)
		if err != nil {
			h.writeError(w, err)
			return
		}

		user, err := h.db.GetUserByID(r.Context(), userID)
		if err != nil {
			h.writeError(w, apperrors.Unauthorized("user not found"))
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handlers) WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip CORS for WebSocket connections
		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", h.cfg.AllowedOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func callerFrom(r *http.Request) (*models.User, bool) {
	user, ok := r.Context().Value(userContextKey).(*models.User)
	return user, ok
}

// Auth handlers

func (h *Handlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req models.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.Validation("invalid request body"))
		return
	}
	if req.Username == "" || req.Password == "" {
		h.writeError(w, apperrors.Validation("username and password are required"))
		return
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.writeError(w, apperrors.Internal("hash password", err))
		return
	}

	user, err := h.db.CreateUser(r.Context(), req.Username, string(hashedPassword), req.PublicKey)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.Validation("invalid request body"))
		return
	}

	user, err := h.db.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		h.writeError(w, apperrors.Unauthorized("invalid credentials"))
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		h.writeError(w, apperrors.Unauthorized("invalid credentials"))
		return
	}

	tokenString, err := createToken(user.ID, h.cfg.JWTSecret)
	if err != nil {
		h.writeError(w, apperrors.Internal("create token", err))
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "auth_token",
		Value:    tokenString,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(tokenTTL.Seconds()),
	})

	user.Password = ""
	writeJSON(w, http.StatusOK, models.LoginResponse{Token: tokenString, User: *user})
}

func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "auth_token",
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusOK)
}

func (h *Handlers) HandleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	user, ok := callerFrom(r)
	if !ok {
		h.writeError(w, apperrors.Unauthorized("unauthorized"))
		return
	}
	user.Password = ""
	writeJSON(w, http.StatusOK, user)
}

// User handlers

// HandleUsers lists or searches users; responses include public keys so
// clients can encrypt toward a recipient.
func (h *Handlers) HandleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query().Get("search")

	var (
		users []*models.User
		err   error
	)
	if query != "" {
		users, err = h.db.SearchUsers(r.Context(), query)
	} else {
		users, err = h.db.ListUsers(r.Context())
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, users)
}

// Conversation handlers

func (h *Handlers) HandleConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	user, ok := callerFrom(r)
	if !ok {
		h.writeError(w, apperrors.Unauthorized("unauthorized"))
		return
	}

	conversations, err := h.db.ListConversationsForUser(r.Context(), user.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conversations)
}

func (h *Handlers) HandleCreateConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	user, ok := callerFrom(r)
	if !ok {
		h.writeError(w, apperrors.Unauthorized("unauthorized"))
		return
	}

	var req models.CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.Validation("invalid request body"))
		return
	}

	switch req.Type {
	case models.ConversationDirect:
		if len(req.Participants) != 1 {
			h.writeError(w, apperrors.Validation("direct conversation requires exactly one peer"))
			return
		}
		// Duplicate-pair races resolve internally to the existing row;
		// the caller always gets a conversation, never a conflict.
		conv, err := h.db.ResolveOrCreateDirect(r.Context(), user.ID, req.Participants[0])
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	case models.ConversationGroup:
		conv, err := h.db.CreateGroup(r.Context(), user.ID, req.Name, req.Participants)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, conv)
	default:
		h.writeError(w, apperrors.Validation("type must be DIRECT or GROUP"))
	}
}

func (h *Handlers) HandleParticipants(w http.ResponseWriter, r *http.Request) {
	user, ok := callerFrom(r)
	if !ok {
		h.writeError(w, apperrors.Unauthorized("unauthorized"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		conversationID := r.URL.Query().Get("conversation_id")
		member, err := h.db.IsParticipant(r.Context(), conversationID, user.ID)
		if err != nil {
			h.writeError(w, err)
			return
		}
		if !member {
			h.writeError(w, apperrors.Forbidden("you are not a participant of this conversation"))
			return
		}
		participants, err := h.db.ListParticipants(r.Context(), conversationID)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, participants)

	case http.MethodPost:
		var req models.ParticipantSettingsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, apperrors.Validation("invalid request body"))
			return
		}
		if err := h.db.UpdateParticipantSettings(r.Context(), req.ConversationID, user.ID, req.IsMuted, req.IsArchived); err != nil {
			h.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// Message handlers

// HandleSendMessage accepts a ciphertext envelope over HTTP; it shares the
// validation and transactional write path with the realtime send action.
func (h *Handlers) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	user, ok := callerFrom(r)
	if !ok {
		h.writeError(w, apperrors.Unauthorized("unauthorized"))
		return
	}

	var env models.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		h.writeError(w, apperrors.Validation("invalid request body"))
		return
	}

	msg, err := h.service.SendMessage(r.Context(), user.ID, env)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handlers) HandleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	user, ok := callerFrom(r)
	if !ok {
		h.writeError(w, apperrors.Unauthorized("unauthorized"))
		return
	}

	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		h.writeError(w, apperrors.Validation("conversation_id is required"))
		return
	}

	member, err := h.db.IsParticipant(r.Context(), conversationID, user.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !member {
		h.writeError(w, apperrors.Forbidden("you are not a participant of this conversation"))
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

	messages, total, err := h.db.ListMessages(r.Context(), conversationID, page, pageSize)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": messages,
		"total":    total,
	})
}

func (h *Handlers) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	user, ok := callerFrom(r)
	if !ok {
		h.writeError(w, apperrors.Unauthorized("unauthorized"))
		return
	}

	var req models.MarkReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.Validation("invalid request body"))
		return
	}

	count, err := h.service.MarkRead(r.Context(), user.ID, req.MessageIDs)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated_count": count})
}

func (h *Handlers) HandleMarkDelivered(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	user, ok := callerFrom(r)
	if !ok {
		h.writeError(w, apperrors.Unauthorized("unauthorized"))
		return
	}

	var req models.MarkDeliveredRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.Validation("invalid request body"))
		return
	}

	count, err := h.service.MarkDelivered(r.Context(), user.ID, req.MessageIDs)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated_count": count})
}

func (h *Handlers) HandleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	user, ok := callerFrom(r)
	if !ok {
		h.writeError(w, apperrors.Unauthorized("unauthorized"))
		return
	}

	var req models.DeleteMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.Validation("invalid request body"))
		return
	}

	if err := h.db.SoftDeleteMessage(r.Context(), req.MessageID, user.ID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HandleMessageStatus reports delivery progress ("delivered to N of M").
func (h *Handlers) HandleMessageStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	user, ok := callerFrom(r)
	if !ok {
		h.writeError(w, apperrors.Unauthorized("unauthorized"))
		return
	}

	messageID := r.URL.Query().Get("message_id")
	if messageID == "" {
		h.writeError(w, apperrors.Validation("message_id is required"))
		return
	}

	msg, err := h.db.GetMessage(r.Context(), messageID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	member, err := h.db.IsParticipant(r.Context(), msg.ConversationID, user.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !member {
		h.writeError(w, apperrors.Forbidden("you are not a participant of this conversation"))
		return
	}

	summary, err := h.db.StatusSummary(r.Context(), messageID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// WebSocket handler

// HandleWebSocket upgrades the connection, then authenticates it. A bad or
// missing token closes the socket with a distinct close code before any
// channel membership exists.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := h.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	var user *models.User
	userID, err := parseToken(requestToken(r), h.cfg.JWTSecret)
	if err == nil {
		user, err = h.db.GetUserByID(r.Context(), userID)
	}
	if err != nil {
		h.logger.WithError(err).Warn("unauthenticated websocket connection")
		conn.WriteMessage(gorilla.CloseMessage,
			gorilla.FormatCloseMessage(ws.CloseUnauthorized, "unauthorized"))
		conn.Close()
		return
	}

	client := ws.NewClient(h.hub, conn, user.ID, user.Username, h.service, h.db, h.logger)
	client.Start()
}
