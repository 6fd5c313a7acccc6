package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"dealroom/internal/ratelimit"
	"dealroom/internal/util"
	"dealroom/pkg/domain"
	"dealroom/pkg/escrow"
	"dealroom/pkg/invite"
	"dealroom/pkg/realtime"
	"dealroom/pkg/session"
	"dealroom/pkg/storage"
	"dealroom/pkg/store"
)

const defaultLongPollWait = 25 * time.Second

// Config wires required dependencies for the HTTP server.
type Config struct {
	Store    store.Store
	Registry *session.Registry
	Guard    *invite.Guard
	Escrow   *escrow.Service
	Hub      *realtime.Hub
	Events   realtime.EventSource
	Objects  storage.ObjectStore

	Redis                  *redis.Client
	JoinRateLimitPerMinute int
	PinRateLimitPerMinute  int

	TrustedProxies    *util.TrustedProxies
	MaxUploadBytes    int64
	AllowedExtensions []string
	LongPollWait      time.Duration
}

// Server exposes the room, invitation and escrow HTTP endpoints.
type Server struct {
	store    store.Store
	registry *session.Registry
	guard    *invite.Guard
	escrow   *escrow.Service
	hub      *realtime.Hub
	events   realtime.EventSource
	objects  storage.ObjectStore

	mux               *http.ServeMux
	upgrader          websocket.Upgrader
	trusted           *util.TrustedProxies
	maxUploadBytes    int64
	allowedExtensions map[string]struct{}
	longPollWait      time.Duration
	joinLimiter       *ratelimit.FixedWindowLimiter
	pinLimiter        *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Registry == nil || cfg.Guard == nil || cfg.Escrow == nil || cfg.Hub == nil {
		return nil, errors.New("server requires store, registry, guard, escrow and hub")
	}
	if cfg.Redis == nil {
		return nil, errors.New("server requires a redis client for rate limiting")
	}
	joinLimit := cfg.JoinRateLimitPerMinute
	if joinLimit <= 0 {
		joinLimit = 30
	}
	pinLimit := cfg.PinRateLimitPerMinute
	if pinLimit <= 0 {
		pinLimit = 10
	}
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "dealroom:ratelimit:" + name
		limiter, err := ratelimit.NewFixedWindowLimiter(cfg.Redis, prefix, limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	joinLimiter, err := newLimiter("join", joinLimit)
	if err != nil {
		return nil, err
	}
	pinLimiter, err := newLimiter("pin", pinLimit)
	if err != nil {
		return nil, err
	}
	events := cfg.Events
	if events == nil {
		events = &realtime.HubSource{Hub: cfg.Hub}
	}
	longPollWait := cfg.LongPollWait
	if longPollWait <= 0 {
		longPollWait = defaultLongPollWait
	}
	s := &Server{
		store:    cfg.Store,
		registry: cfg.Registry,
		guard:    cfg.Guard,
		escrow:   cfg.Escrow,
		hub:      cfg.Hub,
		events:   events,
		objects:  cfg.Objects,
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		trusted:           cfg.TrustedProxies,
		maxUploadBytes:    normalizeMaxBytes(cfg.MaxUploadBytes),
		allowedExtensions: normalizeExtensions(cfg.AllowedExtensions),
		longPollWait:      longPollWait,
		joinLimiter:       joinLimiter,
		pinLimiter:        pinLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler with the middleware stack applied.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithCORS(util.WithRequestID(util.WithRequestLog("dealroom", s.trusted, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/api/metrics", s.handleMetrics)

	s.mux.HandleFunc("/api/rooms", s.handleRooms)
	s.mux.HandleFunc("/api/rooms/", s.handleRoomSubroutes)

	s.mux.HandleFunc("/api/invitations", s.handleCreateInvitation)
	s.mux.HandleFunc("/api/invitations/verify-pin", s.handleVerifyPin)
	s.mux.HandleFunc("/api/invitations/", s.handleInvitationSubroutes)

	s.mux.HandleFunc("/api/transactions", s.handleCreateTransaction)
	s.mux.HandleFunc("/api/transactions/", s.handleTransactionSubroutes)
}

func (s *Server) handleRoomSubroutes(w http.ResponseWriter, r *http.Request) {
	roomID, action, ok := splitResourcePath(r.URL.Path, "/api/rooms/")
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch action {
	case "join":
		s.handleJoin(w, r, roomID)
	case "leave":
		s.handleLeave(w, r)
	case "heartbeat":
		s.handleHeartbeat(w, r)
	case "can-join":
		s.handleCanJoin(w, r, roomID)
	case "messages":
		s.handleMessages(w, r, roomID)
	case "events":
		s.handleEvents(w, r, roomID)
	case "ws":
		s.handleWebSocket(w, r, roomID)
	case "typing":
		s.handleTyping(w, r, roomID)
	case "invitations":
		s.handleRoomInvitations(w, r, roomID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleInvitationSubroutes(w http.ResponseWriter, r *http.Request) {
	invitationID, action, ok := splitResourcePath(r.URL.Path, "/api/invitations/")
	if !ok || action != "accept" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.handleAcceptInvitation(w, r, invitationID)
}

func (s *Server) handleTransactionSubroutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/transactions/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		s.handleGetTransaction(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "files":
		s.handleUploadFile(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "confirm-receipt":
		s.handleConfirmReceipt(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "release-funds":
		s.handleReleaseFunds(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "dispute":
		s.handleDispute(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "cancel":
		s.handleCancel(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "refund":
		s.handleRefund(w, r, parts[0])
	case len(parts) == 4 && parts[1] == "files" && parts[3] == "verify":
		s.handleVerifyFile(w, r, parts[0], parts[2])
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.hub.Metrics())
}

// rooms

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	now := time.Now().UTC()
	room := domain.Room{
		ID:        util.NewID(),
		Title:     strings.TrimSpace(req.Title),
		Status:    domain.RoomFree,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.SaveRoom(room); err != nil {
		s.internalError(w, r, "save room", err)
		return
	}
	s.audit(r, "room.create", "success", "room_id", room.ID)
	writeJSON(w, http.StatusCreated, room)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request, roomID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.joinLimiter, "too many join attempts") {
		s.audit(r, "room.join", "rate_limited")
		return
	}
	var req struct {
		Token             string `json:"token"`
		UserIdentifier    string `json:"userIdentifier"`
		DeviceFingerprint string `json:"deviceFingerprint"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.UserIdentifier) == "" {
		writeError(w, http.StatusBadRequest, "userIdentifier is required")
		return
	}
	// A join token minted by verify-pin is the fast path; the original
	// invitation token still works once its PIN has been verified.
	inv, err := s.guard.ResolveJoinToken(req.Token)
	if errors.Is(err, invite.ErrInvalidToken) {
		inv, err = s.guard.ResolveToken(req.Token)
		if err == nil && inv.AcceptedAt.IsZero() {
			s.audit(r, "room.join", "fail", "reason", "pin_not_verified")
			writeError(w, http.StatusForbidden, "pin verification required before joining")
			return
		}
	}
	if err != nil {
		s.audit(r, "room.join", "fail", "reason", "invalid_token")
		s.writeInviteError(w, err)
		return
	}
	if inv.RoomID != roomID {
		s.audit(r, "room.join", "fail", "reason", "room_mismatch")
		writeError(w, http.StatusForbidden, "invitation is for a different room")
		return
	}
	sess, err := s.registry.RegisterSession(roomID, inv.Role, req.UserIdentifier, req.DeviceFingerprint)
	if err != nil {
		s.audit(r, "room.join", "fail", "reason", err.Error())
		s.writeSessionError(w, err)
		return
	}
	if err := s.guard.MarkAsJoined(inv.ID); err != nil {
		s.internalError(w, r, "mark invitation joined", err)
		return
	}
	s.audit(r, "room.join", "success", "room_id", roomID, "role", string(inv.Role))
	writeJSON(w, http.StatusOK, map[string]any{
		"session":      sess,
		"sessionToken": sess.SessionToken,
	})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	tok, ok := sessionToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.registry.MarkOffline(tok); err != nil {
		s.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	tok, ok := sessionToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.registry.Heartbeat(tok); err != nil {
		s.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCanJoin(w http.ResponseWriter, r *http.Request, roomID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	role := domain.Role(strings.TrimSpace(r.URL.Query().Get("role")))
	user := strings.TrimSpace(r.URL.Query().Get("user"))
	if !role.Valid() || user == "" {
		writeError(w, http.StatusBadRequest, "role and user are required")
		return
	}
	decision, err := s.registry.CanJoinRoom(roomID, role, user)
	if err != nil {
		s.internalError(w, r, "can-join check", err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, roomID string) {
	switch r.Method {
	case http.MethodGet:
		s.handleListMessages(w, r, roomID)
	case http.MethodPost:
		s.handleSendMessage(w, r, roomID)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, roomID string) {
	sess, ok := s.sessionFromRequest(r)
	if !ok || sess.RoomID != roomID {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	after := parseInt64(r.URL.Query().Get("after"), 0)
	limit := int(parseInt64(r.URL.Query().Get("limit"), 100))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	msgs, err := s.store.ListRoomMessagesAfter(roomID, after, limit)
	if err != nil {
		s.internalError(w, r, "list messages", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, roomID string) {
	sess, ok := s.sessionFromRequest(r)
	if !ok || sess.RoomID != roomID {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		Body string            `json:"body"`
		Kind string            `json:"kind"`
		Data map[string]string `json:"data"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Body) == "" && len(req.Data) == 0 {
		writeError(w, http.StatusBadRequest, "message body is required")
		return
	}
	kind := domain.MessageKind(req.Kind)
	if kind == "" {
		kind = domain.KindText
	}
	msg, err := s.hub.SendMessage(roomID, "", domain.RoomMessage{
		SenderRole: sess.Role,
		SenderName: sess.UserIdentifier,
		Body:       req.Body,
		Kind:       kind,
		Data:       req.Data,
	})
	if err != nil {
		s.internalError(w, r, "send message", err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// handleEvents long-polls room event deltas. The response is
// newline-delimited JSON; the final line is always the stream-end sentinel
// carrying the cursor to resume from.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, roomID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	sess, ok := s.sessionFromRequest(r)
	if !ok || sess.RoomID != roomID {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	after := parseInt64(r.URL.Query().Get("after"), 0)
	wait := s.longPollWait
	if v := parseInt64(r.URL.Query().Get("wait"), 0); v > 0 && time.Duration(v)*time.Second < wait {
		wait = time.Duration(v) * time.Second
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	stream, err := s.events.Subscribe(ctx, roomID, sess.UserIdentifier, after)
	if err != nil {
		s.internalError(w, r, "subscribe events", err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for evt := range stream {
		if err := enc.Encode(evt); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, roomID string) {
	sess, ok := s.sessionFromRequest(r)
	if !ok || sess.RoomID != roomID {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.audit(r, "room.ws", "fail", "reason", "upgrade_failed")
		return
	}
	conn := s.hub.RegisterConnection(sess.UserIdentifier, roomID, "")
	client := realtime.NewClient(s.hub, conn, ws, sess.Role, sess.UserIdentifier, util.LoggerFromContext(r.Context()))
	go client.WritePump()
	go client.ReadPump()
}

func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request, roomID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	sess, ok := s.sessionFromRequest(r)
	if !ok || sess.RoomID != roomID {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	s.hub.SendTypingIndicator(roomID, "", sess.Role, sess.UserIdentifier)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRoomInvitations(w http.ResponseWriter, r *http.Request, roomID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	sess, ok := s.sessionFromRequest(r)
	if !ok || sess.RoomID != roomID {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if sess.Role != domain.RoleModerator {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	invitations, err := s.guard.Invitations(roomID)
	if err != nil {
		s.internalError(w, r, "list invitations", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invitations": invitations})
}

// invitations

func (s *Server) handleCreateInvitation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	sess, ok := s.sessionFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if sess.Role != domain.RoleModerator {
		writeError(w, http.StatusForbidden, "only the moderator can invite")
		return
	}
	var req struct {
		RoomID   string `json:"roomId"`
		Email    string `json:"email"`
		Role     string `json:"role"`
		TTLHours int    `json:"ttlHours"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ttl := time.Duration(req.TTLHours) * time.Hour
	inv, pin, err := s.guard.CreateInvitation(req.RoomID, sess.UserIdentifier, req.Email, domain.Role(req.Role), ttl)
	if err != nil {
		s.audit(r, "invitation.create", "fail", "reason", err.Error())
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.audit(r, "invitation.create", "success", "room_id", req.RoomID, "invitation_id", inv.ID)
	// The PIN is returned exactly once; only its hash is stored.
	writeJSON(w, http.StatusCreated, map[string]any{
		"invitation": inv,
		"token":      inv.EncryptedToken,
		"pin":        pin,
	})
}

func (s *Server) handleVerifyPin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.pinLimiter, "too many pin attempts") {
		s.audit(r, "invitation.verify_pin", "rate_limited")
		return
	}
	var req struct {
		Token string `json:"token"`
		Pin   string `json:"pin"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	inv, err := s.guard.ResolveToken(req.Token)
	if err != nil {
		s.audit(r, "invitation.verify_pin", "fail", "reason", "invalid_token")
		s.writeInviteError(w, err)
		return
	}
	if err := s.guard.VerifyPin(inv.ID, req.Pin); err != nil {
		s.audit(r, "invitation.verify_pin", "fail", "invitation_id", inv.ID)
		s.writeInviteError(w, err)
		return
	}
	accepted, err := s.guard.Accept(inv.ID, inv.InviteeEmail, util.ClientIP(r, s.trusted), r.UserAgent())
	if err != nil {
		s.internalError(w, r, "accept invitation", err)
		return
	}
	joinToken, err := s.guard.IssueJoinToken(accepted)
	if err != nil {
		s.internalError(w, r, "issue join token", err)
		return
	}
	s.audit(r, "invitation.verify_pin", "success", "invitation_id", inv.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"invitation": accepted,
		"joinToken":  joinToken,
	})
}

func (s *Server) handleAcceptInvitation(w http.ResponseWriter, r *http.Request, invitationID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		User string `json:"user"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	inv, err := s.guard.Accept(invitationID, req.User, util.ClientIP(r, s.trusted), r.UserAgent())
	if err != nil {
		s.writeInviteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invitation": inv})
}

// transactions

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	sess, ok := s.sessionFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if sess.Role != domain.RoleModerator {
		writeError(w, http.StatusForbidden, "only the moderator can open a transaction")
		return
	}
	var req struct {
		RoomID   string `json:"roomId"`
		BuyerID  string `json:"buyerId"`
		SellerID string `json:"sellerId"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.RoomID != sess.RoomID {
		s.audit(r, "transaction.create", "fail", "reason", "room_mismatch")
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	tx, err := s.escrow.CreateTransaction(req.RoomID, req.BuyerID, req.SellerID, req.Amount, req.Currency)
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	s.audit(r, "transaction.create", "success", "transaction_id", tx.ID, "room_id", tx.RoomID)
	writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request, txID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	sess, ok := s.sessionFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if _, ok := s.bindTransaction(w, r, sess, txID, "transaction.view"); !ok {
		return
	}
	view, err := s.escrow.Projection(txID)
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request, txID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	sess, ok := s.sessionFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if s.objects == nil {
		writeError(w, http.StatusServiceUnavailable, "file storage is not configured")
		return
	}
	tx, ok := s.bindTransaction(w, r, sess, txID, "transaction.file.upload")
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
		return
	}
	fileType := domain.FileType(strings.TrimSpace(r.FormValue("type")))
	switch fileType {
	case domain.FilePaymentProof:
		if sess.Role != domain.RoleBuyer || sess.UserIdentifier != tx.BuyerID {
			s.audit(r, "transaction.file.upload", "fail", "reason", "not_buyer", "transaction_id", txID)
			writeError(w, http.StatusForbidden, "only the buyer can upload a payment proof")
			return
		}
	case domain.FileShippingReceipt:
		if sess.Role != domain.RoleSeller || sess.UserIdentifier != tx.SellerID {
			s.audit(r, "transaction.file.upload", "fail", "reason", "not_seller", "transaction_id", txID)
			writeError(w, http.StatusForbidden, "only the seller can upload a shipping receipt")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "type must be payment_proof or shipping_receipt")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()
	if !s.extensionAllowed(header.Filename) {
		writeError(w, http.StatusBadRequest, "file extension not allowed")
		return
	}

	key := storage.ProofKey(txID, fileType, util.NewID(), header.Filename)
	contentType := header.Header.Get("Content-Type")
	if err := s.objects.Put(r.Context(), key, file, header.Size, contentType); err != nil {
		s.internalError(w, r, "store proof object", err)
		return
	}

	var tf domain.TransactionFile
	switch fileType {
	case domain.FilePaymentProof:
		tx, tf, err = s.escrow.UploadPaymentProof(txID, sess.UserIdentifier, key)
	default:
		tx, tf, err = s.escrow.UploadShippingReceipt(txID, sess.UserIdentifier, key)
	}
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	s.audit(r, "transaction.file.upload", "success", "transaction_id", txID, "file_id", tf.ID, "type", string(fileType))
	writeJSON(w, http.StatusCreated, map[string]any{"transaction": tx, "file": tf})
}

func (s *Server) handleVerifyFile(w http.ResponseWriter, r *http.Request, txID, fileID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	sess, ok := s.sessionFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if sess.Role != domain.RoleModerator {
		writeError(w, http.StatusForbidden, "only the moderator can verify proofs")
		return
	}
	if _, ok := s.bindTransaction(w, r, sess, txID, "transaction.file.verify"); !ok {
		return
	}
	var req struct {
		Approve bool   `json:"approve"`
		Reason  string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	tx, tf, err := s.escrow.VerifyFile(txID, fileID, sess.UserIdentifier, req.Approve, req.Reason)
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	s.audit(r, "transaction.file.verify", "success", "transaction_id", txID, "file_id", fileID, "approved", req.Approve)
	writeJSON(w, http.StatusOK, map[string]any{"transaction": tx, "file": tf})
}

func (s *Server) handleConfirmReceipt(w http.ResponseWriter, r *http.Request, txID string) {
	s.transitionHandler(w, r, txID, domain.RoleBuyer, func(sess domain.RoomSession) (domain.Transaction, error) {
		return s.escrow.ConfirmReceipt(txID, sess.UserIdentifier)
	}, "transaction.confirm_receipt")
}

func (s *Server) handleReleaseFunds(w http.ResponseWriter, r *http.Request, txID string) {
	s.transitionHandler(w, r, txID, domain.RoleModerator, func(sess domain.RoomSession) (domain.Transaction, error) {
		return s.escrow.ReleaseFunds(txID, sess.UserIdentifier)
	}, "transaction.release_funds")
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request, txID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	sess, ok := s.sessionFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	bound, ok := s.bindTransaction(w, r, sess, txID, "transaction.dispute")
	if !ok {
		return
	}
	if !transactionParty(sess, bound) {
		s.audit(r, "transaction.dispute", "fail", "reason", "not_a_party", "transaction_id", txID)
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	tx, err := s.escrow.Dispute(txID, sess.UserIdentifier, req.Reason)
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	s.audit(r, "transaction.dispute", "success", "transaction_id", txID)
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, txID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	sess, ok := s.sessionFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	bound, ok := s.bindTransaction(w, r, sess, txID, "transaction.cancel")
	if !ok {
		return
	}
	if !transactionParty(sess, bound) {
		s.audit(r, "transaction.cancel", "fail", "reason", "not_a_party", "transaction_id", txID)
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	var req struct {
		Note string `json:"note"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	tx, err := s.escrow.Cancel(txID, sess.UserIdentifier, req.Note)
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	s.audit(r, "transaction.cancel", "success", "transaction_id", txID)
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request, txID string) {
	s.transitionHandler(w, r, txID, domain.RoleModerator, func(sess domain.RoomSession) (domain.Transaction, error) {
		return s.escrow.Refund(txID, sess.UserIdentifier)
	}, "transaction.refund")
}

// bindTransaction loads the transaction and rejects sessions from another
// room. Every transaction endpoint goes through it so a valid session token
// never grants access to a trade outside its own room.
func (s *Server) bindTransaction(w http.ResponseWriter, r *http.Request, sess domain.RoomSession, txID, event string) (domain.Transaction, bool) {
	tx, ok, err := s.store.GetTransaction(txID)
	if err != nil {
		s.internalError(w, r, "get transaction", err)
		return domain.Transaction{}, false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return domain.Transaction{}, false
	}
	if tx.RoomID != sess.RoomID {
		s.audit(r, event, "fail", "reason", "room_mismatch", "transaction_id", txID)
		writeError(w, http.StatusForbidden, "forbidden")
		return domain.Transaction{}, false
	}
	return tx, true
}

// transactionParty reports whether the session may act on the transaction.
// The room's moderator always may; buyer and seller only on their own trade.
func transactionParty(sess domain.RoomSession, tx domain.Transaction) bool {
	switch sess.Role {
	case domain.RoleModerator:
		return true
	case domain.RoleBuyer:
		return sess.UserIdentifier == tx.BuyerID
	case domain.RoleSeller:
		return sess.UserIdentifier == tx.SellerID
	default:
		return false
	}
}

func (s *Server) transitionHandler(w http.ResponseWriter, r *http.Request, txID string, requiredRole domain.Role, apply func(domain.RoomSession) (domain.Transaction, error), event string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	sess, ok := s.sessionFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if sess.Role != requiredRole {
		s.audit(r, event, "fail", "reason", "forbidden")
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	bound, ok := s.bindTransaction(w, r, sess, txID, event)
	if !ok {
		return
	}
	if !transactionParty(sess, bound) {
		s.audit(r, event, "fail", "reason", "not_a_party", "transaction_id", txID)
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	tx, err := apply(sess)
	if err != nil {
		s.audit(r, event, "fail", "reason", err.Error())
		s.writeEscrowError(w, err)
		return
	}
	s.audit(r, event, "success", "transaction_id", tx.ID)
	writeJSON(w, http.StatusOK, tx)
}
