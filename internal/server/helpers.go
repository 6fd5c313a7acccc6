package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"dealroom/internal/ratelimit"
	"dealroom/internal/util"
	"dealroom/pkg/domain"
	"dealroom/pkg/escrow"
	"dealroom/pkg/invite"
	"dealroom/pkg/session"
	"dealroom/pkg/token"
)

const defaultMaxUploadBytes = 10 << 20

// sessionFromRequest authenticates the caller's session token.
func (s *Server) sessionFromRequest(r *http.Request) (domain.RoomSession, bool) {
	tok, ok := sessionToken(r)
	if !ok {
		return domain.RoomSession{}, false
	}
	sess, err := s.registry.ValidateToken(tok)
	if err != nil {
		return domain.RoomSession{}, false
	}
	return sess, true
}

// sessionToken extracts the session token from the Authorization header,
// the X-Session-Token header, or (for websocket/long-poll clients that
// cannot set headers) the token query parameter.
func sessionToken(r *http.Request) (string, bool) {
	if tok, ok := bearerToken(r); ok {
		return tok, true
	}
	if tok := strings.TrimSpace(r.Header.Get("X-Session-Token")); tok != "" {
		return tok, true
	}
	if tok := strings.TrimSpace(r.URL.Query().Get("token")); tok != "" {
		return tok, true
	}
	return "", false
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if tok == "" {
		return "", false
	}
	return tok, true
}

// splitResourcePath splits "/api/rooms/{id}/{action}" into id and action.
func splitResourcePath(path, prefix string) (string, string, bool) {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func decodeBody(r *http.Request, dst any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func parseInt64(raw string, fallback int64) int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func normalizeMaxBytes(v int64) int64 {
	if v <= 0 {
		return defaultMaxUploadBytes
	}
	return v
}

func normalizeExtensions(exts []string) map[string]struct{} {
	out := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out[ext] = struct{}{}
	}
	if len(out) == 0 {
		for _, ext := range []string{".jpg", ".jpeg", ".png", ".webp", ".pdf"} {
			out[ext] = struct{}{}
		}
	}
	return out
}

func (s *Server) extensionAllowed(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return false
	}
	_, ok := s.allowedExtensions[ext]
	return ok
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trusted),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	key := r.URL.Path + "|" + util.ClientIP(r, s.trusted)
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	util.LoggerFromContext(r.Context()).Error(op+" failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrRoomNotFound):
		writeError(w, http.StatusNotFound, "room not found")
	case errors.Is(err, session.ErrSessionConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrInvalidSession):
		writeError(w, http.StatusUnauthorized, "invalid session")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeInviteError(w http.ResponseWriter, err error) {
	var attempt *invite.PinAttemptError
	var locked *invite.PinLockedError
	switch {
	case errors.As(err, &locked):
		writeJSON(w, http.StatusLocked, map[string]any{
			"error":       "pin verification locked",
			"lockedUntil": locked.Until,
		})
	case errors.As(err, &attempt):
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error":             "invalid pin",
			"remainingAttempts": attempt.Remaining,
		})
	case errors.Is(err, invite.ErrPinLocked):
		writeError(w, http.StatusLocked, "pin verification locked")
	case errors.Is(err, invite.ErrPinInvalid):
		writeError(w, http.StatusUnauthorized, "invalid pin")
	case errors.Is(err, invite.ErrPinRequired):
		writeError(w, http.StatusBadRequest, "pin is required")
	case errors.Is(err, invite.ErrJoinTokenExpired):
		writeError(w, http.StatusGone, "join token expired, verify the pin again")
	case errors.Is(err, invite.ErrInvitationExpired), errors.Is(err, token.ErrTokenExpired):
		writeError(w, http.StatusGone, "invitation expired")
	case errors.Is(err, invite.ErrInvitationNotFound):
		writeError(w, http.StatusNotFound, "invitation not found")
	case errors.Is(err, invite.ErrInvalidToken), errors.Is(err, token.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "invalid invitation token")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeEscrowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, escrow.ErrTransactionNotFound), errors.Is(err, escrow.ErrFileNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, escrow.ErrTransactionStateViolation), errors.Is(err, escrow.ErrFileStateViolation):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, escrow.ErrDisputeReasonRequired):
		writeError(w, http.StatusBadRequest, "dispute reason is required")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
