package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/login-nexus/internal/autherr"
	"github.com/pysugar/login-nexus/internal/proxy/middleware"
)

// ListLoginsHandler handles GET /api/logins
func ListLoginsHandler(logins LoginRegistry, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := logins.List(r.Context(), middleware.UserID(r.Context()))
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		selected := ""
		for _, l := range list {
			if l.Selected {
				selected = l.ID
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"logins":   list,
			"count":    len(list),
			"selected": selected,
		})
	}
}

// AuthorizeHandler handles POST /api/logins/authorize
func AuthorizeHandler(flow AuthFlow, logger *slog.Logger) http.HandlerFunc {
	type request struct {
		DisplayName string `json:"display_name"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeBody(r, &req, true); err != nil {
			writeError(w, r, logger, err)
			return
		}
		authURL, err := flow.AuthorizationURL(r.Context(), middleware.UserID(r.Context()), strings.TrimSpace(req.DisplayName))
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"authorization_url": authURL})
	}
}

// SelectLoginHandler handles POST /api/logins/{id}/select
func SelectLoginHandler(logins LoginRegistry, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := logins.Select(r.Context(), middleware.UserID(r.Context()), id); err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "selected": id})
	}
}

// RenameLoginHandler handles PATCH /api/logins/{id}
func RenameLoginHandler(logins LoginRegistry, logger *slog.Logger) http.HandlerFunc {
	type request struct {
		DisplayName string `json:"display_name"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeBody(r, &req, false); err != nil {
			writeError(w, r, logger, err)
			return
		}
		id := chi.URLParam(r, "id")
		name := strings.TrimSpace(req.DisplayName)
		if err := logins.Rename(r.Context(), middleware.UserID(r.Context()), id, name); err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "id": id, "display_name": name})
	}
}

// DeleteLoginHandler handles DELETE /api/logins/{id}
func DeleteLoginHandler(logins LoginRegistry, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := logins.Remove(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// LoginStatusHandler handles GET /api/logins/{id}/status. It obtains a valid
// access token first, refreshing if needed, and reports the resulting state.
// The id "selected" addresses the user's selected login.
func LoginStatusHandler(sessions Sessions, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID := middleware.UserID(ctx)
		id := chi.URLParam(r, "id")
		if id == "selected" {
			id = ""
		}
		if _, err := sessions.AccessToken(ctx, userID, id); err != nil {
			writeError(w, r, logger, err)
			return
		}
		st, err := sessions.Status(ctx, userID, id)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// NicknamesHandler handles GET /api/logins/{id}/nicknames
func NicknamesHandler(logins LoginRegistry, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names, err := logins.Nicknames(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"nicknames": names})
	}
}

// SetNicknameHandler handles PUT /api/logins/{id}/nicknames. An empty label
// removes the nickname.
func SetNicknameHandler(logins LoginRegistry, logger *slog.Logger) http.HandlerFunc {
	type request struct {
		AccountRef string `json:"account_ref"`
		Label      string `json:"label"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeBody(r, &req, false); err != nil {
			writeError(w, r, logger, err)
			return
		}
		if strings.TrimSpace(req.AccountRef) == "" {
			writeError(w, r, logger, autherr.InvalidArgument("account_ref is required"))
			return
		}
		ctx := r.Context()
		userID, id := middleware.UserID(ctx), chi.URLParam(r, "id")
		if err := logins.SetNickname(ctx, userID, id, req.AccountRef, strings.TrimSpace(req.Label)); err != nil {
			writeError(w, r, logger, err)
			return
		}
		names, err := logins.Nicknames(ctx, userID, id)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"nicknames": names})
	}
}

// ClearCachesHandler handles POST /api/caches/clear
func ClearCachesHandler(logins LoginRegistry, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := logins.ClearCaches(r.Context(), middleware.UserID(r.Context())); err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
