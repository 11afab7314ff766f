package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/platanus-hack/platanus-hack-25-team-6/internal/store"
)

// handlePushRegister registers a device push token for the caller's phone.
// Trusted contacts register here so alerts can reach them by push.
func (r *Router) handlePushRegister(w http.ResponseWriter, req *http.Request) {
	user := getAuthUser(req.Context())
	if user == nil {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var body struct {
		Token    string `json:"token"`
		Platform string `json:"platform"`
	}

	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}

	if body.Token == "" {
		http.Error(w, `{"error": "token is required"}`, http.StatusBadRequest)
		return
	}

	if body.Platform != "ios" {
		http.Error(w, `{"error": "platform must be 'ios'"}`, http.StatusBadRequest)
		return
	}

	if !isValidE164(user.Phone) {
		http.Error(w, `{"error": "token has no valid phone"}`, http.StatusBadRequest)
		return
	}

	if r.store == nil {
		http.Error(w, `{"error": "storage not configured"}`, http.StatusServiceUnavailable)
		return
	}

	if err := r.store.RegisterPushToken(req.Context(), user.Phone, body.Token, body.Platform); err != nil {
		r.logger.Error("failed to register push token", zap.Error(err))
		http.Error(w, `{"error": "failed to register token"}`, http.StatusInternalServerError)
		return
	}

	r.logger.Info("push token registered", zap.String("platform", body.Platform), zap.String("phone", user.Phone))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handlePushUnregister removes a device push token
func (r *Router) handlePushUnregister(w http.ResponseWriter, req *http.Request) {
	user := getAuthUser(req.Context())
	if user == nil {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var body struct {
		Token string `json:"token"`
	}

	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}

	if body.Token == "" {
		http.Error(w, `{"error": "token is required"}`, http.StatusBadRequest)
		return
	}

	if r.store == nil {
		http.Error(w, `{"error": "storage not configured"}`, http.StatusServiceUnavailable)
		return
	}

	if err := r.store.UnregisterPushToken(req.Context(), body.Token); err != nil {
		r.logger.Error("failed to unregister push token", zap.Error(err))
		http.Error(w, `{"error": "failed to unregister token"}`, http.StatusInternalServerError)
		return
	}

	r.logger.Info("push token unregistered", zap.String("phone", user.Phone))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handlePushDevices lists the devices registered for the caller's phone.
func (r *Router) handlePushDevices(w http.ResponseWriter, req *http.Request) {
	user := getAuthUser(req.Context())
	if user == nil {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if r.store == nil {
		http.Error(w, `{"error": "storage not configured"}`, http.StatusServiceUnavailable)
		return
	}

	tokens, err := r.store.GetPushTokens(req.Context(), user.Phone)
	if err != nil {
		r.logger.Error("failed to list push tokens", zap.Error(err))
		http.Error(w, `{"error": "failed to list devices"}`, http.StatusInternalServerError)
		return
	}
	if tokens == nil {
		tokens = []store.DevicePushToken{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": tokens, "count": len(tokens)})
}
