package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/voxgate/voxgate/pkg/gateway/conversations"
)

const supervisorHeader = "x-supervisor-secret"

// InjectCorrectionHandler lets the supervision side push a correction
// into a live conversation.
type InjectCorrectionHandler struct {
	Secret   string
	Registry *conversations.Registry
	Logger   *slog.Logger
}

type correctionRequest struct {
	ConversationID    string `json:"conversationId"`
	CorrectionMessage string `json:"correctionMessage"`
}

func (h InjectCorrectionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := h.Logger
	if log == nil {
		log = slog.Default()
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	given := strings.TrimSpace(r.Header.Get(supervisorHeader))
	if subtle.ConstantTimeCompare([]byte(given), []byte(h.Secret)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req correctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.ConversationID = strings.TrimSpace(req.ConversationID)
	req.CorrectionMessage = strings.TrimSpace(req.CorrectionMessage)
	if req.ConversationID == "" || req.CorrectionMessage == "" {
		http.Error(w, "conversationId and correctionMessage are required", http.StatusBadRequest)
		return
	}

	handle, ok := h.Registry.Get(req.ConversationID)
	if !ok || handle.ApplyCorrection == nil {
		http.Error(w, "conversation not live", http.StatusNotFound)
		return
	}

	if err := handle.ApplyCorrection(req.CorrectionMessage); err != nil {
		log.Error("correction failed", "conversation_id", req.ConversationID, "error", err)
		http.Error(w, "correction failed", http.StatusInternalServerError)
		return
	}

	log.Info("correction injected", "conversation_id", req.ConversationID)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
