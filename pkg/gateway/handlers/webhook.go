package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/voxgate/voxgate/pkg/gateway/conversations"
	"github.com/voxgate/voxgate/pkg/gateway/metrics"
	"github.com/voxgate/voxgate/pkg/store"
)

const signatureHeader = "X-Signature"

// maxWebhookBody bounds scheduler payloads; real events are a few KB.
const maxWebhookBody = 1 << 20

// BookingWebhookHandler receives scheduling-completed events from the
// external scheduler. Authenticity is an HMAC-SHA256 of the raw body;
// the conversation id rides in the payload metadata or, for schedulers
// that only support custom form questions, in a question answer.
type BookingWebhookHandler struct {
	Secret   string
	Registry *conversations.Registry
	Store    store.Store
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

type webhookPayload struct {
	ConversationID string            `json:"conversationId"`
	Metadata       map[string]string `json:"metadata"`
	Answers        []struct {
		Question string `json:"question"`
		Answer   string `json:"answer"`
	} `json:"answers"`
	Booking struct {
		BookingID    string `json:"bookingId"`
		StartTime    string `json:"startTime"`
		Title        string `json:"title"`
		InviteeName  string `json:"inviteeName"`
		InviteeEmail string `json:"inviteeEmail"`
		Timezone     string `json:"timezone"`
	} `json:"booking"`
}

func (h BookingWebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := h.Logger
	if log == nil {
		log = slog.Default()
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	sig := strings.TrimSpace(r.Header.Get(signatureHeader))
	if sig == "" {
		http.Error(w, "missing signature", http.StatusBadRequest)
		return
	}
	if !validSignature(h.Secret, body, sig) {
		log.Warn("booking webhook signature mismatch")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	conversationID := payload.conversation()
	if conversationID == "" {
		http.Error(w, "missing conversation id", http.StatusBadRequest)
		return
	}

	ev := store.BookingEvent{
		BookingID:    payload.Booking.BookingID,
		StartTime:    payload.Booking.StartTime,
		Title:        payload.Booking.Title,
		InviteeName:  payload.Booking.InviteeName,
		InviteeEmail: payload.Booking.InviteeEmail,
		Timezone:     payload.Booking.Timezone,
	}
	log = log.With("conversation_id", conversationID, "booking_id", ev.BookingID)

	if handle, ok := h.Registry.Get(conversationID); ok && handle.ResumeBooking != nil {
		if err := handle.ResumeBooking(ev); err != nil {
			log.Error("booking resume failed", "error", err)
		} else {
			log.Info("booking delivered to live session")
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	// No live session: stage the event so the client-reported path can
	// pick it up, or a later reconnect can see it.
	h.stagePending(r, conversationID, ev, log)
	w.WriteHeader(http.StatusOK)
}

func (h BookingWebhookHandler) stagePending(r *http.Request, conversationID string, ev store.BookingEvent, log *slog.Logger) {
	if h.Metrics != nil {
		h.Metrics.BookingsResumed.WithLabelValues("webhook", "staged").Inc()
	}
	err := h.Store.Update(r.Context(), conversationID, func(doc *store.Conversation) error {
		doc.PendingBooking = &ev
		return nil
	})
	if err != nil {
		log.Warn("could not stage pending booking", "error", err)
		return
	}
	log.Info("booking staged for offline conversation")
}

func (p webhookPayload) conversation() string {
	if id := strings.TrimSpace(p.ConversationID); id != "" {
		return id
	}
	if id := strings.TrimSpace(p.Metadata["conversationId"]); id != "" {
		return id
	}
	for _, qa := range p.Answers {
		if strings.Contains(strings.ToLower(qa.Question), "conversation") {
			if id := strings.TrimSpace(qa.Answer); id != "" {
				return id
			}
		}
	}
	return ""
}

// validSignature checks an "sha256=<hex>" signature over body with a
// constant-time compare.
func validSignature(secret string, body []byte, header string) bool {
	given, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(strings.TrimSpace(given))), []byte(want))
}
