package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxgate/voxgate/pkg/core"
	"github.com/voxgate/voxgate/pkg/core/voice/stt"
	"github.com/voxgate/voxgate/pkg/gateway/bots"
	"github.com/voxgate/voxgate/pkg/gateway/config"
	"github.com/voxgate/voxgate/pkg/gateway/conversations"
	"github.com/voxgate/voxgate/pkg/gateway/lifecycle"
	"github.com/voxgate/voxgate/pkg/gateway/metrics"
	"github.com/voxgate/voxgate/pkg/gateway/protocol"
	"github.com/voxgate/voxgate/pkg/gateway/session"
	"github.com/voxgate/voxgate/pkg/gateway/supervise"
	"github.com/voxgate/voxgate/pkg/gateway/tools"
	"github.com/voxgate/voxgate/pkg/store"
)

// WSHandler upgrades /ws connections and runs one conversation per
// socket. The first text frame must be start_conversation; binary
// frames are raw PCM for the transcription stream.
type WSHandler struct {
	Config    config.Config
	Bots      *bots.Registry
	Provider  core.Provider
	STT       stt.Provider
	Tools     *tools.Registry
	Store     store.Store
	Registry  *conversations.Registry
	Reporter  *supervise.Reporter
	Metrics   *metrics.Metrics
	Lifecycle *lifecycle.Lifecycle
	Logger    *slog.Logger
}

func (h WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := h.Logger
	if log == nil {
		log = slog.Default()
	}

	if h.Lifecycle.IsDraining() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		HandshakeTimeout: h.Config.WSHandshakeTimeout,
		// Browser clients connect from arbitrary embedding origins; the
		// start_conversation app check token is the admission control.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(h.Config.WSMaxMessageBytes)

	sender := &wsSender{conn: conn, timeout: h.Config.WSWriteTimeout}

	start, err := h.readStart(conn)
	if err != nil {
		_ = sender.Send(protocol.NewError(err.Error()))
		return
	}

	bot, ok := h.Bots.Get(start.BotID)
	if !ok {
		_ = sender.Send(protocol.NewError("unknown bot " + start.BotID))
		return
	}

	ctx := r.Context()
	conversationID := uuid.NewString()
	log = log.With("conversation_id", conversationID, "bot_id", bot.ID)

	doc := &store.Conversation{
		ID:        conversationID,
		BotID:     bot.ID,
		UserID:    start.InteractingUserID,
		UserName:  start.UserName,
		UserEmail: start.UserEmail,
		Language:  bot.Language,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.Store.Put(ctx, doc); err != nil {
		log.Error("conversation create failed", "error", err)
		_ = sender.Send(protocol.NewError("could not start conversation"))
		return
	}

	chat, err := h.Provider.NewChat(ctx, core.ChatConfig{
		Model:        h.Config.GeminiModel,
		SystemPrompt: bot.SystemPrompt,
		Tools:        h.Tools.Declarations(bot.Tools),
	})
	if err != nil {
		log.Error("chat create failed", "error", err)
		_ = sender.Send(protocol.NewError("could not start conversation"))
		return
	}

	sess := session.New(session.Params{
		ConversationID: conversationID,
		Bot:            bot,
		Chat:           chat,
		Tools:          h.Tools,
		Store:          h.Store,
		Sender:         sender,
		Reporter:       h.Reporter,
		Metrics:        h.Metrics,
		Logger:         log,
		ModelTimeout:   h.Config.ModelCallTimeout,
		ToolTimeout:    h.Config.ToolTimeout,
	})

	unregister := h.Registry.Register(conversationID, conversations.Handle{
		ApplyCorrection: func(message string) error {
			return sess.ApplyCorrection(context.Background(), message)
		},
		ResumeBooking: func(ev store.BookingEvent) error {
			return sess.ResumeBooking(context.Background(), ev)
		},
		Close: func() {
			sender.CloseWith(websocket.CloseServiceRestart, "server restarting")
			conn.Close()
		},
	})
	defer unregister()

	_ = sender.Send(protocol.Info{
		Type:           "info",
		Message:        "conversation started",
		ConversationID: conversationID,
	})
	log.Info("conversation started", "user_id", start.InteractingUserID)

	pingDone := make(chan struct{})
	defer close(pingDone)
	go sender.pingLoop(h.Config.WSPingInterval, pingDone)

	sess.Start(ctx)
	h.readLoop(ctx, conn, sender, sess, bot, log)
	// The request context dies with the socket; the teardown report
	// still has to go out.
	sess.ReportClosed(context.Background())
	log.Info("conversation ended")
}

// readStart waits for the start_conversation frame under the handshake
// deadline.
func (h WSHandler) readStart(conn *websocket.Conn) (protocol.StartConversation, error) {
	_ = conn.SetReadDeadline(time.Now().Add(h.Config.WSHandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return protocol.StartConversation{}, &protocol.DecodeError{
				Code: "bad_request", Message: "expected start_conversation",
			}
		}
		if kind != websocket.TextMessage {
			continue
		}
		msg, err := protocol.DecodeClientMessage(data)
		if err != nil {
			return protocol.StartConversation{}, err
		}
		start, ok := msg.(protocol.StartConversation)
		if !ok {
			return protocol.StartConversation{}, &protocol.DecodeError{
				Code: "bad_request", Message: "first message must be start_conversation",
			}
		}
		if strings.TrimSpace(start.AppCheckToken) == "" {
			return protocol.StartConversation{}, &protocol.DecodeError{
				Code: "unauthorized", Message: "missing app check token",
			}
		}
		return start, nil
	}
}

func (h WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, sender *wsSender, sess *session.Session, bot bots.Bot, log *slog.Logger) {
	var voice *voiceStream
	defer func() {
		if voice != nil {
			voice.close()
		}
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("websocket closed", "error", err)
			}
			return
		}

		if kind == websocket.BinaryMessage {
			if voice != nil {
				if err := voice.sendAudio(data); err != nil {
					log.Warn("audio forward failed", "error", err)
				}
			}
			continue
		}
		if kind != websocket.TextMessage {
			continue
		}

		msg, err := protocol.DecodeClientMessage(data)
		if err != nil {
			_ = sender.Send(protocol.NewError(err.Error()))
			continue
		}

		switch m := msg.(type) {
		case protocol.StartConversation:
			_ = sender.Send(protocol.NewError("conversation already started"))

		case protocol.AudioStart:
			if voice != nil {
				voice.close()
				voice = nil
			}
			lang := m.LanguageCode
			if lang == "" {
				lang = bot.Language
			}
			v, err := h.openVoice(ctx, sender, sess, lang)
			if err != nil {
				log.Error("stt stream open failed", "error", err)
				_ = sender.Send(protocol.NewError("speech recognition unavailable"))
				continue
			}
			voice = v

		case protocol.AudioStop:
			if voice != nil {
				// Finalize flushes the recognizer's last result; the
				// delta goroutine delivers it before close returns. A
				// later audio.start opens a fresh stream.
				if err := voice.stream.Finalize(); err != nil {
					log.Warn("stt finalize failed", "error", err)
				}
				voice.close()
				voice = nil
			}

		case protocol.ItemCreate:
			sess.HandleText(ctx, m.Text())

		case protocol.UserActionPending:
			sess.Pause()

		case protocol.UserActionCompleted:
			sess.HandleUserActionCompleted(ctx, bookingEvent(m.Booking()))
		}
	}
}

// voiceStream couples one STT stream with the goroutine draining its
// deltas into the session.
type voiceStream struct {
	stream stt.Stream
	done   chan struct{}
}

func (h WSHandler) openVoice(ctx context.Context, sender *wsSender, sess *session.Session, language string) (*voiceStream, error) {
	s, err := h.STT.NewStream(ctx, stt.Options{
		Model:      h.Config.STTModel,
		Language:   language,
		Encoding:   "pcm_s16le",
		SampleRate: 16000,
	})
	if err != nil {
		return nil, err
	}
	v := &voiceStream{stream: s, done: make(chan struct{})}
	go func() {
		defer close(v.done)
		for delta := range s.Deltas() {
			_ = sender.Send(protocol.Transcript{
				Type:    "transcript",
				Text:    delta.Text,
				IsFinal: delta.IsFinal,
			})
			if delta.IsFinal {
				sess.HandleTranscript(ctx, delta.Text)
			}
		}
	}()
	return v, nil
}

func (v *voiceStream) sendAudio(data []byte) error {
	return v.stream.SendAudio(data)
}

func (v *voiceStream) close() {
	_ = v.stream.Close()
	<-v.done
}

func bookingEvent(d *protocol.BookingDetails) *store.BookingEvent {
	if d == nil {
		return nil
	}
	return &store.BookingEvent{
		BookingID:    d.BookingID,
		StartTime:    d.StartTime,
		Title:        d.Title,
		InviteeName:  d.InviteeName,
		InviteeEmail: d.InviteeEmail,
		Timezone:     d.Timezone,
	}
}

// wsSender serializes writes to one socket. Gorilla connections support
// a single concurrent writer, and session turns, STT deltas, and the
// ping loop all emit frames.
type wsSender struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	timeout time.Duration
}

func (s *wsSender) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	return s.conn.WriteJSON(v)
}

func (s *wsSender) pingLoop(interval time.Duration, done <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			s.mu.Lock()
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *wsSender) CloseWith(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason))
}
