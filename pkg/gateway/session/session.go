// Package session runs one live conversation: it owns the dialogue turn
// loop, tool dispatch, the paused-for-external-action flag, and the
// supervision reporting for a single client connection.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxgate/voxgate/pkg/core"
	"github.com/voxgate/voxgate/pkg/gateway/bots"
	"github.com/voxgate/voxgate/pkg/gateway/metrics"
	"github.com/voxgate/voxgate/pkg/gateway/protocol"
	"github.com/voxgate/voxgate/pkg/gateway/supervise"
	"github.com/voxgate/voxgate/pkg/gateway/tools"
	"github.com/voxgate/voxgate/pkg/store"
)

// Sender delivers outbound protocol messages to the client. The
// WebSocket handler supplies one; tests substitute a recorder.
type Sender interface {
	Send(v any) error
}

// Follow-up turns triggered by tool results can themselves request
// tools; the chain is capped so a misbehaving model cannot loop.
const maxTurnDepth = 4

const greetingInstruction = "Greet the user briefly in your configured " +
	"language and offer your help. One or two short sentences."

// Params wires a session's collaborators.
type Params struct {
	ConversationID string
	Bot            bots.Bot
	Chat           core.ChatSession
	Tools          *tools.Registry
	Store          store.Store
	Sender         Sender
	Reporter       *supervise.Reporter
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
	ModelTimeout   time.Duration
	ToolTimeout    time.Duration
}

// Session is one live conversation. All entry points serialize on mu:
// the WebSocket read loop, STT transcript delivery, and the registry
// capability calls arriving on HTTP handler goroutines all funnel
// through it, so turn processing is single-threaded per conversation.
type Session struct {
	mu sync.Mutex

	conversationID string
	bot            bots.Bot
	chat           core.ChatSession
	tools          *tools.Registry
	store          store.Store
	sender         Sender
	reporter       *supervise.Reporter
	metrics        *metrics.Metrics
	log            *slog.Logger
	modelTimeout   time.Duration
	toolTimeout    time.Duration

	paused        bool
	midCorrection bool
	// lastToolMisfire records whether the most recent committed
	// activity was a failed tool execution; corrections phrase their
	// instruction differently in that case.
	lastToolMisfire bool

	// pending holds function-response parts owed to the model from
	// silent tool behaviors; they ride along with the next model call.
	pending []core.Part

	// seenCalls dedupes identical function calls within one turn chain.
	seenCalls map[string]bool

	// lastFinalTranscript drops a repeated final STT result, which
	// happens when the recognizer re-finalizes the same utterance or
	// the mic picks up assistant playback.
	lastFinalTranscript string
	lastAssistantText   string

	announced []announcedBooking
}

func New(p Params) *Session {
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	if p.ModelTimeout <= 0 {
		p.ModelTimeout = 60 * time.Second
	}
	if p.ToolTimeout <= 0 {
		p.ToolTimeout = 15 * time.Second
	}
	return &Session{
		conversationID: p.ConversationID,
		bot:            p.Bot,
		chat:           p.Chat,
		tools:          p.Tools,
		store:          p.Store,
		sender:         p.Sender,
		reporter:       p.Reporter,
		metrics:        p.Metrics,
		log:            log.With("conversation_id", p.ConversationID, "bot_id", p.Bot.ID),
		modelTimeout:   p.ModelTimeout,
		toolTimeout:    p.ToolTimeout,
	}
}

// Start produces the opening assistant turn.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SessionsStarted.Inc()
	}
	s.runTurn(ctx, []core.Part{{Text: greetingInstruction}}, 0)
}

// HandleText processes one typed user message.
func (s *Session) HandleText(ctx context.Context, text string) {
	s.handleUserInput(ctx, text, store.SpeakerUserText)
}

// HandleTranscript processes one final speech transcript. Repeats of
// the previous final and echoes of the assistant's own words are
// dropped.
func (s *Session) HandleTranscript(ctx context.Context, text string) {
	trimmed := strings.TrimSpace(text)
	s.mu.Lock()
	echo := strings.EqualFold(trimmed, s.lastFinalTranscript) ||
		strings.EqualFold(trimmed, s.lastAssistantText)
	if !echo {
		s.lastFinalTranscript = trimmed
	}
	s.mu.Unlock()
	if echo {
		s.log.Debug("transcript echo dropped")
		return
	}
	s.handleUserInput(ctx, text, store.SpeakerUserVoice)
}

func (s *Session) handleUserInput(ctx context.Context, text string, speaker store.Speaker) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused {
		// The user is inside an external flow; the model must not talk
		// over it. Dropped inputs get no reply and no error.
		if s.metrics != nil {
			s.metrics.TurnsDroppedPaused.Inc()
		}
		s.log.Debug("input dropped while paused", "speaker", speaker)
		return
	}

	s.appendTurn(ctx, speaker, text)
	s.runTurn(ctx, []core.Part{{Text: text}}, 0)
}

// Pause arms the paused flag from the client side (user_action_pending).
func (s *Session) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Paused reports the current pause flag, for tests and logging.
func (s *Session) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// runTurn executes one model turn: stream the response, forward text
// deltas, honor at most the first function call, commit the final.
// Callers hold mu.
func (s *Session) runTurn(ctx context.Context, parts []core.Part, depth int) {
	if depth == 0 {
		defer func() { s.seenCalls = nil }()
	}
	if depth >= maxTurnDepth {
		s.log.Warn("turn chain depth limit reached")
		return
	}
	if s.metrics != nil {
		s.metrics.TurnsProcessed.Inc()
	}

	// Function responses owed from earlier silent tool behaviors ride
	// along ahead of the new input.
	if len(s.pending) > 0 {
		parts = append(append([]core.Part{}, s.pending...), parts...)
		s.pending = nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.modelTimeout)
	defer cancel()

	stream, err := s.chat.SendMessageStream(callCtx, parts)
	if err != nil {
		s.turnFailed(err)
		return
	}
	defer stream.Close()

	var (
		text       strings.Builder
		call       *core.FunctionCall
		signature  []byte
		responseID string
	)
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.turnFailed(err)
			return
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			s.send(protocol.AssistantDelta{Type: "assistant_delta", Delta: chunk.Text})
		}
		if chunk.ResponseID != "" {
			responseID = chunk.ResponseID
		}
		if len(chunk.ThoughtSignature) > 0 {
			signature = chunk.ThoughtSignature
		}
		if chunk.FunctionCall != nil {
			if call == nil {
				call = chunk.FunctionCall
			} else {
				// One tool per turn; extra calls in the same stream
				// are dropped.
				s.log.Warn("ignoring additional function call in stream",
					"tool", chunk.FunctionCall.Name)
			}
		}
	}

	final := strings.TrimSpace(text.String())

	if call != nil {
		// Commit the preamble before the tool visibly runs, without a
		// supervision report; the tool record covers this turn.
		if final != "" {
			s.commitAssistantFinal(ctx, final, false)
		}
		s.dispatchTool(ctx, call, signature, responseID, final, depth)
		return
	}

	if final == "" {
		return
	}
	s.commitAssistantFinal(ctx, final, true)
	s.lastToolMisfire = false
}

// commitAssistantFinal sends the final text, appends it to the
// transcript, persists, and reports it when supervised.
func (s *Session) commitAssistantFinal(ctx context.Context, text string, supervised bool) {
	s.lastAssistantText = text
	s.send(protocol.AssistantFinal{Type: "assistant_final", Text: text})
	transcript := s.appendTurn(ctx, store.SpeakerAssistant, text)
	if supervised {
		s.reportTurn(transcript, supervise.TurnDetail{Text: text})
	}
}

// appendTurn appends one transcript entry via the store's transactional
// read-modify-write and returns the updated transcript. Persistence
// failures are logged; the conversation continues on the in-memory
// state.
func (s *Session) appendTurn(ctx context.Context, speaker store.Speaker, text string) []store.Turn {
	var transcript []store.Turn
	err := s.store.Update(ctx, s.conversationID, func(doc *store.Conversation) error {
		doc.Transcript = append(doc.Transcript, store.Turn{
			Speaker: speaker,
			Text:    text,
			At:      time.Now().UTC(),
		})
		transcript = doc.Transcript
		return nil
	})
	if err != nil {
		s.log.Error("transcript append failed", "speaker", speaker, "error", err)
	}
	return transcript
}

// reportTurn fires a supervision report unless the bot is unsupervised
// or the session is mid-correction. A correction cycle suppresses
// exactly one report, so the flag is consumed here.
func (s *Session) reportTurn(transcript []store.Turn, detail supervise.TurnDetail) {
	if s.midCorrection {
		s.midCorrection = false
		return
	}
	if !s.bot.Supervised {
		return
	}
	s.reporter.ReportAsync(supervise.TurnReport{
		ConversationID: s.conversationID,
		BotID:          s.bot.ID,
		Transcript:     transcript,
		Turn:           detail,
	}, s.bot.ReportURL)
}

// ReportClosed posts the full transcript once after the client
// disconnects, so the reviewer sees the finished conversation.
func (s *Session) ReportClosed(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.bot.Supervised {
		return
	}
	doc, err := s.store.Get(ctx, s.conversationID)
	if err != nil {
		s.log.Error("transcript load for close report failed", "error", err)
		return
	}
	s.reporter.ReportAsync(supervise.TurnReport{
		ConversationID: s.conversationID,
		BotID:          s.bot.ID,
		Transcript:     doc.Transcript,
		Closed:         true,
	}, s.bot.ReportURL)
}

func (s *Session) turnFailed(err error) {
	s.log.Error("model call failed", "error", err)
	s.send(protocol.NewError("the assistant could not respond, please try again"))
}

func (s *Session) send(v any) {
	if s.sender == nil {
		return
	}
	if err := s.sender.Send(v); err != nil {
		s.log.Debug("client send failed", "error", err)
	}
}
