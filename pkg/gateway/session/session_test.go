package session

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxgate/voxgate/pkg/core"
	"github.com/voxgate/voxgate/pkg/gateway/bots"
	"github.com/voxgate/voxgate/pkg/gateway/protocol"
	"github.com/voxgate/voxgate/pkg/gateway/supervise"
	"github.com/voxgate/voxgate/pkg/gateway/tools"
	"github.com/voxgate/voxgate/pkg/store"
)

type fakeStream struct {
	chunks []core.Chunk
	i      int
}

func (f *fakeStream) Next() (core.Chunk, error) {
	if f.i >= len(f.chunks) {
		return core.Chunk{}, io.EOF
	}
	c := f.chunks[f.i]
	f.i++
	return c, nil
}

func (f *fakeStream) Close() error { return nil }

// fakeChat replays scripted responses and records every request's parts.
type fakeChat struct {
	mu     sync.Mutex
	calls  [][]core.Part
	script [][]core.Chunk
}

func (f *fakeChat) SendMessageStream(ctx context.Context, parts []core.Part) (core.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, parts)
	if len(f.script) == 0 {
		return &fakeStream{}, nil
	}
	chunks := f.script[0]
	f.script = f.script[1:]
	return &fakeStream{chunks: chunks}, nil
}

func (f *fakeChat) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recorder struct {
	mu   sync.Mutex
	msgs []any
}

func (r *recorder) Send(v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, v)
	return nil
}

func (r *recorder) all() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any{}, r.msgs...)
}

func (r *recorder) typed(typ string) (count int) {
	for _, m := range r.all() {
		switch v := m.(type) {
		case protocol.AssistantFinal:
			if typ == "assistant_final" {
				_ = v
				count++
			}
		case protocol.BookingCompleted:
			if typ == "booking_completed" {
				count++
			}
		case protocol.ToolExecutionStart:
			if typ == "tool_execution_start" {
				count++
			}
		case protocol.Error:
			if typ == "error" {
				count++
			}
		}
	}
	return count
}

func newTestSession(t *testing.T, chat *fakeChat, reg *tools.Registry, bot bots.Bot) (*Session, *recorder, store.Store) {
	t.Helper()
	st := store.NewMemory()
	rec := &recorder{}
	if err := st.Put(context.Background(), &store.Conversation{ID: "conv1", BotID: bot.ID}); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	s := New(Params{
		ConversationID: "conv1",
		Bot:            bot,
		Chat:           chat,
		Tools:          reg,
		Store:          st,
		Sender:         rec,
		ModelTimeout:   time.Second,
		ToolTimeout:    time.Second,
	})
	return s, rec, st
}

func textScript(lines ...string) [][]core.Chunk {
	var script [][]core.Chunk
	for _, l := range lines {
		script = append(script, []core.Chunk{{Text: l}})
	}
	return script
}

func TestGreetingTurn(t *testing.T) {
	chat := &fakeChat{script: textScript("Hello! How can I help?")}
	s, rec, st := newTestSession(t, chat, tools.NewRegistry(), bots.DefaultBot())

	s.Start(context.Background())

	if got := rec.typed("assistant_final"); got != 1 {
		t.Fatalf("assistant_final count=%d, want 1", got)
	}
	doc, err := st.Get(context.Background(), "conv1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(doc.Transcript) != 1 || doc.Transcript[0].Speaker != store.SpeakerAssistant {
		t.Fatalf("transcript=%+v, want one assistant turn", doc.Transcript)
	}
}

func TestPausedSessionDropsInputSilently(t *testing.T) {
	chat := &fakeChat{}
	s, rec, _ := newTestSession(t, chat, tools.NewRegistry(), bots.DefaultBot())

	s.Pause()
	s.HandleText(context.Background(), "are you there?")
	s.HandleTranscript(context.Background(), "hello?")

	if n := chat.callCount(); n != 0 {
		t.Fatalf("model called %d times while paused, want 0", n)
	}
	if msgs := rec.all(); len(msgs) != 0 {
		t.Fatalf("client got %d messages while paused, want 0", len(msgs))
	}
	if !s.Paused() {
		t.Fatal("pause flag cleared without a resume trigger")
	}
}

func TestOnlyFirstFunctionCallHonored(t *testing.T) {
	var executed []string
	var mu sync.Mutex
	mkTool := func(name string) tools.Tool {
		return tools.Tool{
			Declaration: core.Declaration{Name: name},
			Behavior:    tools.BehaviorSilentComplete,
			ActionType:  "navigation",
			Handler: func(ctx context.Context, call tools.Call) (tools.Result, error) {
				mu.Lock()
				executed = append(executed, name)
				mu.Unlock()
				return tools.Result{Status: tools.StatusSuccess, Payload: map[string]any{"ok": true}}, nil
			},
		}
	}
	chat := &fakeChat{script: [][]core.Chunk{{
		{Text: "One moment. "},
		{FunctionCall: &core.FunctionCall{ID: "c1", Name: "first_tool"}},
		{FunctionCall: &core.FunctionCall{ID: "c2", Name: "second_tool"}},
		{Text: "There we go."},
	}}}
	s, rec, _ := newTestSession(t, chat,
		tools.NewRegistry(mkTool("first_tool"), mkTool("second_tool")),
		bots.DefaultBot())

	s.HandleText(context.Background(), "do both things")

	if len(executed) != 1 || executed[0] != "first_tool" {
		t.Fatalf("executed=%v, want just first_tool", executed)
	}
	// Text arriving after the function-call fragment is committed as
	// the interim final before the tool runs.
	var finalIdx, startIdx = -1, -1
	for i, m := range rec.all() {
		switch v := m.(type) {
		case protocol.AssistantFinal:
			if finalIdx == -1 {
				finalIdx = i
				if !strings.Contains(v.Text, "There we go.") {
					t.Fatalf("interim final %q lost post-call text", v.Text)
				}
			}
		case protocol.ToolExecutionStart:
			startIdx = i
		}
	}
	if finalIdx == -1 || startIdx == -1 || finalIdx > startIdx {
		t.Fatalf("final at %d, tool start at %d: preamble must commit first", finalIdx, startIdx)
	}
}

func TestDuplicateCallInTurnChainIgnored(t *testing.T) {
	var executions int
	searchTool := tools.Tool{
		Declaration: core.Declaration{Name: "search_knowledge_base"},
		Behavior:    tools.BehaviorDataReturning,
		ActionType:  "search",
		Handler: func(ctx context.Context, call tools.Call) (tools.Result, error) {
			executions++
			return tools.Result{Status: tools.StatusSuccess, Payload: map[string]any{"results": []string{"x"}}}, nil
		},
	}
	sameCall := core.FunctionCall{ID: "c1", Name: "search_knowledge_base", Args: map[string]any{"query": "hours"}}
	chat := &fakeChat{script: [][]core.Chunk{
		{{FunctionCall: &sameCall}},
		// The follow-up turn re-emits the identical call.
		{{FunctionCall: &sameCall}},
	}}
	s, _, _ := newTestSession(t, chat, tools.NewRegistry(searchTool), bots.DefaultBot())

	s.HandleText(context.Background(), "when are you open")

	if executions != 1 {
		t.Fatalf("tool ran %d times, want 1 (re-emitted call must dedupe)", executions)
	}
}

func TestSchedulingPausesAndNextInputDropped(t *testing.T) {
	chat := &fakeChat{script: [][]core.Chunk{
		{
			{Text: "Sure, let me open the scheduler."},
			{FunctionCall: &core.FunctionCall{ID: "c1", Name: "schedule_appointment"}},
		},
	}}
	reg := tools.NewRegistry(tools.NewScheduleAppointment("https://cal.example/w"))
	s, rec, _ := newTestSession(t, chat, reg, bots.DefaultBot())

	s.HandleText(context.Background(), "book me an appointment")

	if !s.Paused() {
		t.Fatal("schedule_appointment must arm the pause flag")
	}
	var gotAction bool
	for _, m := range rec.all() {
		if a, ok := m.(protocol.ScheduleAppointmentAction); ok {
			gotAction = true
			if !strings.Contains(a.URL, "conversationId=conv1") {
				t.Fatalf("action url %q missing conversation id", a.URL)
			}
		}
	}
	if !gotAction {
		t.Fatal("no schedule_appointment_action sent")
	}

	before := chat.callCount()
	s.HandleText(context.Background(), "hello?")
	if chat.callCount() != before {
		t.Fatal("input while paused reached the model")
	}
}

func TestWebhookResumeNarratesFormattedDate(t *testing.T) {
	chat := &fakeChat{script: textScript("You're booked for Tuesday!")}
	s, rec, _ := newTestSession(t, chat, tools.NewRegistry(), bots.DefaultBot())
	s.Pause()

	ev := store.BookingEvent{
		BookingID: "bk1",
		StartTime: "2026-09-01T14:30:00Z",
		Title:     "Consultation",
	}
	if err := s.ResumeBooking(context.Background(), ev); err != nil {
		t.Fatalf("resume: %v", err)
	}

	if s.Paused() {
		t.Fatal("pause flag still set after webhook resume")
	}
	if got := rec.typed("booking_completed"); got != 1 {
		t.Fatalf("booking_completed count=%d, want 1", got)
	}
	parts := chat.calls[len(chat.calls)-1]
	if len(parts) == 0 || !strings.Contains(parts[0].Text, "Tuesday, September 1, 2026") {
		t.Fatalf("resume instruction %q missing formatted date", parts[0].Text)
	}
}

func TestResumeRaceConvergesOnOneAnnouncement(t *testing.T) {
	ev := store.BookingEvent{BookingID: "bk1", StartTime: "2026-09-01T14:30:00Z"}

	t.Run("webhook first", func(t *testing.T) {
		chat := &fakeChat{script: textScript("Booked!", "unexpected")}
		s, rec, _ := newTestSession(t, chat, tools.NewRegistry(), bots.DefaultBot())
		s.Pause()

		_ = s.ResumeBooking(context.Background(), ev)
		s.HandleUserActionCompleted(context.Background(), &ev)

		if got := rec.typed("booking_completed"); got != 1 {
			t.Fatalf("booking_completed count=%d, want 1", got)
		}
		if chat.callCount() != 1 {
			t.Fatalf("model called %d times, want 1", chat.callCount())
		}
	})

	t.Run("client first", func(t *testing.T) {
		chat := &fakeChat{script: textScript("Booked!", "unexpected")}
		s, rec, _ := newTestSession(t, chat, tools.NewRegistry(), bots.DefaultBot())
		s.Pause()

		s.HandleUserActionCompleted(context.Background(), &ev)
		_ = s.ResumeBooking(context.Background(), ev)

		if got := rec.typed("booking_completed"); got != 1 {
			t.Fatalf("booking_completed count=%d, want 1", got)
		}
		if chat.callCount() != 1 {
			t.Fatalf("model called %d times, want 1", chat.callCount())
		}
	})
}

func TestIdentifierlessBookingDedupesByTimeWindow(t *testing.T) {
	chat := &fakeChat{script: textScript("Booked!", "unexpected")}
	s, rec, _ := newTestSession(t, chat, tools.NewRegistry(), bots.DefaultBot())
	s.Pause()

	_ = s.ResumeBooking(context.Background(), store.BookingEvent{StartTime: "2026-09-01T14:30:00Z"})
	// Same event re-delivered seconds later with a slightly different
	// start timestamp and still no identifier.
	_ = s.ResumeBooking(context.Background(), store.BookingEvent{StartTime: "2026-09-01T14:32:00Z"})

	if got := rec.typed("booking_completed"); got != 1 {
		t.Fatalf("booking_completed count=%d, want 1", got)
	}
}

func TestClientReportedAbandonment(t *testing.T) {
	chat := &fakeChat{script: textScript("No problem, maybe later.")}
	s, _, _ := newTestSession(t, chat, tools.NewRegistry(), bots.DefaultBot())
	s.Pause()

	s.HandleUserActionCompleted(context.Background(), nil)

	if s.Paused() {
		t.Fatal("pause flag still set after abandonment")
	}
	parts := chat.calls[0]
	if len(parts) == 0 || !strings.Contains(parts[0].Text, "without booking") {
		t.Fatalf("abandonment instruction %q", parts[0].Text)
	}
}

func TestCorrectionSuppressesExactlyNextReport(t *testing.T) {
	var mu sync.Mutex
	var reports []supervise.TurnReport
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rep supervise.TurnReport
		_ = json.NewDecoder(r.Body).Decode(&rep)
		mu.Lock()
		reports = append(reports, rep)
		mu.Unlock()
	}))
	defer srv.Close()

	bot := bots.DefaultBot()
	bot.Supervised = true
	bot.ReportURL = srv.URL

	chat := &fakeChat{script: textScript("Wrong answer.", "Sorry, corrected answer.", "Next answer.")}
	s, _, _ := newTestSession(t, chat, tools.NewRegistry(), bot)
	s.reporter = &supervise.Reporter{HTTPClient: srv.Client()}

	waitReports := func(want int) {
		deadline := time.Now().Add(2 * time.Second)
		for {
			mu.Lock()
			n := len(reports)
			mu.Unlock()
			if n >= want || time.Now().After(deadline) {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	s.HandleText(context.Background(), "question")
	waitReports(1)
	mu.Lock()
	if len(reports) != 1 {
		mu.Unlock()
		t.Fatalf("reports=%d after normal turn, want 1", len(reports))
	}
	mu.Unlock()

	// The corrected narration must not be reported back.
	if err := s.ApplyCorrection(context.Background(), "the price is 20, not 10"); err != nil {
		t.Fatalf("correction: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	if len(reports) != 1 {
		mu.Unlock()
		t.Fatalf("reports=%d after correction, want still 1", len(reports))
	}
	mu.Unlock()

	// Supervision resumes on the turn after that.
	s.HandleText(context.Background(), "next question")
	waitReports(2)
	mu.Lock()
	defer mu.Unlock()
	if len(reports) != 2 {
		t.Fatalf("reports=%d after followup turn, want 2", len(reports))
	}
}

func TestCorrectionAppendsSupervisorTurn(t *testing.T) {
	chat := &fakeChat{script: textScript("Corrected.")}
	s, _, st := newTestSession(t, chat, tools.NewRegistry(), bots.DefaultBot())

	if err := s.ApplyCorrection(context.Background(), "fix it"); err != nil {
		t.Fatalf("correction: %v", err)
	}

	doc, err := st.Get(context.Background(), "conv1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var found bool
	for _, turn := range doc.Transcript {
		if turn.Speaker == store.SpeakerSupervisor && turn.Text == "fix it" {
			found = true
		}
	}
	if !found {
		t.Fatalf("transcript=%+v, want a supervisor turn", doc.Transcript)
	}
}

func TestSilentPartialResponseRidesNextModelCall(t *testing.T) {
	chat := &fakeChat{script: [][]core.Chunk{
		{
			{Text: "Opening the scheduler."},
			{FunctionCall: &core.FunctionCall{ID: "c1", Name: "schedule_appointment"}},
		},
		{{Text: "You're all set!"}},
	}}
	reg := tools.NewRegistry(tools.NewScheduleAppointment("https://cal.example/w"))
	s, _, _ := newTestSession(t, chat, reg, bots.DefaultBot())

	s.HandleText(context.Background(), "book me in")
	if chat.callCount() != 1 {
		t.Fatalf("silent-partial must not trigger an immediate follow-up, calls=%d", chat.callCount())
	}

	_ = s.ResumeBooking(context.Background(), store.BookingEvent{BookingID: "bk1"})

	parts := chat.calls[1]
	if len(parts) < 2 || parts[0].FunctionResponse == nil {
		t.Fatalf("resume call parts=%+v, want stashed function response first", parts)
	}
	if parts[0].FunctionResponse.Name != "schedule_appointment" {
		t.Fatalf("stashed response for %q", parts[0].FunctionResponse.Name)
	}
}

func TestTranscriptEchoDropped(t *testing.T) {
	chat := &fakeChat{script: textScript("Answer one.", "Answer two.")}
	s, _, _ := newTestSession(t, chat, tools.NewRegistry(), bots.DefaultBot())

	s.HandleTranscript(context.Background(), "what time is it")
	s.HandleTranscript(context.Background(), "What time is it")
	if chat.callCount() != 1 {
		t.Fatalf("model calls=%d, want repeated final dropped", chat.callCount())
	}

	// Mic picking up the assistant's own playback.
	s.HandleTranscript(context.Background(), "Answer one.")
	if chat.callCount() != 1 {
		t.Fatalf("model calls=%d, want assistant echo dropped", chat.callCount())
	}

	s.HandleTranscript(context.Background(), "something new")
	if chat.callCount() != 2 {
		t.Fatalf("model calls=%d, want new utterance processed", chat.callCount())
	}
}

func TestModelFailureKeepsSessionUsable(t *testing.T) {
	chat := &fakeChat{}
	s, rec, _ := newTestSession(t, chat, tools.NewRegistry(), bots.DefaultBot())
	s.chat = &failingChat{}

	s.HandleText(context.Background(), "hello")
	if got := rec.typed("error"); got != 1 {
		t.Fatalf("error count=%d, want 1", got)
	}

	s.chat = chat
	chat.script = textScript("Recovered.")
	s.HandleText(context.Background(), "hello again")
	if got := rec.typed("assistant_final"); got != 1 {
		t.Fatalf("assistant_final count=%d after recovery, want 1", got)
	}
}

type failingChat struct{}

func (f *failingChat) SendMessageStream(ctx context.Context, parts []core.Part) (core.Stream, error) {
	return nil, context.DeadlineExceeded
}

func TestTranscriptAppendOnly(t *testing.T) {
	chat := &fakeChat{script: textScript("One.", "Two.", "Three.")}
	s, _, st := newTestSession(t, chat, tools.NewRegistry(), bots.DefaultBot())

	var lengths []int
	for _, input := range []string{"a", "b", "c"} {
		s.HandleText(context.Background(), input)
		doc, err := st.Get(context.Background(), "conv1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		lengths = append(lengths, len(doc.Transcript))
	}
	for i := 1; i < len(lengths); i++ {
		if lengths[i] <= lengths[i-1] {
			t.Fatalf("transcript shrank: lengths=%v", lengths)
		}
	}
}

func TestUnregisteredToolFedBackToModel(t *testing.T) {
	chat := &fakeChat{script: [][]core.Chunk{
		{{FunctionCall: &core.FunctionCall{ID: "c1", Name: "teleport"}}},
		{{Text: "I can't do that, sorry."}},
	}}
	s, rec, _ := newTestSession(t, chat, tools.NewRegistry(), bots.DefaultBot())

	s.HandleText(context.Background(), "teleport me")

	if chat.callCount() != 2 {
		t.Fatalf("model calls=%d, want 2 (error fed back)", chat.callCount())
	}
	parts := chat.calls[1]
	if len(parts) == 0 || parts[0].FunctionResponse == nil {
		t.Fatalf("follow-up parts=%+v, want synthetic function response", parts)
	}
	if _, ok := parts[0].FunctionResponse.Response["error"]; !ok {
		t.Fatal("synthetic response missing error payload")
	}
	if got := rec.typed("assistant_final"); got != 1 {
		t.Fatalf("assistant_final count=%d, want the recovery narration", got)
	}
}

func TestReplayedModelResponseDispatchesOrderOnce(t *testing.T) {
	var hits int32
	orderSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer orderSrv.Close()

	replay := []core.Chunk{{
		ResponseID: "resp-7",
		FunctionCall: &core.FunctionCall{
			ID:   "call-1",
			Name: "dispatch_order",
			Args: map[string]any{"order": "forward the callback request"},
		},
	}}
	chat := &fakeChat{script: [][]core.Chunk{
		replay,
		{{Text: "Done, I forwarded it."}},
		replay,
		{{Text: "That request is already on its way."}},
	}}

	s, rec, st := newTestSession(t, chat, tools.NewRegistry(), bots.DefaultBot())
	s.tools = tools.NewRegistry(tools.NewDispatchOrder(orderSrv.URL, orderSrv.Client(), st))

	s.HandleText(context.Background(), "forward my callback request")
	s.HandleText(context.Background(), "did you forward my callback request?")

	if got := rec.typed("tool_execution_start"); got != 2 {
		t.Fatalf("tool_execution_start count=%d, want 2", got)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("external order endpoint hit %d times, want 1", n)
	}
	if got := rec.typed("assistant_final"); got != 2 {
		t.Fatalf("assistant_final count=%d, want a confirmation per turn", got)
	}
}

func TestCloseReportCarriesFullTranscript(t *testing.T) {
	var mu sync.Mutex
	var reports []supervise.TurnReport
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rep supervise.TurnReport
		_ = json.NewDecoder(r.Body).Decode(&rep)
		mu.Lock()
		reports = append(reports, rep)
		mu.Unlock()
	}))
	defer srv.Close()

	bot := bots.DefaultBot()
	bot.Supervised = true
	bot.ReportURL = srv.URL

	chat := &fakeChat{script: textScript("It costs 10 euros.")}
	s, _, _ := newTestSession(t, chat, tools.NewRegistry(), bot)
	s.reporter = &supervise.Reporter{HTTPClient: srv.Client()}

	waitReports := func(want int) {
		deadline := time.Now().Add(2 * time.Second)
		for {
			mu.Lock()
			n := len(reports)
			mu.Unlock()
			if n >= want || time.Now().After(deadline) {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	s.HandleText(context.Background(), "how much is it?")
	waitReports(1)

	s.ReportClosed(context.Background())
	waitReports(2)

	mu.Lock()
	defer mu.Unlock()
	if len(reports) != 2 {
		t.Fatalf("reports=%d, want turn report plus close report", len(reports))
	}
	final := reports[1]
	if !final.Closed {
		t.Fatal("final report not marked closed")
	}
	if len(final.Transcript) != 2 {
		t.Fatalf("close report transcript=%d turns, want 2", len(final.Transcript))
	}
	if final.Turn.Text != "" || final.Turn.ToolName != "" {
		t.Fatalf("close report turn detail=%+v, want empty", final.Turn)
	}
}

func TestCloseReportSkippedForUnsupervisedBot(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	bot := bots.DefaultBot()
	bot.ReportURL = srv.URL

	chat := &fakeChat{script: textScript("Hi.")}
	s, _, _ := newTestSession(t, chat, tools.NewRegistry(), bot)
	s.reporter = &supervise.Reporter{HTTPClient: srv.Client()}

	s.HandleText(context.Background(), "hello")
	s.ReportClosed(context.Background())
	time.Sleep(50 * time.Millisecond)

	if n := atomic.LoadInt32(&hits); n != 0 {
		t.Fatalf("report endpoint hit %d times for unsupervised bot, want 0", n)
	}
}
