package protocol

import (
	"testing"
)

func TestDecodeClientMessage_StartConversation(t *testing.T) {
	raw := []byte(`{"type":"start_conversation","botId":"b1","interactingUserId":"u1","appCheckToken":"tok","userName":"Ada"}`)
	msg, err := DecodeClientMessage(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	start, ok := msg.(StartConversation)
	if !ok {
		t.Fatalf("type=%T, want StartConversation", msg)
	}
	if start.BotID != "b1" || start.InteractingUserID != "u1" || start.UserName != "Ada" {
		t.Fatalf("decoded=%+v", start)
	}
}

func TestDecodeClientMessage_StartConversationRequiresBot(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"type":"start_conversation"}`))
	de, ok := err.(*DecodeError)
	if !ok || de.Param != "botId" {
		t.Fatalf("err=%v, want DecodeError on botId", err)
	}
}

func TestDecodeClientMessage_ItemCreateText(t *testing.T) {
	raw := []byte(`{"type":"conversation.item.create","item":{"content":[{"type":"input_text","text":"book me "},{"type":"input_text","text":"Tuesday at 3pm"}]}}`)
	msg, err := DecodeClientMessage(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ic := msg.(ItemCreate)
	if got := ic.Text(); got != "book me Tuesday at 3pm" {
		t.Fatalf("Text()=%q", got)
	}
}

func TestDecodeClientMessage_ItemCreateRejectsEmpty(t *testing.T) {
	raw := []byte(`{"type":"conversation.item.create","item":{"content":[{"type":"image","text":""}]}}`)
	if _, err := DecodeClientMessage(raw); err == nil {
		t.Fatalf("expected error for item without input_text")
	}
}

func TestDecodeClientMessage_LegacyStop(t *testing.T) {
	for _, raw := range []string{`stop`, `"stop"`, "  stop\n"} {
		msg, err := DecodeClientMessage([]byte(raw))
		if err != nil {
			t.Fatalf("decode %q: %v", raw, err)
		}
		if _, ok := msg.(AudioStop); !ok {
			t.Fatalf("decode %q gave %T, want AudioStop", raw, msg)
		}
	}
}

func TestDecodeClientMessage_UserActionCompletedVariants(t *testing.T) {
	raw := []byte(`{"type":"user_action_completed","appointmentData":{"bookingId":"abc123","startTime":"2026-09-01T15:00:00Z"}}`)
	msg, err := DecodeClientMessage(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	done := msg.(UserActionCompleted)
	if b := done.Booking(); b == nil || b.BookingID != "abc123" {
		t.Fatalf("Booking()=%+v", done.Booking())
	}

	raw = []byte(`{"type":"user_action_completed","details":{"bookingId":"xyz"}}`)
	msg, err = DecodeClientMessage(raw)
	if err != nil {
		t.Fatalf("decode details variant: %v", err)
	}
	done = msg.(UserActionCompleted)
	if b := done.Booking(); b == nil || b.BookingID != "xyz" {
		t.Fatalf("Booking()=%+v", done.Booking())
	}

	msg, err = DecodeClientMessage([]byte(`{"type":"user_action_completed"}`))
	if err != nil {
		t.Fatalf("decode bare variant: %v", err)
	}
	if b := msg.(UserActionCompleted).Booking(); b != nil {
		t.Fatalf("Booking()=%+v, want nil", b)
	}
}

func TestDecodeClientMessage_Errors(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"invalid json", `{not json`},
		{"missing type", `{"botId":"b1"}`},
		{"unknown type", `{"type":"warp_drive"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeClientMessage([]byte(tc.raw)); err == nil {
				t.Fatalf("expected error for %q", tc.raw)
			}
		})
	}
}
