// Package protocol defines the WebSocket message surface between the
// browser client and a gateway session.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// BookingDetails mirrors the external scheduling payload on the wire.
type BookingDetails struct {
	BookingID    string `json:"bookingId,omitempty"`
	StartTime    string `json:"startTime,omitempty"`
	Title        string `json:"title,omitempty"`
	InviteeName  string `json:"inviteeName,omitempty"`
	InviteeEmail string `json:"inviteeEmail,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
}

// Client -> session messages.

type StartConversation struct {
	Type              string `json:"type"`
	BotID             string `json:"botId"`
	InteractingUserID string `json:"interactingUserId"`
	AppCheckToken     string `json:"appCheckToken"`
	UserName          string `json:"userName,omitempty"`
	UserEmail         string `json:"userEmail,omitempty"`
}

type AudioStart struct {
	Type         string `json:"type"`
	LanguageCode string `json:"languageCode,omitempty"`
}

type AudioStop struct {
	Type string `json:"type"`
}

type itemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type item struct {
	Content []itemContent `json:"content"`
}

// ItemCreate is the text-input message (conversation.item.create).
type ItemCreate struct {
	Type string `json:"type"`
	Item item   `json:"item"`
}

// Text returns the concatenated input_text content of the item.
func (m ItemCreate) Text() string {
	var b strings.Builder
	for _, c := range m.Item.Content {
		if c.Type == "input_text" {
			b.WriteString(c.Text)
		}
	}
	return strings.TrimSpace(b.String())
}

type UserActionPending struct {
	Type string `json:"type"`
}

type UserActionCompleted struct {
	Type            string          `json:"type"`
	AppointmentData *BookingDetails `json:"appointmentData,omitempty"`
	Details         *BookingDetails `json:"details,omitempty"`
}

// Booking returns whichever payload variant the client supplied.
func (m UserActionCompleted) Booking() *BookingDetails {
	if m.AppointmentData != nil {
		return m.AppointmentData
	}
	return m.Details
}

// DecodeClientMessage decodes one text frame. Legacy clients send the
// bare string "stop" instead of a typed JSON object; it decodes as
// AudioStop.
func DecodeClientMessage(data []byte) (any, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "stop" || trimmed == `"stop"` {
		return AudioStop{Type: "audio.stop"}, nil
	}

	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "start_conversation":
		var msg StartConversation
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid start_conversation frame", "")
		}
		if strings.TrimSpace(msg.BotID) == "" {
			return nil, badRequest("start_conversation.botId is required", "botId")
		}
		return msg, nil
	case "audio.start":
		var msg AudioStart
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio.start frame", "")
		}
		return msg, nil
	case "audio.stop":
		var msg AudioStop
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio.stop frame", "")
		}
		return msg, nil
	case "conversation.item.create":
		var msg ItemCreate
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid conversation.item.create frame", "")
		}
		if msg.Text() == "" {
			return nil, badRequest("conversation.item.create has no input_text content", "item.content")
		}
		return msg, nil
	case "user_action_pending":
		var msg UserActionPending
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid user_action_pending frame", "")
		}
		return msg, nil
	case "user_action_completed":
		var msg UserActionCompleted
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid user_action_completed frame", "")
		}
		return msg, nil
	default:
		return nil, badRequest(fmt.Sprintf("unknown message type %q", typ), "type")
	}
}

// Session -> client messages.

type Info struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	// ConversationID is set on the conversation-started info so the
	// client can correlate webhook metadata.
	ConversationID string `json:"conversationId,omitempty"`
}

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type Transcript struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"isFinal"`
}

type AssistantDelta struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

type AssistantFinal struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ToolExecutionStart struct {
	Type          string `json:"type"`
	ToolName      string `json:"toolName"`
	ActionType    string `json:"actionType"`
	ActionDetails any    `json:"actionDetails,omitempty"`
}

type ToolExecutionEnd struct {
	Type     string `json:"type"`
	ToolName string `json:"toolName"`
	Success  bool   `json:"success"`
}

type ScheduleAppointmentAction struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type BookingCompleted struct {
	Type    string         `json:"type"`
	Details BookingDetails `json:"details"`
}

func NewInfo(message string) Info {
	return Info{Type: "info", Message: message}
}

func NewError(message string) Error {
	return Error{Type: "error", Message: message}
}
