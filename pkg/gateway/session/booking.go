package session

import (
	"context"
	"fmt"
	"time"

	"github.com/voxgate/voxgate/pkg/core"
	"github.com/voxgate/voxgate/pkg/gateway/protocol"
	"github.com/voxgate/voxgate/pkg/store"
)

// Two independent delivery paths (scheduler webhook, client-reported
// completion) may both announce the same booking. Events carrying an
// identifier dedupe on it; identifierless events fall back to a
// time-window heuristic.
const (
	bookingStartWindow    = 5 * time.Minute
	bookingAnnounceWindow = 10 * time.Second
)

type announcedBooking struct {
	bookingID   string
	start       time.Time
	announcedAt time.Time
}

// ResumeBooking is the webhook-delivered resume path. It clears the
// pause flag, narrates the booking, and notifies the client. A
// duplicate of an already-announced event is a silent no-op regardless
// of the pause flag, so a webhook arriving after the client-reported
// path already won does not double-announce.
func (s *Session) ResumeBooking(ctx context.Context, ev store.BookingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isAnnounced(ev) {
		s.log.Info("duplicate booking event ignored", "booking_id", ev.BookingID)
		s.countResume("webhook", "duplicate")
		return nil
	}

	s.markAnnounced(ev)
	s.paused = false
	s.countResume("webhook", "resumed")

	s.send(protocol.BookingCompleted{
		Type:    "booking_completed",
		Details: bookingDetails(ev),
	})
	s.appendTurn(ctx, store.SpeakerTool, "booking completed: "+describeBooking(ev))
	s.runTurn(ctx, []core.Part{{Text: bookingInstruction(ev)}}, 0)
	return nil
}

// HandleUserActionCompleted is the client-reported resume path. The
// webhook path has priority: if the pause flag is already clear this
// message is ignored entirely. Otherwise the supplied details, or a
// pending event staged on the stored document, decide whether the user
// booked or abandoned the widget.
func (s *Session) HandleUserActionCompleted(ctx context.Context, details *store.BookingEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.paused {
		s.log.Debug("user_action_completed after resume, ignored")
		s.countResume("client", "ignored")
		return
	}

	ev := details
	if ev == nil {
		if doc, err := s.store.Get(ctx, s.conversationID); err == nil && doc.PendingBooking != nil {
			ev = doc.PendingBooking
		}
	}

	s.paused = false

	if ev == nil {
		// No booking materialized: the user closed the widget.
		s.countResume("client", "abandoned")
		s.runTurn(ctx, []core.Part{{Text: "The user closed the scheduling " +
			"widget without booking an appointment. Gently ask whether they " +
			"still want to schedule one or need anything else."}}, 0)
		return
	}

	if s.isAnnounced(*ev) {
		s.countResume("client", "duplicate")
		return
	}
	s.markAnnounced(*ev)
	s.countResume("client", "resumed")
	s.clearPendingBooking(ctx)

	s.send(protocol.BookingCompleted{
		Type:    "booking_completed",
		Details: bookingDetails(*ev),
	})
	s.appendTurn(ctx, store.SpeakerTool, "booking completed: "+describeBooking(*ev))
	s.runTurn(ctx, []core.Part{{Text: bookingInstruction(*ev)}}, 0)
}

func (s *Session) isAnnounced(ev store.BookingEvent) bool {
	now := time.Now()
	start, hasStart := parseBookingStart(ev)
	for _, prev := range s.announced {
		if ev.BookingID != "" && prev.bookingID == ev.BookingID {
			return true
		}
		if ev.BookingID != "" || prev.bookingID != "" {
			continue
		}
		if !hasStart || prev.start.IsZero() {
			continue
		}
		diff := start.Sub(prev.start)
		if diff < 0 {
			diff = -diff
		}
		if diff <= bookingStartWindow && now.Sub(prev.announcedAt) <= bookingAnnounceWindow {
			return true
		}
	}
	return false
}

func (s *Session) markAnnounced(ev store.BookingEvent) {
	start, _ := parseBookingStart(ev)
	s.announced = append(s.announced, announcedBooking{
		bookingID:   ev.BookingID,
		start:       start,
		announcedAt: time.Now(),
	})
}

func (s *Session) clearPendingBooking(ctx context.Context) {
	err := s.store.Update(ctx, s.conversationID, func(doc *store.Conversation) error {
		doc.PendingBooking = nil
		return nil
	})
	if err != nil {
		s.log.Warn("could not clear pending booking", "error", err)
	}
}

func (s *Session) countResume(path, outcome string) {
	if s.metrics != nil {
		s.metrics.BookingsResumed.WithLabelValues(path, outcome).Inc()
	}
}

func parseBookingStart(ev store.BookingEvent) (time.Time, bool) {
	if ev.StartTime == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, ev.StartTime)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// describeBooking formats the event for the model, with the start time
// rendered in the invitee's timezone when one is given.
func describeBooking(ev store.BookingEvent) string {
	when := ev.StartTime
	if t, ok := parseBookingStart(ev); ok {
		if ev.Timezone != "" {
			if loc, err := time.LoadLocation(ev.Timezone); err == nil {
				t = t.In(loc)
			}
		}
		when = t.Format("Monday, January 2, 2006 at 3:04 PM")
	}

	desc := "appointment"
	if ev.Title != "" {
		desc = ev.Title
	}
	if ev.InviteeName != "" {
		desc += " for " + ev.InviteeName
	}
	if when != "" {
		desc += " on " + when
	}
	return desc
}

func bookingInstruction(ev store.BookingEvent) string {
	return fmt.Sprintf("The user just completed scheduling: %s. Confirm "+
		"the booking warmly in one or two short sentences, mentioning the "+
		"date and time, and ask if there is anything else you can help with.",
		describeBooking(ev))
}

func bookingDetails(ev store.BookingEvent) protocol.BookingDetails {
	return protocol.BookingDetails{
		BookingID:    ev.BookingID,
		StartTime:    ev.StartTime,
		Title:        ev.Title,
		InviteeName:  ev.InviteeName,
		InviteeEmail: ev.InviteeEmail,
		Timezone:     ev.Timezone,
	}
}
