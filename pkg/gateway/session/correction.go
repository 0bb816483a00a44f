package session

import (
	"context"
	"strings"

	"github.com/voxgate/voxgate/pkg/core"
	"github.com/voxgate/voxgate/pkg/store"
)

// ApplyCorrection injects a supervisor correction into the live
// conversation: the correction is persisted as a supervisor turn, the
// next supervision report is suppressed to break the feedback loop, and
// the model is instructed to produce a corrected narration.
func (s *Session) ApplyCorrection(ctx context.Context, message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.Corrections.Inc()
	}
	s.appendTurn(ctx, store.SpeakerSupervisor, message)
	s.midCorrection = true

	instruction := "A supervisor reviewed your last response and sent this " +
		"correction: \"" + message + "\". Apologize briefly for the mistake " +
		"and give the user the corrected answer. Do not mention the supervisor."
	if s.lastToolMisfire {
		instruction = "A supervisor reviewed your last action and sent this " +
			"correction: \"" + message + "\". The previous tool call went " +
			"wrong; retry the action correctly now, without apologizing or " +
			"mentioning the supervisor, and tell the user the outcome."
	}

	s.runTurn(ctx, []core.Part{{Text: instruction}}, 0)
	return nil
}
