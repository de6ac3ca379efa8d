package party

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/CucumberKing/nye.countdown/go/internal/rpc"
)

type reactionParams struct {
	Emoji string `json:"emoji"`
}

// ReactionBroadcast is pushed to every session for each reaction.
type ReactionBroadcast struct {
	Emoji        string  `json:"emoji"`
	FromLocation *string `json:"from_location"`
	Ts           int64   `json:"ts"`
}

// SendResult acknowledges reaction.send and greeting.send.
type SendResult struct {
	Success  bool   `json:"success"`
	Location string `json:"location,omitempty"`
}

// SendReaction broadcasts an allowed emoji to every session, the sender
// included, tagged with the sender's last known location.
func (s *Service) SendReaction(ctx context.Context, call rpc.Call) (*rpc.Response, error) {
	var p reactionParams
	if err := call.DecodeParams(&p); err != nil {
		return nil, err
	}
	if _, ok := s.emojis[p.Emoji]; !ok {
		return nil, rpc.InvalidParams("Invalid emoji: %s", p.Emoji)
	}

	var from *string
	if sess, ok := s.sessions.Get(call.SessionID); ok && sess.HasLocation() {
		location := sess.Location
		from = &location
	}

	s.broadcast(ctx, MethodReactionBroadcast, ReactionBroadcast{
		Emoji:        p.Emoji,
		FromLocation: from,
		Ts:           s.clock.NowMillis(),
	})

	log.Info().
		Str("session_id", call.SessionID).
		Str("emoji", p.Emoji).
		Bool("has_location", from != nil).
		Msg("reaction broadcast")

	return rpc.NewResult(call.ID, SendResult{Success: true}), nil
}
