package party

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/CucumberKing/nye.countdown/go/internal/rpc"
)

type greetingParams struct {
	Lat      *float64 `json:"lat"`
	Lon      *float64 `json:"lon"`
	Template *int     `json:"template"`
}

// GreetingBroadcast is pushed to every session for each greeting.
type GreetingBroadcast struct {
	Text     string `json:"text"`
	Location string `json:"location"`
	Ts       int64  `json:"ts"`
}

func (s *Service) validateGreeting(p greetingParams) (lat, lon float64, template int, err error) {
	if p.Lat == nil || p.Lon == nil {
		return 0, 0, 0, rpc.InvalidParams("lat and lon are required")
	}
	lat, lon = *p.Lat, *p.Lon
	if lat < -90 || lat > 90 {
		return 0, 0, 0, rpc.InvalidParams("lat must be between -90 and 90")
	}
	if lon < -180 || lon > 180 {
		return 0, 0, 0, rpc.InvalidParams("lon must be between -180 and 180")
	}
	if p.Template != nil {
		template = *p.Template
	}
	if template < 0 || template >= len(s.templates) {
		return 0, 0, 0, rpc.InvalidParams("template must be between 0 and %d", len(s.templates)-1)
	}
	return lat, lon, template, nil
}

// SendGreeting resolves the sender's coordinates to a place, remembers it on
// the session and broadcasts the chosen greeting to every session.
// Geocoding failures fall back to a generic place and are not an error.
func (s *Service) SendGreeting(ctx context.Context, call rpc.Call) (*rpc.Response, error) {
	var p greetingParams
	if err := call.DecodeParams(&p); err != nil {
		return nil, err
	}
	lat, lon, template, err := s.validateGreeting(p)
	if err != nil {
		return nil, err
	}

	location := FallbackLocation
	if loc, ok := s.locator.Resolve(ctx, lat, lon); ok {
		location = loc.String()
	}

	s.sessions.UpdateLocation(call.SessionID, location)

	text := strings.ReplaceAll(s.templates[template], "{location}", location)
	s.broadcast(ctx, MethodGreetingBroadcast, GreetingBroadcast{
		Text:     text,
		Location: location,
		Ts:       s.clock.NowMillis(),
	})

	log.Info().Str("session_id", call.SessionID).Str("text", text).Msg("greeting broadcast")

	return rpc.NewResult(call.ID, SendResult{Success: true, Location: location}), nil
}
