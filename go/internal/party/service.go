package party

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/CucumberKing/nye.countdown/go/internal/geo"
	"github.com/CucumberKing/nye.countdown/go/internal/rpc"
	"github.com/CucumberKing/nye.countdown/go/internal/session"
)

// Method names
const (
	MethodTimePing          = "time.ping"
	MethodReactionSend      = "reaction.send"
	MethodGreetingSend      = "greeting.send"
	MethodReactionBroadcast = "reaction.broadcast"
	MethodGreetingBroadcast = "greeting.broadcast"
)

// FallbackLocation is shown when a greeting's coordinates cannot be resolved.
const FallbackLocation = "somewhere on Earth"

// Clock is the synced time source.
type Clock interface {
	NowMillis() int64
	IsSynced() bool
}

// Sessions is the part of the connection registry the handlers use.
type Sessions interface {
	Get(id string) (session.Session, bool)
	UpdateLocation(id, location string)
	Broadcast(ctx context.Context, message any)
}

// Locator resolves coordinates to a place.
type Locator interface {
	Resolve(ctx context.Context, lat, lon float64) (geo.Location, bool)
}

// Content is the fixed set of reactions and greeting templates.
type Content struct {
	Emojis            []string
	GreetingTemplates []string // "{location}" is replaced by the sender's place
}

// DefaultContent returns the built-in emoji allow-set and greeting templates.
func DefaultContent() Content {
	return Content{
		Emojis: []string{"🎉", "🎊", "🥳", "🍾", "🥂", "✨", "🎆", "🎇", "💃", "🕺", "🪩", "❤️"},
		GreetingTemplates: []string{
			"Happy New Year from {location}!",
			"Cheers from {location}!",
			"{location} says Happy New Year!",
		},
	}
}

// Service implements the party protocol methods.
type Service struct {
	clock     Clock
	sessions  Sessions
	locator   Locator
	emojis    map[string]struct{}
	templates []string
}

// NewService creates a new party service
func NewService(clock Clock, sessions Sessions, locator Locator, content Content) *Service {
	emojis := make(map[string]struct{}, len(content.Emojis))
	for _, e := range content.Emojis {
		emojis[e] = struct{}{}
	}
	return &Service{
		clock:     clock,
		sessions:  sessions,
		locator:   locator,
		emojis:    emojis,
		templates: append([]string(nil), content.GreetingTemplates...),
	}
}

// Register adds the party methods to the dispatcher.
func (s *Service) Register(d *rpc.Dispatcher) {
	d.Register(MethodTimePing, s.Ping)
	d.Register(MethodReactionSend, s.SendReaction)
	d.Register(MethodGreetingSend, s.SendGreeting)

	log.Info().Strs("methods", d.Methods()).Msg("registered rpc methods")
}

// broadcast fans a notification out to every session. The sender's request
// context is detached so a sender that leaves mid fan-out does not cut
// delivery to everyone else.
func (s *Service) broadcast(ctx context.Context, method string, params any) {
	s.sessions.Broadcast(context.WithoutCancel(ctx), rpc.NewNotification(method, params))
}
