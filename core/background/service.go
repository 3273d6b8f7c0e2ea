// Package background answers the requests the mediator forwards to the privileged context.
package background

import (
	"context"
	"encoding/json"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/subbridge/core/dto"
	"github.com/vadiminshakov/subbridge/core/errs"
	"github.com/vadiminshakov/subbridge/core/settings"
)

// Backend performs the remote API calls.
//
//go:generate mockgen -destination=../../mocks/mock_backend.go -package=mocks . Backend
type Backend interface {
	Call(ctx context.Context, msgType string, payload json.RawMessage) (json.RawMessage, error)
}

// Notifier pushes a notification to every connected mediator.
type Notifier interface {
	Notify(ctx context.Context, msgType string, payload any) int
}

type Option func(*Service)

// WithClock sets the clock used to report uptime.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithSettings serves CONFIG_* requests from store.
func WithSettings(store settings.Store) Option {
	return func(s *Service) { s.settings = store }
}

// Service implements correlation.Handler for the background side of the bridge.
type Service struct {
	backend  Backend
	apiTypes func(string) bool
	settings settings.Store
	clock    clock.Clock
	started  time.Time
}

// New builds a Service. apiTypes reports which message types the backend serves.
func New(backend Backend, apiTypes func(string) bool, opts ...Option) *Service {
	s := &Service{backend: backend, apiTypes: apiTypes, clock: clock.New()}
	for _, opt := range opts {
		opt(s)
	}
	s.started = s.clock.Now()
	return s
}

func (s *Service) HandleRequest(ctx context.Context, env dto.Envelope) (any, error) {
	switch {
	case env.Type == dto.TypePing:
		return dto.Pong{Pong: true, Uptime: s.clock.Since(s.started).Round(time.Second).String()}, nil

	case settings.Handles(env.Type):
		if s.settings == nil {
			return nil, &errs.ValidationError{Field: "type", Reason: "settings are not configured"}
		}
		return settings.Serve(s.settings, env)

	case s.backend != nil && s.apiTypes != nil && s.apiTypes(env.Type):
		out, err := s.backend.Call(ctx, env.Type, env.Payload)
		if err != nil {
			log.Warnf("api call %s failed: %v", env.Type, err)
			return nil, err
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	}

	return nil, &errs.ValidationError{Field: "type", Reason: "unknown message type " + env.Type}
}

// PushChanges relays every settings change to the connected mediators until the
// returned function is called.
func (s *Service) PushChanges(n Notifier) func() {
	if s.settings == nil {
		return func() {}
	}
	return s.settings.Subscribe(func(change dto.ConfigChange) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		delivered := n.Notify(ctx, dto.TypeConfigChanged, change)
		log.Debugf("config change %s pushed to %d sessions", change.Key, delivered)
	})
}
