// Package router dispatches the requests the page sends to the mediator.
//
// Queue-control types are answered by the submission managers, CONFIG_* by a local
// settings store when one is configured, and every other type is forwarded verbatim to
// the background.
package router

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/subbridge/core/dto"
	"github.com/vadiminshakov/subbridge/core/errs"
	"github.com/vadiminshakov/subbridge/core/settings"
	"github.com/vadiminshakov/subbridge/core/submission"
)

// RetryResult answers *_RETRY.
type RetryResult struct {
	Processed int `json:"processed"`
	Remaining int `json:"remaining"`
}

type Option func(*Router)

// WithSettings answers CONFIG_* locally instead of forwarding them.
func WithSettings(store settings.Store) Option {
	return func(r *Router) { r.settings = store }
}

// Router implements correlation.Handler for the page side of the mediator.
type Router struct {
	votes        *submission.Manager
	translations *submission.Manager
	background   submission.Sender
	settings     settings.Store
}

func New(votes, translations *submission.Manager, background submission.Sender, opts ...Option) *Router {
	r := &Router{votes: votes, translations: translations, background: background}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) HandleRequest(ctx context.Context, env dto.Envelope) (any, error) {
	switch env.Type {
	case dto.TypeVoteEnqueue:
		return r.votes.Enqueue(ctx, env.Payload)
	case dto.TypeTransEnqueue:
		return r.translations.Enqueue(ctx, env.Payload)

	case dto.TypeVoteHistory:
		return r.votes.History(), nil
	case dto.TypeTransHistory:
		return r.translations.History(), nil

	case dto.TypeVoteStatus:
		return status(r.votes, env.Payload)
	case dto.TypeTransStatus:
		return status(r.translations, env.Payload)

	case dto.TypeVoteRetry:
		return retry(ctx, r.votes), nil
	case dto.TypeTransRetry:
		return retry(ctx, r.translations), nil

	case dto.TypeGetAllPending:
		return dto.AllPending{Vote: r.votes.Pending(), Translation: r.translations.Pending()}, nil

	case dto.TypeGetQueueStats:
		return dto.QueueStats{
			Vote:        r.votes.Stats(),
			Translation: r.translations.Stats(),
			VoteQueue:   r.votes.Len(),
			TransQueue:  r.translations.Len(),
		}, nil
	}

	if r.settings != nil && settings.Handles(env.Type) {
		return settings.Serve(r.settings, env)
	}
	return r.forward(ctx, env)
}

func (r *Router) forward(ctx context.Context, env dto.Envelope) (any, error) {
	if r.background == nil {
		return nil, &errs.ValidationError{Field: "type", Reason: "unknown message type " + env.Type}
	}
	out, err := r.background.Send(ctx, env.Type, env.Payload)
	if err != nil {
		// hand the page the background's own message, not our wrapping of it
		var remote *errs.RemoteError
		if errors.As(err, &remote) {
			return nil, errors.New(remote.Message)
		}
		log.Debugf("forward %s: %v", env.Type, err)
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func status(m *submission.Manager, raw json.RawMessage) (dto.StatusResponse, error) {
	var req dto.StatusRequest
	if len(raw) == 0 {
		return dto.StatusResponse{}, &errs.ValidationError{Field: "payload", Reason: "required"}
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return dto.StatusResponse{}, &errs.ValidationError{Field: "payload", Reason: err.Error()}
	}
	if req.VideoID == "" {
		return dto.StatusResponse{}, &errs.ValidationError{Field: "videoID", Reason: "required"}
	}
	return m.Status(req.VideoID, req.Timestamp), nil
}

func retry(ctx context.Context, m *submission.Manager) RetryResult {
	n := m.Retry(ctx)
	return RetryResult{Processed: n, Remaining: m.Len()}
}
