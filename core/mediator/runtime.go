// Package mediator wires the middle context: a reconnecting link to the background, the
// two submission queues draining over it, and the page-facing engine that routes page
// requests.
package mediator

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/subbridge/core/connection"
	"github.com/vadiminshakov/subbridge/core/correlation"
	"github.com/vadiminshakov/subbridge/core/dto"
	"github.com/vadiminshakov/subbridge/core/router"
	"github.com/vadiminshakov/subbridge/core/settings"
	"github.com/vadiminshakov/subbridge/core/submission"
	"github.com/vadiminshakov/subbridge/io/transport"
)

// Page is the channel to the page context.
type Page interface {
	transport.Channel
	Available() bool
	OnStateChange(fn func(transport.State)) func()
}

type options struct {
	connOpts   []connection.Option
	engineOpts []correlation.Option
	pageOpts   []correlation.Option
	queue      submission.Settings
	store      submission.Store
	journal    submission.Journal
	settings   settings.Store
}

type Option func(*options)

// WithConnectionOptions tunes the background link.
func WithConnectionOptions(opts ...connection.Option) Option {
	return func(o *options) { o.connOpts = append(o.connOpts, opts...) }
}

// WithEngineOptions tunes the engine talking to the background.
func WithEngineOptions(opts ...correlation.Option) Option {
	return func(o *options) { o.engineOpts = append(o.engineOpts, opts...) }
}

// WithPageEngineOptions tunes the engine talking to the page.
func WithPageEngineOptions(opts ...correlation.Option) Option {
	return func(o *options) { o.pageOpts = append(o.pageOpts, opts...) }
}

// WithQueueSettings tunes both submission queues.
func WithQueueSettings(s submission.Settings) Option {
	return func(o *options) { o.queue = s }
}

// WithQueueStore persists both submission queues.
func WithQueueStore(s submission.Store) Option {
	return func(o *options) { o.store = s }
}

// WithJournal records completed submissions durably.
func WithJournal(j submission.Journal) Option {
	return func(o *options) { o.journal = j }
}

// WithSettings answers CONFIG_* locally instead of forwarding them to the background.
func WithSettings(s settings.Store) Option {
	return func(o *options) { o.settings = s }
}

// Runtime is the mediator's handle on everything it owns.
type Runtime struct {
	link         *connection.Manager
	background   *correlation.Engine
	page         Page
	pageEngine   *correlation.Engine
	votes        *submission.Manager
	translations *submission.Manager
	unsubscribe  []func()
}

// New builds the runtime. Nothing is dialed until Start.
func New(ctx context.Context, dialer transport.Dialer, page Page, opts ...Option) (*Runtime, error) {
	if dialer == nil || page == nil {
		return nil, errors.New("mediator needs a background dialer and a page channel")
	}
	o := &options{queue: submission.DefaultSettings()}
	for _, opt := range opts {
		opt(o)
	}

	r := &Runtime{page: page}
	r.link = connection.NewManager(dialer, o.connOpts...)
	r.background = correlation.NewEngine(r.link, o.engineOpts...)

	queueOpts := []submission.Option{
		submission.WithSettings(o.queue),
		submission.WithConnectivity(r.link.Connected),
	}
	if o.store != nil {
		queueOpts = append(queueOpts, submission.WithStore(o.store))
	}
	if o.journal != nil {
		queueOpts = append(queueOpts, submission.WithJournal(o.journal))
	}

	var err error
	if r.votes, err = submission.NewManager(ctx, dto.KindVote, r.background, queueOpts...); err != nil {
		return nil, err
	}
	if r.translations, err = submission.NewManager(ctx, dto.KindTranslation, r.background, queueOpts...); err != nil {
		r.votes.Close()
		return nil, err
	}

	var routerOpts []router.Option
	if o.settings != nil {
		routerOpts = append(routerOpts, router.WithSettings(o.settings))
	}
	handler := router.New(r.votes, r.translations, r.background, routerOpts...)
	r.pageEngine = correlation.NewEngine(page, append(o.pageOpts, correlation.WithHandler(handler))...)

	r.unsubscribe = append(r.unsubscribe,
		r.link.OnConnectionLost(func() {
			if n := r.background.FailAll(nil); n > 0 {
				log.Warnf("background link lost, rejected %d pending requests", n)
			}
		}),
		r.link.OnStateChange(func(s transport.State) {
			if s != transport.Connected {
				return
			}
			log.Info("background link up, resuming queues")
			r.votes.Resume()
			r.translations.Resume()
		}),
		page.OnStateChange(func(s transport.State) {
			if s != transport.Disconnected {
				return
			}
			if n := r.pageEngine.FailAll(nil); n > 0 {
				log.Warnf("page link lost, rejected %d pending requests", n)
			}
		}),
		r.background.Subscribe(dto.TypeConfigChanged, r.relayToPage(dto.TypeConfigChanged)),
	)
	if o.settings != nil {
		r.unsubscribe = append(r.unsubscribe, o.settings.Subscribe(func(change dto.ConfigChange) {
			r.notifyPage(dto.TypeConfigChanged, change)
		}))
	}
	return r, nil
}

// Start dials the background and keeps the link alive until ctx is done or Close.
func (r *Runtime) Start(ctx context.Context) {
	r.link.Start(ctx)
}

// Close stops the link and the queues. Pending background requests are rejected.
func (r *Runtime) Close() error {
	for _, fn := range r.unsubscribe {
		fn()
	}
	err := r.link.Close()
	r.background.FailAll(nil)
	r.pageEngine.FailAll(nil)
	r.votes.Close()
	r.translations.Close()
	return err
}

// Background is the engine talking to the background.
func (r *Runtime) Background() *correlation.Engine {
	return r.background
}

// PageEngine is the engine talking to the page.
func (r *Runtime) PageEngine() *correlation.Engine {
	return r.pageEngine
}

// Votes is the vote submission queue.
func (r *Runtime) Votes() *submission.Manager {
	return r.votes
}

// Translations is the translation submission queue.
func (r *Runtime) Translations() *submission.Manager {
	return r.translations
}

// Connected reports whether the background link is up.
func (r *Runtime) Connected() bool {
	return r.link.Connected()
}

func (r *Runtime) relayToPage(msgType string) func(json.RawMessage) {
	return func(payload json.RawMessage) {
		r.notifyPage(msgType, payload)
	}
}

// notifyPage drops the notification when no page is listening.
func (r *Runtime) notifyPage(msgType string, payload any) {
	if !r.page.Available() {
		log.Debugf("page unavailable, dropping %s", msgType)
		return
	}
	if err := r.pageEngine.Notify(context.Background(), msgType, payload); err != nil {
		log.Warnf("relay %s to page: %v", msgType, err)
	}
}
