package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/pkg/errors"

	"kestrel/internal/models"
)

const (
	textUnknownCommand = "Unknown command: %s"
	textNotAllowed     = "Command not allowed in this state"
)

// Outcome is everything a dispatched command produced: untagged data
// followed by exactly one tagged completion, and the transition to apply if
// the command succeeded along with the mailbox view it reported.
type Outcome struct {
	Responses  []models.Response
	Transition *models.Transition
	View       *models.MailboxView
}

// Completion returns the tagged completion of the outcome.
func (o Outcome) Completion() models.Response {
	return o.Responses[len(o.Responses)-1]
}

// Dispatcher routes commands through a sealed registry. It holds no
// per-session state and performs no side effects of its own.
type Dispatcher struct {
	registry *Registry
	env      *Env
	logger   log.Logger
	commands metrics.Counter
	duration metrics.Histogram
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithCommandMetrics counts commands by verb and status and records their
// latency.
func WithCommandMetrics(commands metrics.Counter, duration metrics.Histogram) DispatcherOption {
	return func(d *Dispatcher) {
		d.commands = commands
		d.duration = duration
	}
}

func NewDispatcher(registry *Registry, env *Env, opts ...DispatcherOption) *Dispatcher {
	if env.Logger == nil {
		env.Logger = log.NewNopLogger()
	}
	d := &Dispatcher{
		registry: registry,
		env:      env,
		logger:   env.Logger,
		commands: discard.NewCounter(),
		duration: discard.NewHistogram(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry returns the registry the dispatcher routes through.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch runs cmd against a snapshot of the session. Unknown verbs and
// verbs illegal in the session's state are answered without invoking any
// handler.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd *models.Command, sess models.ClientState, ch Challenger) Outcome {
	start := time.Now()
	out := d.dispatch(ctx, cmd, sess, ch)

	status := string(out.Completion().Status)
	d.commands.With("verb", metricVerb(d.registry, cmd.Verb), "status", status).Add(1)
	d.duration.With("verb", metricVerb(d.registry, cmd.Verb)).Observe(time.Since(start).Seconds())
	return out
}

func (d *Dispatcher) dispatch(ctx context.Context, cmd *models.Command, sess models.ClientState, ch Challenger) Outcome {
	reg, ok := d.registry.Lookup(cmd.Verb)
	if !ok {
		return complete(nil, models.Tagged(cmd.Tag, models.StatusBAD, "", fmt.Sprintf(textUnknownCommand, cmd.Verb)))
	}
	if !reg.Allowed(sess.State) {
		return complete(nil, models.Tagged(cmd.Tag, models.StatusBAD, "", textNotAllowed))
	}

	req := &Request{
		Ctx:        ctx,
		Command:    cmd,
		Session:    sess,
		Env:        d.env,
		Challenger: ch,
	}
	res, err := d.invoke(reg.Handler, req)
	if err != nil {
		return complete(nil, d.failure(cmd, sess, err))
	}
	if res == nil {
		res = OK()
	}

	if t := res.Transition; t != nil && !models.CanTransition(sess.State, t.To) {
		level.Error(d.logger).Log("msg", "handler requested illegal transition", "verb", cmd.Verb,
			"from", sess.State, "to", t.To, "session", sess.ID)
		return complete(res.Data, models.Tagged(cmd.Tag, models.StatusNO, "", cmd.Verb+" failed"))
	}

	text := res.Text
	if text == "" {
		text = cmd.Verb + " completed"
	}
	out := complete(res.Data, models.Tagged(cmd.Tag, models.StatusOK, res.Code, text))
	out.Transition = res.Transition
	out.View = res.View
	return out
}

// invoke runs the handler, turning a panic into an error so a faulty handler
// only fails its own command.
func (d *Dispatcher) invoke(h Handler, req *Request) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(req)
}

// failure maps a handler error onto a completion response.
func (d *Dispatcher) failure(cmd *models.Command, sess models.ClientState, err error) models.Response {
	var se *StatusError
	if errors.As(err, &se) {
		return models.Tagged(cmd.Tag, se.Status, se.Code, se.Text)
	}
	if errors.Is(err, context.Canceled) {
		level.Debug(d.logger).Log("msg", "command canceled", "verb", cmd.Verb, "session", sess.ID)
	} else {
		level.Error(d.logger).Log("msg", "command failed", "verb", cmd.Verb, "session", sess.ID,
			"user", sess.Username, "err", err)
	}
	return models.Tagged(cmd.Tag, models.StatusNO, "", cmd.Verb+" failed")
}

func complete(data []models.Response, completion models.Response) Outcome {
	return Outcome{Responses: append(data, completion)}
}

// metricVerb keeps label cardinality bounded by folding unknown verbs.
func metricVerb(r *Registry, verb string) string {
	if _, ok := r.Lookup(verb); ok {
		return verb
	}
	return "UNKNOWN"
}
