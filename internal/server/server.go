// Package server runs the IMAP protocol engine: it accepts connections,
// hands each to a worker and drives its session through the dispatcher.
package server

import (
	"time"

	"github.com/go-kit/kit/log"

	"kestrel/internal/metrics"
	"kestrel/internal/models"
	"kestrel/internal/server/auth"
	"kestrel/internal/server/extension"
	"kestrel/internal/server/handler"
	"kestrel/internal/server/lock"
	"kestrel/internal/server/mailbox"
	"kestrel/internal/server/message"
	"kestrel/internal/server/parser"
	"kestrel/internal/server/selection"
)

const (
	DefaultAddr        = "127.0.0.1:3143"
	DefaultWorkers     = 10
	DefaultQueueSize   = 100
	DefaultIdleTimeout = 30 * time.Minute
	DefaultGreeting    = "Kestrel IMAP server ready"
)

// Options are the deployment parameters of the engine. Zero values are
// replaced by the defaults above.
type Options struct {
	Addr           string
	Workers        int
	QueueSize      int
	IdleTimeout    time.Duration
	Greeting       string
	MaxLiteralSize int64
	MaxLineLength  int

	// Registry overrides the default command set. It is sealed by
	// NewIMAPServer.
	Registry *handler.Registry
}

func (o *Options) setDefaults() {
	if o.Addr == "" {
		o.Addr = DefaultAddr
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.Greeting == "" {
		o.Greeting = DefaultGreeting
	}
}

type IMAPServer struct {
	opts       Options
	env        *handler.Env
	dispatcher *handler.Dispatcher
	metrics    *metrics.Metrics
	logger     log.Logger
}

// NewIMAPServer wires env into a dispatcher over a sealed registry. A nil
// m disables metrics.
func NewIMAPServer(opts Options, env *handler.Env, m *metrics.Metrics) *IMAPServer {
	opts.setDefaults()
	if m == nil {
		m = metrics.NewDiscard()
	}
	if env.Logger == nil {
		env.Logger = log.NewNopLogger()
	}
	if env.Locks == nil {
		env.Locks = lock.New(lock.WithWaitHistogram(m.LockWait))
	}

	registry := opts.Registry
	if registry == nil {
		registry = DefaultRegistry()
	}
	registry.Seal()

	if env.Capabilities == nil {
		env.Capabilities = Capabilities(registry, env.Tokens != nil)
	}

	return &IMAPServer{
		opts:       opts,
		env:        env,
		dispatcher: handler.NewDispatcher(registry, env, handler.WithCommandMetrics(m.Commands, m.CommandDuration)),
		metrics:    m,
		logger:     env.Logger,
	}
}

var (
	anyState      = []models.State{models.StateNotAuthenticated, models.StateAuthenticated, models.StateSelected}
	notAuthed     = []models.State{models.StateNotAuthenticated}
	authenticated = []models.State{models.StateAuthenticated, models.StateSelected}
	selected      = []models.State{models.StateSelected}
)

// DefaultRegistry returns an unsealed registry holding every command the
// server implements. Callers may register more verbs before use.
func DefaultRegistry() *handler.Registry {
	r := handler.NewRegistry()

	r.MustRegister("CAPABILITY", handler.HandlerFunc(auth.HandleCapability), anyState...)
	r.MustRegister("NOOP", handler.HandlerFunc(extension.HandleNoop), anyState...)
	r.MustRegister("LOGOUT", handler.HandlerFunc(auth.HandleLogout), anyState...)
	r.MustRegister("ID", handler.HandlerFunc(extension.HandleID), anyState...)

	r.MustRegister("LOGIN", auth.HandleLogin, notAuthed...)
	r.MustRegister("AUTHENTICATE", auth.HandleAuthenticate, notAuthed...)

	r.MustRegister("SELECT", selection.HandleSelect, authenticated...)
	r.MustRegister("EXAMINE", selection.HandleExamine, authenticated...)
	r.MustRegister("CREATE", mailbox.HandleCreate, authenticated...)
	r.MustRegister("DELETE", mailbox.HandleDelete, authenticated...)
	r.MustRegister("RENAME", mailbox.HandleRename, authenticated...)
	r.MustRegister("LIST", mailbox.HandleList, authenticated...)
	r.MustRegister("LSUB", mailbox.HandleLsub, authenticated...)
	r.MustRegister("STATUS", mailbox.HandleStatus, authenticated...)
	r.MustRegister("APPEND", message.HandleAppend, authenticated...)
	r.MustRegister("NAMESPACE", handler.HandlerFunc(extension.HandleNamespace), authenticated...)

	r.MustRegister("CHECK", handler.HandlerFunc(message.HandleCheck), selected...)
	r.MustRegister("CLOSE", selection.HandleClose, selected...)
	r.MustRegister("UNSELECT", handler.HandlerFunc(selection.HandleUnselect), selected...)
	r.MustRegister("EXPUNGE", message.HandleExpunge, selected...)
	r.MustRegister("SEARCH", message.HandleSearch, selected...)
	r.MustRegister("FETCH", message.HandleFetch, selected...)
	r.MustRegister("STORE", message.HandleStore, selected...)
	r.MustRegister("COPY", message.HandleCopy, selected...)
	r.MustRegister("UID", handler.HandlerFunc(message.HandleUID), selected...)

	return r
}

// extensionCapabilities maps registered verbs to the capability that
// advertises them.
var extensionCapabilities = []struct{ verb, capability string }{
	{"UID", "UIDPLUS"},
	{"NAMESPACE", "NAMESPACE"},
	{"UNSELECT", "UNSELECT"},
	{"ID", "ID"},
}

// Capabilities builds the CAPABILITY list for the verbs in r. The bearer
// token mechanisms are offered only when tokens can be verified.
func Capabilities(r *handler.Registry, bearer bool) []string {
	caps := []string{"IMAP4rev1", "LITERAL+", "SASL-IR", "AUTH=PLAIN"}
	if bearer {
		caps = append(caps, "AUTH=XOAUTH2", "AUTH=OAUTHBEARER")
	}
	for _, ext := range extensionCapabilities {
		if _, ok := r.Lookup(ext.verb); ok {
			caps = append(caps, ext.capability)
		}
	}
	return caps
}

func (s *IMAPServer) parserOptions() parser.Options {
	return parser.Options{
		MaxLiteralSize: s.opts.MaxLiteralSize,
		MaxLineLength:  s.opts.MaxLineLength,
	}
}
