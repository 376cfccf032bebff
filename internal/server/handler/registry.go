package handler

import (
	"fmt"
	"sort"
	"strings"

	"kestrel/internal/models"
)

// Registration binds a verb to its handler and the states it is legal in.
type Registration struct {
	Verb    string
	Handler Handler
	States  []models.State
}

// Allowed reports whether the verb may run in state s.
func (r Registration) Allowed(s models.State) bool {
	for _, st := range r.States {
		if st == s {
			return true
		}
	}
	return false
}

// Registry maps verbs to handlers. It is filled once at startup and sealed;
// after Seal it is never written again and may be read from any goroutine
// without locking.
type Registry struct {
	handlers map[string]Registration
	sealed   bool
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Registration)}
}

// Register adds a verb. A verb registered without states is legal in every
// state but Logout.
func (r *Registry) Register(verb string, h Handler, states ...models.State) error {
	if r.sealed {
		return fmt.Errorf("registry sealed, cannot register %s", verb)
	}
	verb = strings.ToUpper(verb)
	if _, exists := r.handlers[verb]; exists {
		return fmt.Errorf("verb %s already registered", verb)
	}
	if len(states) == 0 {
		states = []models.State{models.StateNotAuthenticated, models.StateAuthenticated, models.StateSelected}
	}
	r.handlers[verb] = Registration{Verb: verb, Handler: h, States: states}
	return nil
}

// MustRegister is Register for startup code, panicking on error.
func (r *Registry) MustRegister(verb string, h Handler, states ...models.State) {
	if err := r.Register(verb, h, states...); err != nil {
		panic(err)
	}
}

// Seal freezes the registry.
func (r *Registry) Seal() {
	r.sealed = true
}

func (r *Registry) Sealed() bool {
	return r.sealed
}

// Lookup returns the registration for verb.
func (r *Registry) Lookup(verb string) (Registration, bool) {
	reg, ok := r.handlers[strings.ToUpper(verb)]
	return reg, ok
}

// Verbs lists the registered verbs in sorted order.
func (r *Registry) Verbs() []string {
	verbs := make([]string, 0, len(r.handlers))
	for v := range r.handlers {
		verbs = append(verbs, v)
	}
	sort.Strings(verbs)
	return verbs
}
