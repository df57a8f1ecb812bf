package registry

import (
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

type Kind string

const (
	Driver    Kind = "driver"
	Passenger Kind = "passenger"
)

func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case Driver, Passenger:
		return Kind(s), true
	}
	return "", false
}

// Identity is the party a connection has registered as.
type Identity struct {
	Kind Kind
	ID   string
}

func DriverID(id string) Identity    { return Identity{Kind: Driver, ID: id} }
func PassengerID(id string) Identity { return Identity{Kind: Passenger, ID: id} }

// Outbox delivers messages to one live connection.
type Outbox interface {
	Send(env models.Envelope) error
}

type entry struct {
	out      Outbox
	identity *Identity
}

// Registry maps connection handles to identities and back. Both directions
// change together under mu.
type Registry struct {
	mu         sync.RWMutex
	conns      map[string]*entry
	byIdentity map[Identity]string
}

func New() *Registry {
	return &Registry{conns: make(map[string]*entry), byIdentity: make(map[Identity]string)}
}

// Open records a new connection with no identity and reports whether the
// handle was new. Opening a known handle again only swaps its outbox.
func (r *Registry) Open(connID string, out Outbox) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[connID]; ok {
		e.out = out
		return false
	}
	r.conns[connID] = &entry{out: out}
	return true
}

// Register binds an identity to a connection. A later registration of the
// same identity supersedes the earlier connection's mapping.
func (r *Registry) Register(connID string, kind Kind, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return false
	}
	if e.identity != nil && r.byIdentity[*e.identity] == connID {
		delete(r.byIdentity, *e.identity)
	}
	ident := Identity{Kind: kind, ID: id}
	e.identity = &ident
	r.byIdentity[ident] = connID
	return true
}

func (r *Registry) IdentityOf(connID string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok || e.identity == nil {
		return Identity{}, false
	}
	return *e.identity, true
}

func (r *Registry) ConnectionOf(ident Identity) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byIdentity[ident]
	return id, ok
}

// Close forgets the connection and reports whether it was known. The
// identity mapping is dropped only if it still points at this handle.
func (r *Registry) Close(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return false
	}
	if e.identity != nil && r.byIdentity[*e.identity] == connID {
		delete(r.byIdentity, *e.identity)
	}
	delete(r.conns, connID)
	return true
}

// Send pushes env to the connection. It reports false when the connection is
// gone or its outbox refused the message.
func (r *Registry) Send(connID string, env models.Envelope) bool {
	r.mu.RLock()
	e, ok := r.conns[connID]
	var out Outbox
	if ok {
		out = e.out
	}
	r.mu.RUnlock()
	if out == nil {
		return false
	}
	return out.Send(env) == nil
}

// SendTo pushes env to whichever connection the identity is registered on.
func (r *Registry) SendTo(ident Identity, env models.Envelope) bool {
	connID, ok := r.ConnectionOf(ident)
	if !ok {
		return false
	}
	return r.Send(connID, env)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
