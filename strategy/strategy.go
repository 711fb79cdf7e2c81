// Package strategy resolves the identification and file naming strategies
// an instance refers to by name.
package strategy

import (
	"sort"
	"strings"
	"sync"

	"github.com/caio-sobreiro/dicomscp/dicom"
	dicomerrors "github.com/caio-sobreiro/dicomscp/errors"
)

// DefaultName is used for a blank strategy reference.
const DefaultName = "default"

// Session locates a received object in the archive.
type Session struct {
	Project string `json:"project"`
	Subject string `json:"subject"`
	Session string `json:"session"`
}

// Identifier assigns a received object to a project, subject and session.
type Identifier interface {
	Identify(ds *dicom.Dataset) Session
}

// FileNamer names the stored file of a received object.
type FileNamer interface {
	FileName(ds *dicom.Dataset) string
}

// IdentifierFactory builds an identifier for one instance. routing is nil
// when the instance does not use routing expressions.
type IdentifierFactory func(routing *Routing) Identifier

// FileNamerFactory builds a file namer.
type FileNamerFactory func() FileNamer

// Registry maps strategy names to factories.
type Registry struct {
	mu          sync.RWMutex
	identifiers map[string]IdentifierFactory
	namers      map[string]FileNamerFactory
}

// NewRegistry returns a registry holding the built-in strategies.
func NewRegistry() *Registry {
	r := &Registry{
		identifiers: make(map[string]IdentifierFactory),
		namers:      make(map[string]FileNamerFactory),
	}
	r.RegisterIdentifier(DefaultName, func(routing *Routing) Identifier {
		return &ClassicIdentifier{Routing: routing}
	})
	r.RegisterIdentifier("uid", func(*Routing) Identifier {
		return UIDIdentifier{}
	})
	r.RegisterFileNamer(DefaultName, func() FileNamer { return SOPInstanceNamer{} })
	r.RegisterFileNamer("series", func() FileNamer { return SeriesNamer{} })
	return r
}

// RegisterIdentifier adds or replaces an identifier factory.
func (r *Registry) RegisterIdentifier(name string, f IdentifierFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identifiers[normalize(name)] = f
}

// RegisterFileNamer adds or replaces a file namer factory.
func (r *Registry) RegisterFileNamer(name string, f FileNamerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.namers[normalize(name)] = f
}

// Identifier resolves name, blank meaning DefaultName.
func (r *Registry) Identifier(name string, routing *Routing) (Identifier, error) {
	r.mu.RLock()
	f, ok := r.identifiers[normalize(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, &dicomerrors.UnknownStrategyError{Kind: "identifier", Name: name}
	}
	return f(routing), nil
}

// FileNamer resolves name, blank meaning DefaultName.
func (r *Registry) FileNamer(name string) (FileNamer, error) {
	r.mu.RLock()
	f, ok := r.namers[normalize(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, &dicomerrors.UnknownStrategyError{Kind: "file namer", Name: name}
	}
	return f(), nil
}

// Names lists the registered identifier and file namer names.
func (r *Registry) Names() (identifiers, namers []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for n := range r.identifiers {
		identifiers = append(identifiers, n)
	}
	for n := range r.namers {
		namers = append(namers, n)
	}
	sort.Strings(identifiers)
	sort.Strings(namers)
	return identifiers, namers
}

func normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return DefaultName
	}
	return name
}
