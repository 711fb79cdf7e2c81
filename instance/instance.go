// Package instance defines the receiver instance: one AE title bound to a
// TCP port with its processing flags and strategies.
package instance

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	dicomerrors "github.com/caio-sobreiro/dicomscp/errors"
	"github.com/caio-sobreiro/dicomscp/strategy"
)

// Store errors. Implementations return these, possibly wrapped.
var (
	ErrDuplicateKey = errors.New("instance: duplicate enabled AE title and port")
	ErrNotFound     = errors.New("instance: not found")
)

// MaxAETitleLength is the AE VR limit.
const MaxAETitleLength = 16

// Instance describes one receiver. ID, Created and LastModified are
// assigned by the store.
type Instance struct {
	ID      int64  `json:"id" yaml:"id"`
	AETitle string `json:"aeTitle" yaml:"aeTitle"`
	Port    int    `json:"port" yaml:"port"`

	IdentifierStrategy string `json:"identifier,omitempty" yaml:"identifier"`
	FileNamerStrategy  string `json:"fileNamer,omitempty" yaml:"fileNamer"`

	Enabled              bool `json:"enabled" yaml:"enabled"`
	CustomProcessing     bool `json:"customProcessing" yaml:"customProcessing"`
	DirectArchive        bool `json:"directArchive" yaml:"directArchive"`
	AnonymizationEnabled bool `json:"anonymizationEnabled" yaml:"anonymizationEnabled"`

	WhitelistEnabled bool     `json:"whitelistEnabled" yaml:"whitelistEnabled"`
	Whitelist        []string `json:"whitelist,omitempty" yaml:"whitelist"`

	RoutingExpressionsEnabled bool   `json:"routingExpressionsEnabled" yaml:"routingExpressionsEnabled"`
	ProjectRoutingExpression  string `json:"projectRoutingExpression,omitempty" yaml:"projectRoutingExpression"`
	SubjectRoutingExpression  string `json:"subjectRoutingExpression,omitempty" yaml:"subjectRoutingExpression"`
	SessionRoutingExpression  string `json:"sessionRoutingExpression,omitempty" yaml:"sessionRoutingExpression"`

	Created      time.Time `json:"created" yaml:"-"`
	LastModified time.Time `json:"lastModified" yaml:"-"`
}

// Key identifies an instance among enabled instances.
type Key struct {
	AETitle string
	Port    int
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d", k.AETitle, k.Port)
}

// Key returns the (AE title, port) pair of the instance.
func (i Instance) Key() Key {
	return Key{AETitle: i.AETitle, Port: i.Port}
}

// Clone returns a deep copy safe to cache.
func (i Instance) Clone() Instance {
	c := i
	c.Whitelist = slices.Clone(i.Whitelist)
	return c
}

// Routing compiles the routing expressions, or returns nil when routing is
// disabled.
func (i Instance) Routing() (*strategy.Routing, error) {
	if !i.RoutingExpressionsEnabled {
		return nil, nil
	}
	return strategy.CompileRouting(i.ProjectRoutingExpression, i.SubjectRoutingExpression, i.SessionRoutingExpression)
}

// Validate checks the fields a store does not.
func (i Instance) Validate() error {
	title := strings.TrimSpace(i.AETitle)
	switch {
	case title == "":
		return &dicomerrors.InvalidInstanceError{Field: "aeTitle", Reason: "is empty"}
	case len(title) > MaxAETitleLength:
		return &dicomerrors.InvalidInstanceError{Field: "aeTitle", Reason: fmt.Sprintf("exceeds %d characters", MaxAETitleLength)}
	case title != i.AETitle:
		return &dicomerrors.InvalidInstanceError{Field: "aeTitle", Reason: "has leading or trailing spaces"}
	}
	for _, r := range title {
		if r < 0x20 || r > 0x7e || r == '\\' {
			return &dicomerrors.InvalidInstanceError{Field: "aeTitle", Reason: fmt.Sprintf("contains invalid character %q", r)}
		}
	}
	if i.Port < 1 || i.Port > 65535 {
		return &dicomerrors.InvalidInstanceError{Field: "port", Reason: fmt.Sprintf("%d is out of range", i.Port)}
	}
	if i.WhitelistEnabled {
		for _, entry := range i.Whitelist {
			if strings.TrimSpace(entry) == "" {
				return &dicomerrors.InvalidInstanceError{Field: "whitelist", Reason: "contains an empty entry"}
			}
		}
	}
	if _, err := i.Routing(); err != nil {
		return &dicomerrors.InvalidInstanceError{Field: "routing expressions", Reason: err.Error()}
	}
	return nil
}

// Store persists instances. Save inserts when ID is zero and updates
// otherwise; it fails with ErrDuplicateKey when another enabled instance
// has the same key. ReplaceAll swaps the whole set atomically.
type Store interface {
	Save(ctx context.Context, inst Instance) (Instance, error)
	Get(ctx context.Context, id int64) (Instance, error)
	GetByTitleAndPort(ctx context.Context, aeTitle string, port int) (Instance, error)
	List(ctx context.Context) ([]Instance, error)
	ListEnabledByPort(ctx context.Context, port int) ([]Instance, error)
	EnabledPorts(ctx context.Context) ([]int, error)
	Delete(ctx context.Context, ids ...int64) error
	ReplaceAll(ctx context.Context, insts []Instance) ([]Instance, error)
	Close() error
}

// FindDuplicates returns the indexes of every enabled instance whose key is
// shared with another enabled instance of insts, in ascending order.
func FindDuplicates(insts []Instance) []int {
	count := make(map[Key]int)
	for _, inst := range insts {
		if inst.Enabled {
			count[inst.Key()]++
		}
	}
	var dups []int
	for idx, inst := range insts {
		if inst.Enabled && count[inst.Key()] > 1 {
			dups = append(dups, idx)
		}
	}
	return dups
}
