package models

import (
	"strings"

	"github.com/google/uuid"
)

// RefKind tells which identifier an EventRef carries.
type RefKind int

const (
	ExternalRef RefKind = iota
	InternalRef
)

// EventRef identifies a stored event either by the provider id or by the
// internal row id.
type EventRef struct {
	Kind  RefKind
	Value string
}

func (r EventRef) String() string {
	if r.Kind == InternalRef {
		return "internal:" + r.Value
	}
	return "external:" + r.Value
}

// ResolveEventRefs turns a client-supplied identifier into the refs to try,
// in order. The provider id always comes first; the internal id is only a
// candidate when the identifier parses as one.
func ResolveEventRefs(identifier string) []EventRef {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil
	}
	refs := []EventRef{{Kind: ExternalRef, Value: identifier}}
	if id, err := uuid.Parse(identifier); err == nil {
		refs = append(refs, EventRef{Kind: InternalRef, Value: id.String()})
	}
	return refs
}
