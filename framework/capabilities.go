package framework

import (
	"strings"

	"github.com/fhir-harness/fhir-test-harness/framework/helpers"
)

// Capabilities is a list of strings representing optional features of the FHIR server under test.
// The harness derives them from the server's CapabilityStatement; see fhirmodel for the names.
type Capabilities []string

// Has returns true if the specified string appears in the list.
func (cs Capabilities) Has(name string) bool {
	for _, c := range cs {
		if c == name {
			return true
		}
	}
	return false
}

// HasAny returns true if any of the specified strings appears in the list.
func (cs Capabilities) HasAny(names ...string) bool {
	for _, n := range names {
		if cs.Has(n) {
			return true
		}
	}
	return false
}

// With returns a copy of the list with the specified names added, ignoring any that are already
// present.
func (cs Capabilities) With(names ...string) Capabilities {
	ret := append(Capabilities(nil), cs...)
	for _, n := range names {
		if !ret.Has(n) {
			ret = append(ret, n)
		}
	}
	return ret
}

// Without returns a copy of the list with the specified names removed.
func (cs Capabilities) Without(names ...string) Capabilities {
	ret := make(Capabilities, 0, len(cs))
	for _, c := range cs {
		if !Capabilities(names).Has(c) {
			ret = append(ret, c)
		}
	}
	return ret
}

// Sorted returns a sorted copy of the list.
func (cs Capabilities) Sorted() Capabilities {
	return helpers.Sorted(cs)
}

func (cs Capabilities) String() string {
	return strings.Join(cs.Sorted(), ", ")
}
