// Package fhirmodel contains the FHIR R4 payload types that the harness sends and receives, and the
// names of the server capabilities that tests can depend on.
//
// Only the parts of each resource that the tests look at are modeled as structs. Clinical resources
// such as Patient or Observation are handled generically as Resource values.
package fhirmodel
