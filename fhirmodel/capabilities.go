package fhirmodel

import (
	"strings"

	"github.com/fhir-harness/fhir-test-harness/framework"
)

const (
	CapabilityBatch             = "batch"
	CapabilityTransaction       = "transaction"
	CapabilityExport            = "export"
	CapabilityImport            = "import"
	CapabilityPatchJSON         = "patch-json"
	CapabilityPatchFHIRPath     = "patch-fhirpath"
	CapabilityMemberMatch       = "member-match"
	CapabilityLookup            = "lookup"
	CapabilityConditionalCreate = "conditional-create"
	CapabilityConditionalUpdate = "conditional-update"
	CapabilityConditionalDelete = "conditional-delete"
	CapabilityVersioning        = "versioning"
	CapabilityHistory           = "history"
	CapabilitySearchPost        = "search-post"
	CapabilitySecurity          = "security"
	CapabilityCORS              = "cors"

	// These are not derived from the CapabilityStatement; they come from harness configuration.
	CapabilityDataStoreCosmos = "data-store-cosmosdb"
	CapabilityDataStoreSQL    = "data-store-sqlserver"
	CapabilityBlobStore       = "blob-store"
)

// AllCapabilities lists every capability that some test can require, for reporting purposes.
func AllCapabilities() []string {
	return []string{
		CapabilityBatch,
		CapabilityTransaction,
		CapabilityExport,
		CapabilityImport,
		CapabilityPatchJSON,
		CapabilityPatchFHIRPath,
		CapabilityMemberMatch,
		CapabilityLookup,
		CapabilityConditionalCreate,
		CapabilityConditionalUpdate,
		CapabilityConditionalDelete,
		CapabilityVersioning,
		CapabilityHistory,
		CapabilitySearchPost,
		CapabilitySecurity,
		CapabilityCORS,
	}
}

const (
	patchFormatJSON     = "application/json-patch+json"
	patchFormatFHIRJSON = "application/fhir+json"
)

// DeriveCapabilities inspects a CapabilityStatement and returns the capability names it implies.
func DeriveCapabilities(cs CapabilityStatement) framework.Capabilities {
	var caps framework.Capabilities
	add := func(names ...string) { caps = caps.With(names...) }

	for _, rest := range cs.Rest {
		if rest.Mode != "" && rest.Mode != "server" {
			continue
		}
		for _, i := range rest.Interaction {
			switch i.Code {
			case "batch":
				add(CapabilityBatch)
			case "transaction":
				add(CapabilityTransaction)
			case "history-system":
				add(CapabilityHistory)
			}
		}
		for _, op := range rest.Operation {
			if name := operationCapability(op.Name); name != "" {
				add(name)
			}
		}
		if rest.Security != nil {
			if rest.Security.CORS {
				add(CapabilityCORS)
			}
			for _, svc := range rest.Security.Service {
				for _, c := range svc.Coding {
					if strings.EqualFold(c.Code, "SMART-on-FHIR") || strings.EqualFold(c.Code, "OAuth") {
						add(CapabilitySecurity)
					}
				}
			}
		}
		for _, res := range rest.Resource {
			if res.ConditionalCreate {
				add(CapabilityConditionalCreate)
			}
			if res.ConditionalUpdate {
				add(CapabilityConditionalUpdate)
			}
			if res.ConditionalDelete == "single" || res.ConditionalDelete == "multiple" {
				add(CapabilityConditionalDelete)
			}
			if res.Versioning == "versioned" || res.Versioning == "versioned-update" {
				add(CapabilityVersioning)
			}
			for _, i := range res.Interaction {
				switch i.Code {
				case "vread":
					add(CapabilityVersioning)
				case "history-instance", "history-type":
					add(CapabilityHistory)
				case "search-type":
					add(CapabilitySearchPost)
				case "patch":
					add(patchCapabilities(cs.PatchFormat)...)
				}
			}
			for _, op := range res.Operation {
				if name := operationCapability(op.Name); name != "" {
					add(name)
				}
			}
		}
	}
	return caps
}

func operationCapability(opName string) string {
	switch strings.TrimPrefix(opName, "$") {
	case "export":
		return CapabilityExport
	case "import":
		return CapabilityImport
	case "member-match":
		return CapabilityMemberMatch
	case "lookup":
		return CapabilityLookup
	}
	return ""
}

// A server that declares the patch interaction but no patchFormat is assumed to accept both.
func patchCapabilities(formats []string) []string {
	if len(formats) == 0 {
		return []string{CapabilityPatchJSON, CapabilityPatchFHIRPath}
	}
	var ret []string
	for _, f := range formats {
		switch {
		case strings.HasPrefix(f, patchFormatJSON):
			ret = append(ret, CapabilityPatchJSON)
		case strings.HasPrefix(f, patchFormatFHIRJSON):
			ret = append(ret, CapabilityPatchFHIRPath)
		}
	}
	return ret
}
