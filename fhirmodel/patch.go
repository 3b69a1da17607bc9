package fhirmodel

// PatchOperation is one operation of a JSON Patch (RFC 6902) document.
type PatchOperation struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
	From  string      `json:"from,omitempty"`
}

func PatchReplace(path string, value interface{}) PatchOperation {
	return PatchOperation{Op: "replace", Path: path, Value: value}
}

func PatchAdd(path string, value interface{}) PatchOperation {
	return PatchOperation{Op: "add", Path: path, Value: value}
}

func PatchRemove(path string) PatchOperation {
	return PatchOperation{Op: "remove", Path: path}
}

func PatchTest(path string, value interface{}) PatchOperation {
	return PatchOperation{Op: "test", Path: path, Value: value}
}
