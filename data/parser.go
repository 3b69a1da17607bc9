package data

import (
	"encoding/json"
	"fmt"

	yaml "gopkg.in/yaml.v3"
)

// ParseJSONOrYAML decodes data into target like json.Unmarshal. Data that is not JSON is read as YAML
// and converted to JSON first, so the target's json struct tags apply either way.
func ParseJSONOrYAML(data []byte, target interface{}) error {
	if json.Valid(data) {
		return json.Unmarshal(data, target)
	}
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	converted, err := jsonCompatible(doc)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(converted)
	if err != nil {
		return err
	}
	return json.Unmarshal(encoded, target)
}

// jsonCompatible replaces any map with non-string keys, which json.Marshal rejects, by a
// map[string]interface{}. A key that is not a string is an error.
func jsonCompatible(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case []interface{}:
		for i, item := range v {
			c, err := jsonCompatible(item)
			if err != nil {
				return nil, err
			}
			v[i] = c
		}
		return v, nil
	case map[string]interface{}:
		for key, item := range v {
			c, err := jsonCompatible(item)
			if err != nil {
				return nil, err
			}
			v[key] = c
		}
		return v, nil
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			name, ok := key.(string)
			if !ok {
				return nil, fmt.Errorf("YAML map key %v is a %T; only string keys can be converted to JSON", key, key)
			}
			c, err := jsonCompatible(item)
			if err != nil {
				return nil, err
			}
			out[name] = c
		}
		return out, nil
	default:
		return value, nil
	}
}
