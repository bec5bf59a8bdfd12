package textutil

import "strings"

// AttributeMap merges string attribute sets into one map, later sets winning on conflict. Keys and
// values are trimmed and entries left empty on either side are dropped, since brokers reject empty
// attribute values.
func AttributeMap(sets ...map[string]string) map[string]string {
	result := make(map[string]string)
	for _, set := range sets {
		for key, value := range set {
			key = strings.TrimSpace(key)
			value = strings.TrimSpace(value)
			if key == "" || value == "" {
				continue
			}
			result[key] = value
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
