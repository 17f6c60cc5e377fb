package broker

// Kwargs holds task arguments. They cross the queue as JSON, so numbers
// arrive as float64 and lists as []any; the accessors normalize both the
// native and the decoded shapes.
type Kwargs map[string]any

// String returns the named argument if it is a string.
func (k Kwargs) String(key string) (string, bool) {
	s, ok := k[key].(string)
	return s, ok
}

// Bool returns the named argument if it is a bool.
func (k Kwargs) Bool(key string) (bool, bool) {
	b, ok := k[key].(bool)
	return b, ok
}

// Int returns the named argument as an int, accepting the float64 form
// JSON decoding produces.
func (k Kwargs) Int(key string) (int, bool) {
	switch v := k[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

// Strings returns the named argument as a string slice, accepting both
// []string and the []any form JSON decoding produces. Missing or
// mistyped values yield nil.
func (k Kwargs) Strings(key string) []string {
	switch v := k[key].(type) {
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
