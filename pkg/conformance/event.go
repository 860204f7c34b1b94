package conformance

import (
	"fmt"
	"strconv"
)

// Default attribute keys, following the XES naming convention.
const (
	DefaultCaseIDKey   = "case:concept:name"
	DefaultActivityKey = "concept:name"
)

// Event is one occurrence from a live event stream, as an attribute mapping.
type Event map[string]interface{}

// NewEvent builds an event with the default case and activity keys.
func NewEvent(caseID, activity string) Event {
	return Event{
		DefaultCaseIDKey:   caseID,
		DefaultActivityKey: activity,
	}
}

// Attr returns the attribute under key coerced to a string. ok is false when
// the attribute is absent, nil, empty, or not a scalar value.
func (e Event) Attr(key string) (string, bool) {
	v, present := e[key]
	if !present {
		return "", false
	}
	s, ok := scalarString(v)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// Config names the attributes holding the case identifier and the activity.
type Config struct {
	CaseIDKey   string `yaml:"case_id_key" json:"case_id_key"`
	ActivityKey string `yaml:"activity_key" json:"activity_key"`
}

// DefaultConfig returns the XES default keys.
func DefaultConfig() Config {
	return Config{
		CaseIDKey:   DefaultCaseIDKey,
		ActivityKey: DefaultActivityKey,
	}
}

// resolve extracts the case id and activity of e.
func (c Config) resolve(e Event) (caseID, activity string, ok bool) {
	caseID, ok = e.Attr(c.CaseIDKey)
	if !ok {
		return "", "", false
	}
	activity, ok = e.Attr(c.ActivityKey)
	if !ok {
		return "", "", false
	}
	return caseID, activity, true
}

func scalarString(v interface{}) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case []byte:
		return string(x), true
	case fmt.Stringer:
		return x.String(), true
	case bool:
		return strconv.FormatBool(x), true
	case int:
		return strconv.Itoa(x), true
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", x), true
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	}
	return "", false
}
