package skeleton

import (
	"fmt"
	"strings"
)

// Kind identifies one of the four log-skeleton constraint families.
type Kind uint8

const (
	DirectlyFollows Kind = iota
	ActivityFrequency
	AlwaysBefore
	NeverTogether
)

var kindNames = [...]string{
	DirectlyFollows:   "directly_follows",
	ActivityFrequency: "activity_frequency",
	AlwaysBefore:      "always_before",
	NeverTogether:     "never_together",
}

// Kinds returns every constraint kind in check order.
func Kinds() []Kind {
	return []Kind{DirectlyFollows, ActivityFrequency, AlwaysBefore, NeverTogether}
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	return int(k) < len(kindNames)
}

// ParseKind parses the text form of a kind. The legacy "activ_freq" spelling
// is accepted for activity frequency.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "directly_follows":
		return DirectlyFollows, nil
	case "activity_frequency", "activ_freq":
		return ActivityFrequency, nil
	case "always_before":
		return AlwaysBefore, nil
	case "never_together":
		return NeverTogether, nil
	}
	return 0, fmt.Errorf("unknown constraint kind %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid constraint kind %d", k)
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
