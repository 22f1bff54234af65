package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// ViolationKind identifies a class of proctoring violation.
type ViolationKind string

const (
	ViolationNoPerson         ViolationKind = "no_person"
	ViolationMultiplePeople   ViolationKind = "multiple_people"
	ViolationPhoneDetected    ViolationKind = "phone_detected"
	ViolationBookDetected     ViolationKind = "book_detected"
	ViolationLaptopDetected   ViolationKind = "laptop_detected"
	ViolationProhibitedObject ViolationKind = "prohibited_object"
	ViolationTabSwitch        ViolationKind = "tab_switch"
)

// ViolationKindCount is the size of the closed kind set.
const ViolationKindCount = 7

// ViolationKinds lists every kind in index order.
var ViolationKinds = [ViolationKindCount]ViolationKind{
	ViolationNoPerson,
	ViolationMultiplePeople,
	ViolationPhoneDetected,
	ViolationBookDetected,
	ViolationLaptopDetected,
	ViolationProhibitedObject,
	ViolationTabSwitch,
}

// Index returns the position of k in ViolationKinds, or -1 if k is unknown.
func (k ViolationKind) Index() int {
	for i, known := range ViolationKinds {
		if known == k {
			return i
		}
	}
	return -1
}

// Valid reports whether k belongs to the closed set.
func (k ViolationKind) Valid() bool {
	return k.Index() >= 0
}

// ParseViolationKind converts a wire string into a ViolationKind.
func ParseViolationKind(s string) (ViolationKind, error) {
	k := ViolationKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown violation type %q", s)
	}
	return k, nil
}

// TimestampLayout is the ISO-8601 layout used on the wire.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Violation is an accepted proctoring violation. Values are never mutated
// after construction.
type Violation struct {
	Kind       ViolationKind
	OccurredAt time.Time
	Message    string
	Confidence *float64
}

// NewViolation builds a Violation, copying the optional confidence.
func NewViolation(kind ViolationKind, at time.Time, message string, confidence *float64) Violation {
	v := Violation{Kind: kind, OccurredAt: at, Message: message}
	if confidence != nil {
		c := *confidence
		v.Confidence = &c
	}
	return v
}

type violationWire struct {
	Type       string   `json:"type"`
	Timestamp  string   `json:"timestamp"`
	Message    string   `json:"message"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// MarshalJSON encodes the ingestion wire shape.
func (v Violation) MarshalJSON() ([]byte, error) {
	return json.Marshal(violationWire{
		Type:       string(v.Kind),
		Timestamp:  v.OccurredAt.UTC().Format(TimestampLayout),
		Message:    v.Message,
		Confidence: v.Confidence,
	})
}

// UnmarshalJSON decodes and validates the ingestion wire shape.
func (v *Violation) UnmarshalJSON(data []byte) error {
	var w violationWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	kind, err := ParseViolationKind(w.Type)
	if err != nil {
		return err
	}
	if w.Timestamp == "" {
		return fmt.Errorf("violation timestamp is required")
	}
	at, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return fmt.Errorf("invalid violation timestamp %q: %w", w.Timestamp, err)
	}
	if w.Confidence != nil && (*w.Confidence < 0 || *w.Confidence > 1) {
		return fmt.Errorf("violation confidence %v out of range [0,1]", *w.Confidence)
	}
	*v = NewViolation(kind, at, w.Message, w.Confidence)
	return nil
}

// Float returns a pointer to f, for optional confidences.
func Float(f float64) *float64 {
	return &f
}
