package proctor

import (
	"fmt"
	"strings"

	"github.com/formsuite/proctoring/internal/classifier"
	"github.com/formsuite/proctoring/pkg/types"
)

// ObjectThreshold is the confidence a prohibited object must exceed.
const ObjectThreshold = 0.5

// Candidate is a possible violation produced by one tick, before debouncing.
type Candidate struct {
	Kind       types.ViolationKind
	Message    string
	Confidence *float64
}

type prohibitedClass struct {
	kind  types.ViolationKind
	label string
}

// Keys are lower-case COCO class names.
var prohibitedObjects = map[string]prohibitedClass{
	"cell phone": {kind: types.ViolationPhoneDetected, label: "Cell Phone"},
	"book":       {kind: types.ViolationBookDetected, label: "Book"},
	"laptop":     {kind: types.ViolationLaptopDetected, label: "Laptop"},
	"remote":     {kind: types.ViolationProhibitedObject, label: "Remote/Device"},
	"tablet":     {kind: types.ViolationProhibitedObject, label: "Tablet"},
}

const (
	noPersonMessage  = "No person detected. Please stay in front of the camera"
	tabSwitchMessage = "Tab switch detected. Do not leave this page during the assessment"
)

func multiplePeopleMessage(n int) string {
	return fmt.Sprintf("%d people detected. Only the test-taker should be visible", n)
}

func prohibitedMessage(label string) string {
	return fmt.Sprintf("%s detected. Prohibited items are not allowed", label)
}

// Interpret applies the detection rules to one classifier result. Candidates
// are returned in rule order: presence first, then objects in detection order.
func Interpret(res classifier.Result) []Candidate {
	var out []Candidate

	switch {
	case res.PersonCount == 0:
		out = append(out, Candidate{Kind: types.ViolationNoPerson, Message: noPersonMessage})
	case res.PersonCount > 1:
		out = append(out, Candidate{
			Kind:       types.ViolationMultiplePeople,
			Message:    multiplePeopleMessage(res.PersonCount),
			Confidence: extraPersonConfidence(res.PersonConfidences),
		})
	}

	for _, obj := range res.Objects {
		class, ok := prohibitedObjects[strings.ToLower(strings.TrimSpace(obj.ClassLabel))]
		if !ok || obj.Confidence <= ObjectThreshold {
			continue
		}
		out = append(out, Candidate{
			Kind:       class.kind,
			Message:    prohibitedMessage(class.label),
			Confidence: types.Float(obj.Confidence),
		})
	}
	return out
}

// extraPersonConfidence returns the highest confidence among everyone except
// the primary (most confident) person, or nil when fewer than two are known.
func extraPersonConfidence(confs []float64) *float64 {
	if len(confs) < 2 {
		return nil
	}
	primary := 0
	for i, c := range confs {
		if c > confs[primary] {
			primary = i
		}
	}
	best := -1.0
	for i, c := range confs {
		if i != primary && c > best {
			best = c
		}
	}
	return types.Float(best)
}
