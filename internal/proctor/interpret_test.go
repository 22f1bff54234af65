package proctor

import (
	"testing"
	"time"

	"github.com/formsuite/proctoring/internal/classifier"
	"github.com/formsuite/proctoring/pkg/types"
)

func TestDebouncer_SameKindWindow(t *testing.T) {
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	cases := []struct {
		name  string
		gap   time.Duration
		wants int
	}{
		{"within window", 4999 * time.Millisecond, 1},
		{"exactly at window", 5000 * time.Millisecond, 2},
		{"after window", 7 * time.Second, 2},
		{"same instant", 0, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, kind := range types.ViolationKinds {
				d := NewDebouncer(DefaultCooldown)
				accepted := 0
				if d.Allow(kind, base) {
					accepted++
				}
				if d.Allow(kind, base.Add(tc.gap)) {
					accepted++
				}
				if accepted != tc.wants {
					t.Errorf("%s: expected %d accepted, got %d", kind, tc.wants, accepted)
				}
			}
		})
	}
}

func TestDebouncer_RejectionDoesNotExtendWindow(t *testing.T) {
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	d := NewDebouncer(DefaultCooldown)
	d.Allow(types.ViolationNoPerson, base)
	if d.Allow(types.ViolationNoPerson, base.Add(3*time.Second)) {
		t.Fatal("expected rejection inside window")
	}
	if !d.Allow(types.ViolationNoPerson, base.Add(5*time.Second)) {
		t.Fatal("window must be measured from the last acceptance")
	}
}

func TestDebouncer_CrossKindIndependence(t *testing.T) {
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	d := NewDebouncer(DefaultCooldown)
	for _, kind := range types.ViolationKinds {
		if !d.Allow(kind, now) {
			t.Errorf("%s should be accepted independently", kind)
		}
	}
	if d.Allow(types.ViolationKind("gaze_away"), now) {
		t.Error("unknown kind must be rejected")
	}
}

func TestInterpret_ObjectThresholdIsStrict(t *testing.T) {
	want := map[string]types.ViolationKind{
		"cell phone": types.ViolationPhoneDetected,
		"book":       types.ViolationBookDetected,
		"laptop":     types.ViolationLaptopDetected,
		"remote":     types.ViolationProhibitedObject,
		"tablet":     types.ViolationProhibitedObject,
	}
	for label, kind := range want {
		at := Interpret(classifier.Result{
			PersonCount: 1,
			Objects:     []types.Detection{{ClassLabel: label, Confidence: 0.5}},
		})
		if len(at) != 0 {
			t.Errorf("%s at 0.5 must not be flagged, got %+v", label, at)
		}

		above := Interpret(classifier.Result{
			PersonCount: 1,
			Objects:     []types.Detection{{ClassLabel: label, Confidence: 0.51}},
		})
		if len(above) != 1 || above[0].Kind != kind {
			t.Fatalf("%s at 0.51: expected %s, got %+v", label, kind, above)
		}
		if above[0].Confidence == nil || *above[0].Confidence != 0.51 {
			t.Errorf("%s: expected confidence 0.51", label)
		}
	}
}

func TestInterpret_LabelMatchingIgnoresCase(t *testing.T) {
	got := Interpret(classifier.Result{
		PersonCount: 1,
		Objects: []types.Detection{
			{ClassLabel: "Cell Phone", Confidence: 0.9},
			{ClassLabel: "cup", Confidence: 0.99},
		},
	})
	if len(got) != 1 || got[0].Kind != types.ViolationPhoneDetected {
		t.Fatalf("unexpected candidates %+v", got)
	}
	if got[0].Message != "Cell Phone detected. Prohibited items are not allowed" {
		t.Errorf("unexpected message %q", got[0].Message)
	}
}

func TestInterpret_PersonCountRules(t *testing.T) {
	none := Interpret(classifier.Result{PersonCount: 0})
	if len(none) != 1 || none[0].Kind != types.ViolationNoPerson || none[0].Confidence != nil {
		t.Fatalf("expected no_person without confidence, got %+v", none)
	}

	if one := Interpret(classifier.Result{PersonCount: 1, PersonConfidences: []float64{0.9}}); len(one) != 0 {
		t.Fatalf("single person must yield nothing, got %+v", one)
	}

	two := Interpret(classifier.Result{PersonCount: 2, PersonConfidences: []float64{0.6, 0.92}})
	if len(two) != 1 || two[0].Kind != types.ViolationMultiplePeople {
		t.Fatalf("expected multiple_people, got %+v", two)
	}
	if two[0].Confidence == nil || *two[0].Confidence != 0.6 {
		t.Errorf("expected confidence of the non-primary person (0.6), got %v", two[0].Confidence)
	}
	if two[0].Message != "2 people detected. Only the test-taker should be visible" {
		t.Errorf("unexpected message %q", two[0].Message)
	}

	three := Interpret(classifier.Result{PersonCount: 3, PersonConfidences: []float64{0.95, 0.7, 0.8}})
	if *three[0].Confidence != 0.8 {
		t.Errorf("expected max of extras 0.8, got %v", *three[0].Confidence)
	}
}

func TestInterpret_PresenceAndObjectsTogether(t *testing.T) {
	got := Interpret(classifier.Result{
		PersonCount:       2,
		PersonConfidences: []float64{0.9, 0.7},
		Objects:           []types.Detection{{ClassLabel: "cell phone", Confidence: 0.8}},
	})
	if len(got) != 2 || got[0].Kind != types.ViolationMultiplePeople || got[1].Kind != types.ViolationPhoneDetected {
		t.Fatalf("unexpected candidates %+v", got)
	}
}

func TestVisibilityWatcher_OnlyCountsTransitions(t *testing.T) {
	var w visibilityWatcher
	seq := []Visibility{Hidden, Hidden, Visible, Visible, Hidden}
	want := []bool{true, false, false, false, true}
	for i, v := range seq {
		if got := w.observe(v); got != want[i] {
			t.Errorf("step %d (%s): expected %v, got %v", i, v, want[i], got)
		}
	}
}

func TestVisibilityHub_Unsubscribe(t *testing.T) {
	hub := NewVisibilityHub()
	var got []Visibility
	unsubscribe := hub.Subscribe(func(v Visibility) { got = append(got, v) })

	hub.SetHidden(true)
	unsubscribe()
	unsubscribe()
	hub.SetHidden(false)

	if len(got) != 1 || got[0] != Hidden {
		t.Errorf("expected only the first event, got %v", got)
	}
}
