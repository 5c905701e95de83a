package responseparser

import (
	"testing"

	"github.com/tidwall/sjson"

	"github.com/deepcode-reasoning/reasoning-server/internal/schema"
)

func TestParseNeverPanicsAndStaysWithinInvariants(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"empty string", ""},
		{"prose with no JSON", "I could not find anything wrong."},
		{"unbalanced braces", "{\"status\": \"success\""},
		{"valid minimal object", `{"status":"success"}`},
		{"garbage before and after", "Here is the analysis:\n{ \"rootCauses\": [], \"status\": \"success\" } extra text"},
		{"nested braces in strings", `{"status":"success","findings":{"rootCauses":[{"kind":"x","description":"a { b } c","confidence":1.4,"evidence":["f.go:10"]}]}}`},
		{"out of range confidence clamps", `{"status":"success","findings":{"rootCauses":[{"confidence":5}]}}`},
		{"unknown enum value", `{"status":"bogus"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := Parse(tc.raw)

			switch result.Status {
			case schema.StatusSuccess, schema.StatusPartial, schema.StatusNeedMoreContext:
			default:
				t.Fatalf("status %q is not a recognized enum value", result.Status)
			}

			for _, rc := range result.Findings.RootCauses {
				if rc.Confidence < 0 || rc.Confidence > 1 {
					t.Fatalf("confidence %v out of [0,1]", rc.Confidence)
				}
				for _, loc := range rc.Evidence {
					if loc.Line < 0 {
						t.Fatalf("location line %d is negative", loc.Line)
					}
				}
			}
		})
	}
}

func TestParseToleranceScenario(t *testing.T) {
	// Mirrors the literal end-to-end scenario: prose around a minimal
	// valid JSON object should still yield a success result with
	// default-filled recommendations/enrichedContext.
	raw := "Here is the analysis:\n{ \"rootCauses\": [], \"status\": \"success\" } extra text"
	result := Parse(raw)

	if result.Status != schema.StatusSuccess {
		t.Fatalf("expected status success, got %q", result.Status)
	}
	if len(result.Findings.RootCauses) != 0 {
		t.Fatalf("expected no root causes, got %d", len(result.Findings.RootCauses))
	}
	if result.Recommendations.ImmediateActions == nil {
		t.Fatalf("expected non-nil immediate actions slice")
	}
}

func TestParseNoJSONObjectReturnsPartial(t *testing.T) {
	result := Parse("no json here at all")
	if result.Status != schema.StatusPartial {
		t.Fatalf("expected partial status, got %q", result.Status)
	}
	if len(result.Recommendations.ImmediateActions) == 0 {
		t.Fatalf("expected a diagnostic immediate action")
	}
	if len(result.Recommendations.InvestigationNextSteps) == 0 {
		t.Fatalf("expected diagnostic investigation next steps")
	}
}

func TestCoerceEvidenceLocations(t *testing.T) {
	raw, err := sjson.Set(`{"status":"success"}`, "findings.rootCauses.0.evidence.0", "pkg/foo.go:42")
	if err != nil {
		t.Fatalf("sjson.Set: %v", err)
	}
	raw, err = sjson.Set(raw, "findings.rootCauses.0.confidence", 0.75)
	if err != nil {
		t.Fatalf("sjson.Set: %v", err)
	}

	result := Parse(raw)
	if len(result.Findings.RootCauses) != 1 {
		t.Fatalf("expected one root cause, got %d", len(result.Findings.RootCauses))
	}
	rc := result.Findings.RootCauses[0]
	if len(rc.Evidence) != 1 {
		t.Fatalf("expected one evidence location, got %d", len(rc.Evidence))
	}
	if rc.Evidence[0].File != "pkg/foo.go" || rc.Evidence[0].Line != 42 {
		t.Fatalf("unexpected location: %+v", rc.Evidence[0])
	}
}

func TestParseLocationTolerance(t *testing.T) {
	t.Run("missing line defaults to zero", func(t *testing.T) {
		loc := parseEvidenceLocation("some/file.go")
		if loc.Line != 0 || loc.File != "some/file.go" {
			t.Fatalf("unexpected location: %+v", loc)
		}
	})

	t.Run("empty string becomes unknown", func(t *testing.T) {
		loc := parseEvidenceLocation("")
		if loc.File != "unknown" || loc.Line != 0 {
			t.Fatalf("unexpected location: %+v", loc)
		}
	})
}
