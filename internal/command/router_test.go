package command

import "testing"

func TestClassifyCommands(t *testing.T) {
	cases := []struct {
		name    string
		text    string
		want    Kind
		wantArg string
		wantOK  bool
	}{
		{"summarize", "#summarize", KindSummarize, "", true},
		{"summarize alias", "#summary", KindSummarize, "", true},
		{"summarize uppercase", "#SUMMARIZE", KindSummarize, "", true},
		{"summarize mixed case with arg", "#Summarize the meeting", KindSummarize, "the meeting", true},
		{"extract tasks", "#extract-tasks", KindExtractTasks, "", true},
		{"tasks alias", "#tasks deadline", KindExtractTasks, "deadline", true},
		{"search", "#search invoice", KindSearch, "invoice", true},
		{"find alias", "#find invoice number", KindSearch, "invoice number", true},
		{"leading whitespace", "  #search invoice", KindSearch, "invoice", true},
		{"arg whitespace trimmed", "#search   invoice  ", KindSearch, "invoice", true},
		{"plain text", "hello there", "", "", false},
		{"unknown command", "#weather tomorrow", "", "", false},
		{"bare hash", "#", "", "", false},
		{"empty", "", "", "", false},
		{"hash mid sentence", "see #search above", "", "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inv, ok := Classify(tc.text)
			if ok != tc.wantOK {
				t.Fatalf("Classify(%q) ok = %v, want %v", tc.text, ok, tc.wantOK)
			}
			if !ok {
				return
			}
			if inv.Kind != tc.want {
				t.Errorf("kind = %q, want %q", inv.Kind, tc.want)
			}
			if inv.Arg != tc.wantArg {
				t.Errorf("arg = %q, want %q", inv.Arg, tc.wantArg)
			}
		})
	}
}

func TestClassifyCaseInsensitiveEquivalence(t *testing.T) {
	upper, ok1 := Classify("#SUMMARIZE the plan")
	lower, ok2 := Classify("#summarize the plan")
	if !ok1 || !ok2 {
		t.Fatal("expected both variants to classify")
	}
	if upper != lower {
		t.Errorf("case variants disagree: %+v vs %+v", upper, lower)
	}
}

func TestToolEligible(t *testing.T) {
	if !KindSummarize.ToolEligible() {
		t.Error("summarize should be tool-eligible")
	}
	if !KindExtractTasks.ToolEligible() {
		t.Error("extract-tasks should be tool-eligible")
	}
	if KindSearch.ToolEligible() {
		t.Error("search should not be tool-eligible")
	}
}

func TestDirective(t *testing.T) {
	inv, _ := Classify("#summarize")
	if d := inv.Directive(); d == "" {
		t.Error("summarize directive should not be empty")
	}
	inv, _ = Classify("#tasks release")
	if d := inv.Directive(); d == "" {
		t.Error("tasks directive should not be empty")
	}
	inv, _ = Classify("#search invoice")
	if d := inv.Directive(); d != "" {
		t.Errorf("search directive should be empty, got %q", d)
	}
}
