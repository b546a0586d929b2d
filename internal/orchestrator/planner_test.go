package orchestrator

import (
	"errors"
	"slices"
	"testing"

	"github.com/mtzanidakis/kypseli/internal/agent"
	"github.com/mtzanidakis/kypseli/internal/errdefs"
)

func TestParsePlanDocument(t *testing.T) {
	raw := `{
		"version": 1,
		"objective": "ship it",
		"phases": [
			{"name": "build", "tasks": [
				{"id": "a", "description": "implement the feature", "agent_type": "coder", "estimated_minutes": 30},
				{"id": "b", "description": "review the change", "estimated_minutes": 10, "dependencies": ["a"], "required_capabilities": ["review"]}
			]}
		]
	}`
	doc, err := ParsePlanDocument([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	phases, tasks := doc.tasks("high")
	if len(phases) != 1 || len(tasks) != 2 {
		t.Fatalf("expected 1 phase with 2 tasks, got %d/%d", len(phases), len(tasks))
	}
	if tasks[0].AgentType != agent.TypeCoder {
		t.Errorf("expected coder, got %s", tasks[0].AgentType)
	}
	// Capabilities are inferred when the document omits them.
	if !slices.Contains(tasks[0].RequiredCapabilities, agent.CapCoding) {
		t.Errorf("expected inferred coding capability, got %v", tasks[0].RequiredCapabilities)
	}
	if len(tasks[1].RequiredCapabilities) != 1 || tasks[1].RequiredCapabilities[0] != agent.CapReview {
		t.Errorf("expected explicit review capability, got %v", tasks[1].RequiredCapabilities)
	}
	if tasks[1].Priority != "high" {
		t.Errorf("expected priority high, got %s", tasks[1].Priority)
	}
}

func TestParsePlanDocumentRejects(t *testing.T) {
	cases := map[string]string{
		"not json":        `here is your plan!`,
		"unknown field":   `{"version":1,"phases":[{"name":"p","tasks":[{"id":"a","description":"x","owner":"me"}]}]}`,
		"wrong version":   `{"version":2,"phases":[{"name":"p","tasks":[{"id":"a","description":"x"}]}]}`,
		"no phases":       `{"version":1,"phases":[]}`,
		"no tasks":        `{"version":1,"phases":[{"name":"p","tasks":[]}]}`,
		"missing id":      `{"version":1,"phases":[{"name":"p","tasks":[{"description":"x"}]}]}`,
		"duplicate id":    `{"version":1,"phases":[{"name":"p","tasks":[{"id":"a","description":"x"},{"id":"a","description":"y"}]}]}`,
		"unknown dep":     `{"version":1,"phases":[{"name":"p","tasks":[{"id":"a","description":"x","dependencies":["z"]}]}]}`,
		"unknown type":    `{"version":1,"phases":[{"name":"p","tasks":[{"id":"a","description":"x","agent_type":"wizard"}]}]}`,
		"unknown cap":     `{"version":1,"phases":[{"name":"p","tasks":[{"id":"a","description":"x","required_capabilities":["magic"]}]}]}`,
		"negative minute": `{"version":1,"phases":[{"name":"p","tasks":[{"id":"a","description":"x","estimated_minutes":-1}]}]}`,
		"trailing data":   `{"version":1,"phases":[{"name":"p","tasks":[{"id":"a","description":"x"}]}]} {}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePlanDocument([]byte(raw))
			if !errors.Is(err, errdefs.ErrPlanParse) {
				t.Errorf("expected ErrPlanParse, got %v", err)
			}
		})
	}
}

func TestHeuristicPlanTemplates(t *testing.T) {
	cases := []struct {
		objective string
		source    string
		tasks     int
	}{
		{"Train a classifier on the support tickets", "training", 5},
		{"Analyze last quarter's sales data", "analysis", 6},
		{"Investigate caching strategies", "research", 4},
		{"Ship the release", "generic", 1},
	}
	for _, tc := range cases {
		t.Run(tc.source, func(t *testing.T) {
			source, phases, tasks := heuristicPlan(tc.objective, "normal")
			if source != tc.source {
				t.Errorf("expected %s, got %s", tc.source, source)
			}
			if len(tasks) != tc.tasks {
				t.Errorf("expected %d tasks, got %d", tc.tasks, len(tasks))
			}
			n := 0
			for _, p := range phases {
				n += len(p.Tasks)
			}
			if n != len(tasks) {
				t.Errorf("phases list %d tasks, plan has %d", n, len(tasks))
			}
			if _, err := Levels(tasks); err != nil {
				t.Errorf("template must level cleanly: %v", err)
			}
		})
	}
}

func TestInferCapabilities(t *testing.T) {
	got := InferCapabilities("Write tests and review the code")
	for _, want := range []agent.Capability{agent.CapCoding, agent.CapTesting, agent.CapReview, agent.CapDocumentation} {
		if !slices.Contains(got, want) {
			t.Errorf("expected %s in %v", want, got)
		}
	}
	if len(InferCapabilities("hello")) != 0 {
		t.Error("expected no capabilities for a bare greeting")
	}
}

func TestInferAgentType(t *testing.T) {
	cases := map[string]agent.Type{
		"Fine-tune the model":         agent.TypeSpecialist,
		"Research competitor pricing": agent.TypeResearcher,
		"Verify the migration":        agent.TypeTester,
		"Implement the API":           agent.TypeCoder,
		"Say hi":                      "",
	}
	for desc, want := range cases {
		if got := InferAgentType(desc); got != want {
			t.Errorf("InferAgentType(%q) = %q, want %q", desc, got, want)
		}
	}
}

func TestHeuristicPlanCopiesCapabilities(t *testing.T) {
	_, _, first := heuristicPlan("Analyze the sales data", "normal")
	want := append([]agent.Capability(nil), first[0].RequiredCapabilities...)
	if len(want) == 0 {
		t.Fatal("expected template task to require capabilities")
	}
	first[0].RequiredCapabilities[0] = agent.CapDesign

	_, _, second := heuristicPlan("Analyze the sales data", "normal")
	got := second[0].RequiredCapabilities
	if len(got) != len(want) || got[0] != want[0] {
		t.Errorf("editing one plan leaked into the next: got %v, want %v", got, want)
	}
}
