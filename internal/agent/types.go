package agent

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusWorking      Status = "working"
	StatusError        Status = "error"
	StatusShutdown     Status = "shutdown"
)

// transitions lists the legal moves of the agent state machine. Shutdown is
// reachable from every state and handled separately.
var transitions = map[Status][]Status{
	StatusInitializing: {StatusReady, StatusError},
	StatusReady:        {StatusWorking},
	StatusWorking:      {StatusReady, StatusError},
	StatusError:        {StatusInitializing},
}

func canTransition(from, to Status) bool {
	if to == StatusShutdown {
		return from != StatusShutdown
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Type string

const (
	TypeCoordinator Type = "coordinator"
	TypeResearcher  Type = "researcher"
	TypeCoder       Type = "coder"
	TypeAnalyst     Type = "analyst"
	TypeArchitect   Type = "architect"
	TypeTester      Type = "tester"
	TypeReviewer    Type = "reviewer"
	TypeOptimizer   Type = "optimizer"
	TypeDocumenter  Type = "documenter"
	TypeSpecialist  Type = "specialist"
)

var allTypes = []Type{
	TypeCoordinator, TypeResearcher, TypeCoder, TypeAnalyst, TypeArchitect,
	TypeTester, TypeReviewer, TypeOptimizer, TypeDocumenter, TypeSpecialist,
}

func (t Type) Valid() bool {
	for _, v := range allTypes {
		if t == v {
			return true
		}
	}
	return false
}

// ParseType validates s as an agent type.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown agent type %q", s)
	}
	return t, nil
}

type Capability string

const (
	CapResearch      Capability = "research"
	CapAnalysis      Capability = "analysis"
	CapData          Capability = "data"
	CapCoding        Capability = "coding"
	CapTesting       Capability = "testing"
	CapReview        Capability = "review"
	CapDocumentation Capability = "documentation"
	CapDesign        Capability = "design"
	CapOptimization  Capability = "optimization"
	CapTraining      Capability = "training"
	CapEvaluation    Capability = "evaluation"
	CapVisualization Capability = "visualization"
	CapCoordination  Capability = "coordination"
	CapPlanning      Capability = "planning"
)

var allCapabilities = []Capability{
	CapResearch, CapAnalysis, CapData, CapCoding, CapTesting, CapReview,
	CapDocumentation, CapDesign, CapOptimization, CapTraining, CapEvaluation,
	CapVisualization, CapCoordination, CapPlanning,
}

func (c Capability) Valid() bool {
	for _, v := range allCapabilities {
		if c == v {
			return true
		}
	}
	return false
}

// ParseCapabilities validates every entry of raw.
func ParseCapabilities(raw []string) ([]Capability, error) {
	out := make([]Capability, 0, len(raw))
	for _, s := range raw {
		c := Capability(strings.ToLower(strings.TrimSpace(s)))
		if !c.Valid() {
			return nil, fmt.Errorf("unknown capability %q", s)
		}
		out = append(out, c)
	}
	return out, nil
}

// DefaultCapabilities is the capability set an agent of type t gets when
// none are configured.
func DefaultCapabilities(t Type) []Capability {
	switch t {
	case TypeCoordinator:
		return []Capability{CapCoordination, CapPlanning}
	case TypeResearcher:
		return []Capability{CapResearch, CapAnalysis, CapDocumentation}
	case TypeCoder:
		return []Capability{CapCoding, CapTesting}
	case TypeAnalyst:
		return []Capability{CapAnalysis, CapData, CapVisualization}
	case TypeArchitect:
		return []Capability{CapDesign, CapPlanning, CapReview}
	case TypeTester:
		return []Capability{CapTesting, CapEvaluation}
	case TypeReviewer:
		return []Capability{CapReview, CapEvaluation}
	case TypeOptimizer:
		return []Capability{CapOptimization, CapAnalysis}
	case TypeDocumenter:
		return []Capability{CapDocumentation}
	case TypeSpecialist:
		return []Capability{CapTraining, CapEvaluation, CapData}
	}
	return nil
}

// Descriptor is a point-in-time view of an agent.
type Descriptor struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Type           Type         `json:"type"`
	Capabilities   []Capability `json:"capabilities"`
	Status         Status       `json:"status"`
	TasksCompleted int          `json:"tasks_completed"`
	Load           int          `json:"load"`
}

// HasCapability reports whether the agent advertises c.
func (d Descriptor) HasCapability(c Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}
