package swarm

import (
	"fmt"
	"strings"

	"github.com/mtzanidakis/kypseli/internal/agent"
)

// Topology is the coordination pattern among the agents of a swarm.
type Topology string

const (
	TopologyHierarchical Topology = "hierarchical"
	TopologyMesh         Topology = "mesh"
	TopologyRing         Topology = "ring"
	TopologyStar         Topology = "star"
)

func (t Topology) Valid() bool {
	switch t {
	case TopologyHierarchical, TopologyMesh, TopologyRing, TopologyStar:
		return true
	}
	return false
}

func ParseTopology(s string) (Topology, error) {
	t := Topology(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown topology %q", s)
	}
	return t, nil
}

// Status is a snapshot of a coordinator.
type Status struct {
	SwarmID     string             `json:"swarm_id"`
	Initialized bool               `json:"initialized"`
	Topology    Topology           `json:"topology,omitempty"`
	MaxAgents   int                `json:"max_agents"`
	Agents      []agent.Descriptor `json:"agents"`
	Ready       int                `json:"ready"`
	Working     int                `json:"working"`
	Running     []string           `json:"running"`
}

// member is a spawned agent and the definition it came from.
type member struct {
	handle     *agent.Handle
	definition string
}
