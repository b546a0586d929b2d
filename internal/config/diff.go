package config

import (
	"reflect"
	"sort"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	AgentsAdded   []string
	AgentsRemoved []string
	AgentsChanged []string

	MaxAgentsChanged bool
	NewMaxAgents     int

	OrchestratorChanged bool
	NewOrchestrator     OrchestratorConfig

	SchedulerChanged bool
	NewScheduler     SchedulerConfig

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return len(d.AgentsAdded) > 0 ||
		len(d.AgentsRemoved) > 0 ||
		len(d.AgentsChanged) > 0 ||
		d.MaxAgentsChanged ||
		d.OrchestratorChanged ||
		d.SchedulerChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	for name := range new.Agents {
		if _, ok := old.Agents[name]; !ok {
			d.AgentsAdded = append(d.AgentsAdded, name)
		}
	}
	for name := range old.Agents {
		if _, ok := new.Agents[name]; !ok {
			d.AgentsRemoved = append(d.AgentsRemoved, name)
		}
	}
	for name, newDef := range new.Agents {
		if oldDef, ok := old.Agents[name]; ok {
			if !reflect.DeepEqual(oldDef, newDef) {
				d.AgentsChanged = append(d.AgentsChanged, name)
			}
		}
	}
	sort.Strings(d.AgentsAdded)
	sort.Strings(d.AgentsRemoved)
	sort.Strings(d.AgentsChanged)

	if old.Swarm.MaxAgents != new.Swarm.MaxAgents {
		d.MaxAgentsChanged = true
		d.NewMaxAgents = new.Swarm.MaxAgents
	}

	if old.Orchestrator != new.Orchestrator {
		d.OrchestratorChanged = true
		d.NewOrchestrator = new.Orchestrator
	}

	if old.Scheduler.PollInterval != new.Scheduler.PollInterval {
		d.SchedulerChanged = true
		d.NewScheduler = new.Scheduler
	}

	if old.Swarm.Topology != new.Swarm.Topology {
		d.NonReloadable = append(d.NonReloadable, "swarm.topology")
	}
	if old.Web.Port != new.Web.Port {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	if old.NATS.DataDir != new.NATS.DataDir {
		d.NonReloadable = append(d.NonReloadable, "nats.data_dir")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}
	if old.Memory.Passphrase != new.Memory.Passphrase {
		d.NonReloadable = append(d.NonReloadable, "memory.passphrase")
	}

	return d
}
