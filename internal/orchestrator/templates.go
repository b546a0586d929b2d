package orchestrator

import (
	"fmt"
	"strings"

	"github.com/mtzanidakis/kypseli/internal/agent"
)

// templateTask is a task of a canned phase template. Dependencies refer to
// other template task keys.
type templateTask struct {
	key         string
	description string
	caps        []agent.Capability
	typ         agent.Type
	deps        []string
	minutes     int
}

type templatePhase struct {
	name  string
	tasks []templateTask
}

type template struct {
	name     string
	keywords []string
	phases   []templatePhase
}

var templates = []template{
	{
		name:     "training",
		keywords: []string{"train", "fine-tune", "finetune", "neural", "model", "machine learning"},
		phases: []templatePhase{
			{name: "Preparation", tasks: []templateTask{
				{key: "prepare-data", description: "Prepare and split the training dataset", caps: []agent.Capability{agent.CapData}, typ: agent.TypeAnalyst, minutes: 20},
				{key: "design-model", description: "Design the model architecture and training setup", caps: []agent.Capability{agent.CapDesign}, typ: agent.TypeArchitect, minutes: 15},
			}},
			{name: "Training", tasks: []templateTask{
				{key: "train", description: "Train the model", caps: []agent.Capability{agent.CapTraining}, typ: agent.TypeSpecialist, deps: []string{"prepare-data", "design-model"}, minutes: 45},
			}},
			{name: "Evaluation", tasks: []templateTask{
				{key: "evaluate", description: "Evaluate the trained model against held-out data", caps: []agent.Capability{agent.CapEvaluation}, typ: agent.TypeTester, deps: []string{"train"}, minutes: 15},
				{key: "tune", description: "Tune hyperparameters based on the evaluation", caps: []agent.Capability{agent.CapOptimization}, typ: agent.TypeOptimizer, deps: []string{"train"}, minutes: 20},
			}},
		},
	},
	{
		name:     "analysis",
		keywords: []string{"analy", "data", "statistic", "insight", "dataset", "metrics"},
		phases: []templatePhase{
			{name: "Data preparation", tasks: []templateTask{
				{key: "collect", description: "Collect and load the source data", caps: []agent.Capability{agent.CapData}, typ: agent.TypeAnalyst, minutes: 15},
				{key: "clean", description: "Clean and validate the data", caps: []agent.Capability{agent.CapData, agent.CapAnalysis}, typ: agent.TypeAnalyst, deps: []string{"collect"}, minutes: 20},
			}},
			{name: "Analysis", tasks: []templateTask{
				{key: "explore", description: "Run exploratory analysis", caps: []agent.Capability{agent.CapAnalysis}, typ: agent.TypeAnalyst, deps: []string{"clean"}, minutes: 20},
				{key: "model", description: "Run statistical analysis on the cleaned data", caps: []agent.Capability{agent.CapAnalysis}, typ: agent.TypeAnalyst, deps: []string{"clean"}, minutes: 25},
			}},
			{name: "Reporting", tasks: []templateTask{
				{key: "visualize", description: "Visualize the findings", caps: []agent.Capability{agent.CapVisualization}, typ: agent.TypeAnalyst, deps: []string{"explore", "model"}, minutes: 15},
				{key: "report", description: "Write the analysis report", caps: []agent.Capability{agent.CapDocumentation}, typ: agent.TypeDocumenter, deps: []string{"visualize"}, minutes: 10},
			}},
		},
	},
	{
		name:     "research",
		keywords: []string{"research", "investigate", "study", "survey", "literature", "explore"},
		phases: []templatePhase{
			{name: "Discovery", tasks: []templateTask{
				{key: "gather", description: "Gather relevant sources", caps: []agent.Capability{agent.CapResearch}, typ: agent.TypeResearcher, minutes: 20},
				{key: "background", description: "Summarize prior work and background", caps: []agent.Capability{agent.CapResearch, agent.CapDocumentation}, typ: agent.TypeResearcher, minutes: 15},
			}},
			{name: "Synthesis", tasks: []templateTask{
				{key: "synthesize", description: "Analyze and synthesize the findings", caps: []agent.Capability{agent.CapAnalysis}, typ: agent.TypeAnalyst, deps: []string{"gather", "background"}, minutes: 25},
			}},
			{name: "Report", tasks: []templateTask{
				{key: "report", description: "Write the research summary", caps: []agent.Capability{agent.CapDocumentation}, typ: agent.TypeDocumenter, deps: []string{"synthesize"}, minutes: 10},
			}},
		},
	},
}

// classify picks the first template whose keywords occur in objective.
func classify(objective string) *template {
	lower := strings.ToLower(objective)
	for i := range templates {
		for _, kw := range templates[i].keywords {
			if strings.Contains(lower, kw) {
				return &templates[i]
			}
		}
	}
	return nil
}

// heuristicPlan builds phases and tasks from the matching template, or a
// single generic task when none matches.
func heuristicPlan(objective, priority string) (string, []Phase, []*Task) {
	tpl := classify(objective)
	if tpl == nil {
		phases, tasks := genericPlan(objective, priority)
		return "generic", phases, tasks
	}

	ids := make(map[string]string)
	n := 0
	for _, ph := range tpl.phases {
		for _, tt := range ph.tasks {
			n++
			ids[tt.key] = fmt.Sprintf("%s-%d-%s", tpl.name, n, tt.key)
		}
	}

	var phases []Phase
	var tasks []*Task
	for _, ph := range tpl.phases {
		p := Phase{Name: ph.name}
		for _, tt := range ph.tasks {
			deps := make([]string, len(tt.deps))
			for i, d := range tt.deps {
				deps[i] = ids[d]
			}
			t := &Task{
				ID:                   ids[tt.key],
				Description:          fmt.Sprintf("%s for: %s", tt.description, objective),
				AgentType:            tt.typ,
				RequiredCapabilities: append([]agent.Capability(nil), tt.caps...),
				Dependencies:         deps,
				Priority:             priority,
				EstimatedMinutes:     tt.minutes,
			}
			tasks = append(tasks, t)
			p.Tasks = append(p.Tasks, t.ID)
		}
		phases = append(phases, p)
	}
	return tpl.name, phases, tasks
}

func genericPlan(objective, priority string) ([]Phase, []*Task) {
	t := &Task{
		ID:                   "task-1",
		Description:          objective,
		AgentType:            InferAgentType(objective),
		RequiredCapabilities: InferCapabilities(objective),
		Priority:             priority,
		EstimatedMinutes:     30,
	}
	return []Phase{{Name: "Execution", Tasks: []string{t.ID}}}, []*Task{t}
}

var capabilityKeywords = []struct {
	cap      agent.Capability
	keywords []string
}{
	{agent.CapResearch, []string{"research", "investigate", "source", "literature"}},
	{agent.CapAnalysis, []string{"analy", "explor", "statistic", "insight"}},
	{agent.CapData, []string{"data", "collect", "clean", "etl"}},
	{agent.CapCoding, []string{"code", "implement", "build", "develop", "program", "refactor"}},
	{agent.CapTesting, []string{"test", "verify", "validate"}},
	{agent.CapReview, []string{"review", "audit"}},
	{agent.CapDocumentation, []string{"document", "report", "write", "summar"}},
	{agent.CapDesign, []string{"design", "architect"}},
	{agent.CapOptimization, []string{"optimi", "tune", "performance"}},
	{agent.CapTraining, []string{"train", "fine-tune"}},
	{agent.CapEvaluation, []string{"evaluat", "benchmark", "metric"}},
	{agent.CapVisualization, []string{"visuali", "chart", "plot", "dashboard"}},
	{agent.CapPlanning, []string{"plan", "roadmap"}},
	{agent.CapCoordination, []string{"coordinat", "orchestrat"}},
}

// InferCapabilities returns the capabilities whose keywords occur in
// description, in a fixed order.
func InferCapabilities(description string) []agent.Capability {
	lower := strings.ToLower(description)
	var out []agent.Capability
	for _, ck := range capabilityKeywords {
		for _, kw := range ck.keywords {
			if strings.Contains(lower, kw) {
				out = append(out, ck.cap)
				break
			}
		}
	}
	return out
}

var typeKeywords = []struct {
	typ      agent.Type
	keywords []string
}{
	{agent.TypeSpecialist, []string{"train", "fine-tune"}},
	{agent.TypeResearcher, []string{"research", "investigate", "literature"}},
	{agent.TypeAnalyst, []string{"analy", "statistic", "data"}},
	{agent.TypeTester, []string{"test", "verify"}},
	{agent.TypeReviewer, []string{"review", "audit"}},
	{agent.TypeArchitect, []string{"design", "architect"}},
	{agent.TypeOptimizer, []string{"optimi", "performance"}},
	{agent.TypeDocumenter, []string{"document", "report"}},
	{agent.TypeCoder, []string{"code", "implement", "build", "develop"}},
	{agent.TypeCoordinator, []string{"coordinat", "orchestrat"}},
}

// InferAgentType guesses the preferred agent type for description. It
// returns "" when nothing matches.
func InferAgentType(description string) agent.Type {
	lower := strings.ToLower(description)
	for _, tk := range typeKeywords {
		for _, kw := range tk.keywords {
			if strings.Contains(lower, kw) {
				return tk.typ
			}
		}
	}
	return ""
}
