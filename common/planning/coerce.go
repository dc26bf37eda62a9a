package planning

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// UnknownActionPolicy decides what Normalize does with a step action it does not recognise
type UnknownActionPolicy string

const (
	// CoerceToModify rewrites the action to modify
	CoerceToModify UnknownActionPolicy = "modify"
	// RejectUnknownAction makes Normalize fail with ErrMalformedPlan
	RejectUnknownAction UnknownActionPolicy = "reject"
)

// Normalizer fixes up loose model output into a plan that passes Validate
type Normalizer struct {
	UnknownAction UnknownActionPolicy
	// KnownFiles are the project's existing source files, used to sort steps into create/modify lists
	KnownFiles []string
	Logger     Logger
}

// Normalize coerces fields in place:
// unknown actions follow the policy, unknown risk becomes low, unknown complexity
// becomes medium, steps are renumbered by position, steps without a file path are
// dropped, and the file lists are synced with the steps.
func (n Normalizer) Normalize(p *Plan) error {
	if strings.TrimSpace(p.Summary) == "" {
		p.Summary = "Execute user request"
	}

	steps := make([]Step, 0, len(p.Steps))
	oldNumbers := make([]int, 0, len(p.Steps))
	for i, s := range p.Steps {
		if strings.TrimSpace(s.FilePath) == "" {
			n.warn("dropping plan step without file path", "position", i+1, "title", s.Title)
			continue
		}

		s.Action = Action(strings.ToLower(strings.TrimSpace(string(s.Action))))
		if !s.Action.Valid() {
			if n.UnknownAction == RejectUnknownAction {
				return fmt.Errorf("%w: step %d has unknown action %q", ErrMalformedPlan, i+1, s.Action)
			}
			n.warn("unknown step action, coercing to modify", "position", i+1, "action", s.Action)
			s.Action = ActionModify
		}

		s.RiskLevel = Level(strings.ToLower(string(s.RiskLevel)))
		if !s.RiskLevel.Valid() {
			s.RiskLevel = LevelLow
		}
		if s.Dependencies == nil {
			s.Dependencies = StepRefs{}
		}
		old := s.StepNumber
		if old <= 0 {
			old = i + 1
		}
		steps = append(steps, s)
		oldNumbers = append(oldNumbers, old)
	}

	renumbered := make(map[int]int, len(steps))
	for i := range steps {
		if _, dup := renumbered[oldNumbers[i]]; !dup {
			renumbered[oldNumbers[i]] = i + 1
		}
		steps[i].StepNumber = i + 1
		if steps[i].Title == "" {
			steps[i].Title = fmt.Sprintf("Step %d", i+1)
		}
	}
	for i := range steps {
		steps[i].Dependencies = n.remapRefs(steps[i].StepNumber, steps[i].Dependencies, renumbered)
	}
	p.Steps = steps

	p.EstimatedComplexity = Level(strings.ToLower(string(p.EstimatedComplexity)))
	if !p.EstimatedComplexity.Valid() {
		p.EstimatedComplexity = LevelMedium
	}

	fillEmpty(&p.FilesToCreate, &p.FilesToModify, &p.FilesToDelete,
		&p.NewDependencies.Python, &p.NewDependencies.NPM,
		&p.TestsToCreate, &p.SecurityConsiderations, &p.Risks,
		&p.Assumptions, &p.SuccessCriteria)
	if p.ImportsNeeded == nil {
		p.ImportsNeeded = map[string][]string{}
	}

	n.syncFileLists(p)
	return nil
}

// remapRefs points numeric step references at the renumbered steps and drops
// references to steps that no longer exist. Non-numeric references are kept.
func (n Normalizer) remapRefs(step int, refs StepRefs, renumbered map[int]int) StepRefs {
	out := make(StepRefs, 0, len(refs))
	for _, ref := range refs {
		old, err := strconv.Atoi(strings.TrimSpace(ref))
		if err != nil {
			out = append(out, ref)
			continue
		}
		next, ok := renumbered[old]
		if !ok {
			n.warn("dropping dependency on missing step", "step", step, "depends_on", ref)
			continue
		}
		if r := strconv.Itoa(next); !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	return out
}

func (n Normalizer) syncFileLists(p *Plan) {
	for _, s := range p.Steps {
		switch {
		case s.Action == ActionDelete:
			addUnique(&p.FilesToDelete, s.FilePath)
		case slices.Contains(n.KnownFiles, s.FilePath):
			addUnique(&p.FilesToModify, s.FilePath)
		default:
			addUnique(&p.FilesToCreate, s.FilePath)
		}
	}
}

func (n Normalizer) warn(msg string, kv ...interface{}) {
	if n.Logger != nil {
		n.Logger.Warn(msg, kv...)
	}
}

func fillEmpty(lists ...*[]string) {
	for _, l := range lists {
		if *l == nil {
			*l = []string{}
		}
	}
}

func addUnique(list *[]string, v string) {
	if !slices.Contains(*list, v) {
		*list = append(*list, v)
	}
}
