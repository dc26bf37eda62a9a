package planning

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// maxStepsAddedPerPatch bounds how much a reviewer can grow a plan in one amendment
const maxStepsAddedPerPatch = 10

// PatchOp is one RFC 6902 operation
type PatchOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// ValidatePatchOps checks operation structure before the patch touches a plan
func ValidatePatchOps(ops []PatchOp) error {
	if len(ops) == 0 {
		return fmt.Errorf("%w: no operations", ErrInvalidPatch)
	}

	added := 0
	for i, op := range ops {
		if op.Path == "" || !strings.HasPrefix(op.Path, "/") {
			return fmt.Errorf("%w: operation %d: missing or invalid 'path' field", ErrInvalidPatch, i)
		}

		switch op.Op {
		case "add", "replace", "test":
			if len(op.Value) == 0 {
				return fmt.Errorf("%w: operation %d: 'value' required for %s operation", ErrInvalidPatch, i, op.Op)
			}
			if op.Op == "add" && isStepAppend(op.Path) {
				if err := validateStepValue(op.Value, i); err != nil {
					return err
				}
				added++
			}
		case "remove":
		case "move", "copy":
			if op.From == "" {
				return fmt.Errorf("%w: operation %d: 'from' required for %s operation", ErrInvalidPatch, i, op.Op)
			}
		default:
			return fmt.Errorf("%w: operation %d: unsupported operation type: %s", ErrInvalidPatch, i, op.Op)
		}

		if op.Path == "/is_fallback" || op.Path == "/requires_approval" {
			return fmt.Errorf("%w: operation %d: %s is not editable", ErrInvalidPatch, i, op.Path)
		}
	}

	if added > maxStepsAddedPerPatch {
		return fmt.Errorf("%w: cannot add more than %d steps per patch (attempted: %d)",
			ErrInvalidPatch, maxStepsAddedPerPatch, added)
	}
	return nil
}

func isStepAppend(path string) bool {
	return strings.HasPrefix(path, "/steps/") && strings.Count(path, "/") == 2
}

func validateStepValue(raw json.RawMessage, index int) error {
	var step map[string]interface{}
	if err := json.Unmarshal(raw, &step); err != nil {
		return fmt.Errorf("%w: operation %d: step value must be an object", ErrInvalidPatch, index)
	}
	if fp, ok := step["file_path"].(string); !ok || fp == "" {
		return fmt.Errorf("%w: operation %d: step must have 'file_path' field (string)", ErrInvalidPatch, index)
	}
	if _, ok := step["action"].(string); !ok {
		return fmt.Errorf("%w: operation %d: step must have 'action' field (string)", ErrInvalidPatch, index)
	}
	return nil
}

// AmendPlan applies a JSON patch to a pending plan and returns the re-normalized,
// re-validated result. The input plan is not modified. Approval is re-evaluated
// and can only stay required or become required.
func AmendPlan(p *Plan, ops []PatchOp, norm Normalizer, approval *ApprovalPolicy) (*Plan, error) {
	if err := ValidatePatchOps(ops); err != nil {
		return nil, err
	}

	planJSON, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode plan: %w", err)
	}
	patchJSON, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("failed to encode patch: %w", err)
	}

	patch, err := jsonpatch.DecodePatch(patchJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode patch: %v", ErrInvalidPatch, err)
	}

	amendedJSON, err := patch.Apply(planJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to apply patch operations: %v", ErrInvalidPatch, err)
	}

	amended, err := ParsePlan(amendedJSON)
	if err != nil {
		return nil, err
	}
	if err := norm.Normalize(amended); err != nil {
		return nil, err
	}
	if err := amended.Validate(); err != nil {
		return nil, err
	}

	amended.RequiresApproval = p.RequiresApproval
	if approval != nil {
		if err := approval.Apply(amended); err != nil {
			return nil, err
		}
	}
	return amended, nil
}
