// Package workflow loads ComfyUI API-format workflow graphs and renders them
// with per-job values through named role bindings.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Role a value a job injects into the graph
type Role string

const (
	RolePositivePrompt Role = "positive_prompt"
	RoleNegativePrompt Role = "negative_prompt"
	RoleSeed           Role = "seed"
	RoleSteps          Role = "steps"
	RoleCFG            Role = "cfg"
	RoleSampler        Role = "sampler"
	RoleScheduler      Role = "scheduler"
	RoleWidth          Role = "width"
	RoleHeight         Role = "height"
	RoleBatchSize      Role = "batch_size"
	RoleCheckpoint     Role = "checkpoint"
	RoleUpscaleModel   Role = "upscale_model"
	RoleRefineSeed     Role = "refine_seed"
)

// placeholders marking prompt nodes in a workflow saved from the editor
const (
	positivePlaceholder = "POSITIVE_PROMPT"
	negativePlaceholder = "NEGATIVE_PROMPT"
)

var ErrNoPositivePrompt = errors.New("workflow has no positive prompt node")

// Binding the node input a role writes to
type Binding struct {
	Node  string `json:"node"`
	Input string `json:"input"`
}

// Template a parsed workflow graph and its bindings.
// A template is never mutated after construction.
type Template struct {
	graph    map[string]map[string]interface{}
	bindings map[Role]Binding
}

// Load reads the workflow at path. When bindingsPath is set the bindings are
// read from it; otherwise they are inferred from the graph.
func Load(path, bindingsPath string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow %s: %w", path, err)
	}

	var bindings map[Role]Binding
	if bindingsPath != "" {
		raw, err := os.ReadFile(bindingsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read bindings %s: %w", bindingsPath, err)
		}
		if err := json.Unmarshal(raw, &bindings); err != nil {
			return nil, fmt.Errorf("failed to parse bindings %s: %w", bindingsPath, err)
		}
	}

	tmpl, err := Parse(data, bindings)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", path, err)
	}
	return tmpl, nil
}

// Parse builds a template from workflow JSON. Nil bindings are inferred.
func Parse(data []byte, bindings map[Role]Binding) (*Template, error) {
	var graph map[string]map[string]interface{}
	if err := json.Unmarshal(data, &graph); err != nil {
		return nil, fmt.Errorf("failed to parse workflow: %w", err)
	}
	if len(graph) == 0 {
		return nil, errors.New("workflow is empty")
	}

	if bindings == nil {
		inferred, err := Infer(graph)
		if err != nil {
			return nil, err
		}
		bindings = inferred
	}

	for role, b := range bindings {
		node, ok := graph[b.Node]
		if !ok {
			return nil, fmt.Errorf("binding %s: node %q not in workflow", role, b.Node)
		}
		if _, ok := node["inputs"].(map[string]interface{}); !ok {
			return nil, fmt.Errorf("binding %s: node %q has no inputs", role, b.Node)
		}
	}
	if _, ok := bindings[RolePositivePrompt]; !ok {
		return nil, ErrNoPositivePrompt
	}

	return &Template{graph: graph, bindings: bindings}, nil
}

// Infer scans the graph once and assigns roles by node class:
// CLIPTextEncode nodes by placeholder text (an empty text counts as positive),
// the first sampler with a seed for seed/steps/cfg/sampler/scheduler, a second
// one for refine_seed, the latent image node for size, and loader nodes for
// checkpoint and upscale model.
func Infer(graph map[string]map[string]interface{}) (map[Role]Binding, error) {
	bindings := make(map[Role]Binding)
	bind := func(role Role, nodeID string, inputs map[string]interface{}, input string) {
		if _, taken := bindings[role]; taken {
			return
		}
		value, ok := inputs[input]
		if !ok {
			return
		}
		// linked inputs are wired to other nodes, not literal values
		if _, linked := value.([]interface{}); linked {
			return
		}
		bindings[role] = Binding{Node: nodeID, Input: input}
	}

	samplers := 0
	for _, nodeID := range sortedIDs(graph) {
		node := graph[nodeID]
		classType, _ := node["class_type"].(string)
		inputs, ok := node["inputs"].(map[string]interface{})
		if !ok {
			continue
		}

		switch {
		case strings.Contains(classType, "CLIPTextEncode"):
			text, ok := inputs["text"].(string)
			if !ok {
				continue
			}
			switch {
			case strings.Contains(text, positivePlaceholder):
				bind(RolePositivePrompt, nodeID, inputs, "text")
			case strings.Contains(text, negativePlaceholder):
				bind(RoleNegativePrompt, nodeID, inputs, "text")
			case text == "":
				bind(RolePositivePrompt, nodeID, inputs, "text")
			}
		case strings.Contains(classType, "Sampler"):
			if _, ok := inputs["seed"]; !ok {
				continue
			}
			samplers++
			if samplers == 1 {
				bind(RoleSeed, nodeID, inputs, "seed")
				bind(RoleSteps, nodeID, inputs, "steps")
				bind(RoleCFG, nodeID, inputs, "cfg")
				bind(RoleSampler, nodeID, inputs, "sampler_name")
				bind(RoleScheduler, nodeID, inputs, "scheduler")
			} else {
				bind(RoleRefineSeed, nodeID, inputs, "seed")
			}
		case strings.Contains(classType, "EmptyLatentImage"):
			bind(RoleWidth, nodeID, inputs, "width")
			bind(RoleHeight, nodeID, inputs, "height")
			bind(RoleBatchSize, nodeID, inputs, "batch_size")
		case strings.Contains(classType, "CheckpointLoader"):
			bind(RoleCheckpoint, nodeID, inputs, "ckpt_name")
		case strings.Contains(classType, "UpscaleModelLoader"):
			bind(RoleUpscaleModel, nodeID, inputs, "model_name")
		}
	}

	if _, ok := bindings[RolePositivePrompt]; !ok {
		return nil, fmt.Errorf("%w: mark it with %s or supply a bindings file", ErrNoPositivePrompt, positivePlaceholder)
	}
	return bindings, nil
}

// sortedIDs orders node ids numerically, non-numeric ids last
func sortedIDs(graph map[string]map[string]interface{}) []string {
	ids := make([]string, 0, len(graph))
	for id := range graph {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		switch {
		case errA == nil && errB == nil:
			return a < b
		case errA == nil:
			return true
		case errB == nil:
			return false
		default:
			return ids[i] < ids[j]
		}
	})
	return ids
}

// Has reports whether role is bound
func (t *Template) Has(role Role) bool {
	_, ok := t.bindings[role]
	return ok
}

// Bindings returns a copy of the role bindings
func (t *Template) Bindings() map[Role]Binding {
	out := make(map[Role]Binding, len(t.bindings))
	for role, b := range t.bindings {
		out[role] = b
	}
	return out
}

// Render returns a fresh copy of the graph with values written into their
// bound inputs. Values for unbound roles are an error.
func (t *Template) Render(values map[Role]interface{}) (map[string]interface{}, error) {
	graph, err := t.clone()
	if err != nil {
		return nil, err
	}

	for role, value := range values {
		b, ok := t.bindings[role]
		if !ok {
			return nil, fmt.Errorf("role %s is not bound in this workflow", role)
		}
		node := graph[b.Node].(map[string]interface{})
		inputs := node["inputs"].(map[string]interface{})
		inputs[b.Input] = value
	}
	return graph, nil
}

// clone deep-copies the graph through JSON, the form it was read in
func (t *Template) clone() (map[string]interface{}, error) {
	data, err := json.Marshal(t.graph)
	if err != nil {
		return nil, fmt.Errorf("failed to copy workflow: %w", err)
	}
	var graph map[string]interface{}
	if err := json.Unmarshal(data, &graph); err != nil {
		return nil, fmt.Errorf("failed to copy workflow: %w", err)
	}
	return graph, nil
}
