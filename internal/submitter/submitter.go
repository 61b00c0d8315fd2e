// Package submitter turns a GenerationSpec into the request body a backend
// expects, enabling optional stages only when the backend advertises them.
package submitter

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"nuggetfactory/internal/config"
	"nuggetfactory/internal/interfaces"
	"nuggetfactory/internal/job"
	"nuggetfactory/internal/workflow"
)

// defaultLoRAWeight weight used for a LoRA requested without one
const defaultLoRAWeight = 0.8

var ErrNoCheckpoints = errors.New("backend advertises no checkpoints")

// Warning an option that was dropped from the payload
type Warning struct {
	Option string `json:"option"`
	Reason string `json:"reason"`
}

func (w Warning) String() string {
	return w.Option + ": " + w.Reason
}

// Options submitter options
type Options struct {
	Kind             interfaces.BackendKind
	Template         *workflow.Template
	FallbackPatterns []string
	ClipSkip         int
	Logger           *logrus.Logger
}

// Submitter builds backend payloads
type Submitter struct {
	kind             interfaces.BackendKind
	template         *workflow.Template
	fallbackPatterns []string
	clipSkip         int
	logger           *logrus.Logger
}

// New creates a submitter for one backend kind
func New(opts Options) (*Submitter, error) {
	if opts.Kind == interfaces.BackendComfyUI && opts.Template == nil {
		return nil, errors.New("comfyui backend requires a workflow template")
	}
	logger := opts.Logger
	if logger == nil {
		logger = config.NewLogger()
	}
	return &Submitter{
		kind:             opts.Kind,
		template:         opts.Template,
		fallbackPatterns: opts.FallbackPatterns,
		clipSkip:         opts.ClipSkip,
		logger:           logger,
	}, nil
}

// ResolveModel returns spec with Model set to the checkpoint the backend
// will actually load, and a warning when the requested one was replaced.
func (s *Submitter) ResolveModel(spec job.GenerationSpec, inv *interfaces.Inventory) (job.GenerationSpec, []Warning, error) {
	var available []string
	if inv != nil {
		available = inv.Checkpoints
	}
	checkpoint, substituted, err := SelectCheckpoint(spec.Model, available, s.fallbackPatterns)
	if err != nil {
		return spec, nil, err
	}

	var warnings []Warning
	if substituted {
		warnings = append(warnings, Warning{
			Option: "model",
			Reason: fmt.Sprintf("%q not available, using %q", spec.Model, checkpoint),
		})
	}
	spec.Model = checkpoint
	return spec, warnings, nil
}

// Build returns the payload for spec. It does not touch spec or inv.
func (s *Submitter) Build(spec job.GenerationSpec, inv *interfaces.Inventory) (interfaces.Payload, []Warning, error) {
	spec, warnings, err := s.ResolveModel(spec, inv)
	if err != nil {
		return nil, nil, err
	}
	checkpoint := spec.Model

	var payload interfaces.Payload
	var extraWarnings []Warning
	switch s.kind {
	case interfaces.BackendComfyUI:
		payload, extraWarnings, err = s.buildComfy(spec, checkpoint, inv)
	case interfaces.BackendSDAPI:
		payload, extraWarnings = s.buildSD(spec, checkpoint, inv)
	default:
		return nil, nil, fmt.Errorf("unsupported backend kind %q", s.kind)
	}
	if err != nil {
		return nil, nil, err
	}
	warnings = append(warnings, extraWarnings...)

	for _, w := range warnings {
		s.logger.WithFields(logrus.Fields{
			"option": w.Option,
			"reason": w.Reason,
		}).Warn("Generation option adjusted")
	}
	return payload, warnings, nil
}

// buildSD txt2img request body
func (s *Submitter) buildSD(spec job.GenerationSpec, checkpoint string, inv *interfaces.Inventory) (interfaces.Payload, []Warning) {
	seed := spec.Seed
	if seed == 0 {
		seed = -1
	}

	overrides := map[string]interface{}{
		"sd_model_checkpoint": checkpoint,
	}
	if s.clipSkip > 0 {
		overrides["CLIP_stop_at_last_layers"] = s.clipSkip
	}

	payload := interfaces.Payload{
		"prompt":            spec.Prompt,
		"negative_prompt":   spec.NegativePrompt,
		"steps":             spec.Steps,
		"cfg_scale":         spec.CFGScale,
		"width":             spec.Width,
		"height":            spec.Height,
		"sampler_name":      spec.Sampler,
		"batch_size":        spec.BatchSize,
		"seed":              seed,
		"override_settings": overrides,
	}

	var warnings []Warning
	extras := spec.CloneExtras()

	if _, ok := extras["hr_upscaler"]; ok {
		warnings = append(warnings, s.applyHiresFix(payload, extras, inv)...)
	}
	for _, key := range hiresKeys {
		if _, ok := extras[key]; ok {
			warnings = append(warnings, Warning{Option: key, Reason: "hi-res fix needs hr_upscaler"})
			delete(extras, key)
		}
	}

	if value, ok := extras["adetailer"]; ok {
		delete(extras, "adetailer")
		if w := applyADetailer(payload, value, inv); w != nil {
			warnings = append(warnings, *w)
		}
	}

	if value, ok := extras["restore_faces"]; ok {
		delete(extras, "restore_faces")
		if b, ok := value.(bool); ok {
			payload["restore_faces"] = b
		} else {
			warnings = append(warnings, Warning{Option: "restore_faces", Reason: "expected a boolean"})
		}
	}

	if value, ok := extras["clip_skip"]; ok {
		delete(extras, "clip_skip")
		if n, ok := toInt(value); ok && n > 0 {
			overrides["CLIP_stop_at_last_layers"] = n
		} else {
			warnings = append(warnings, Warning{Option: "clip_skip", Reason: "expected a positive integer"})
		}
	}

	if value, ok := extras["loras"]; ok {
		delete(extras, "loras")
		tags, loraWarnings := loraTags(value, inv)
		warnings = append(warnings, loraWarnings...)
		if tags != "" {
			payload["prompt"] = spec.Prompt + ", " + tags
		}
	}

	return payload, append(warnings, unknownExtras(extras)...)
}

var hiresKeys = []string{"hr_scale", "hr_upscaler", "denoising_strength", "hr_second_pass_steps"}

// applyHiresFix enables hi-res fix when the requested upscaler is advertised.
// The consumed keys are removed from extras either way.
func (s *Submitter) applyHiresFix(payload interfaces.Payload, extras map[string]interface{}, inv *interfaces.Inventory) []Warning {
	defer func() {
		for _, key := range hiresKeys {
			delete(extras, key)
		}
	}()

	name, _ := extras["hr_upscaler"].(string)
	upscaler, ok := findName(name, inventoryList(inv, func(i *interfaces.Inventory) []string { return i.Upscalers }))
	if !ok {
		return []Warning{{Option: "hr_upscaler", Reason: fmt.Sprintf("upscaler %q not available, hi-res fix disabled", name)}}
	}

	payload["enable_hr"] = true
	payload["hr_upscaler"] = upscaler
	payload["hr_scale"] = 1.5
	payload["denoising_strength"] = 0.35

	var warnings []Warning
	if v, ok := extras["hr_scale"]; ok {
		if f, ok := toFloat(v); ok && f > 0 {
			payload["hr_scale"] = f
		} else {
			warnings = append(warnings, Warning{Option: "hr_scale", Reason: "expected a positive number"})
		}
	}
	if v, ok := extras["denoising_strength"]; ok {
		if f, ok := toFloat(v); ok && f >= 0 && f <= 1 {
			payload["denoising_strength"] = f
		} else {
			warnings = append(warnings, Warning{Option: "denoising_strength", Reason: "expected a number between 0 and 1"})
		}
	}
	if v, ok := extras["hr_second_pass_steps"]; ok {
		if n, ok := toInt(v); ok && n >= 0 {
			payload["hr_second_pass_steps"] = n
		} else {
			warnings = append(warnings, Warning{Option: "hr_second_pass_steps", Reason: "expected a non-negative integer"})
		}
	}
	return warnings
}

// applyADetailer enables the ADetailer script. true uses the face model,
// an object is passed through as the script argument.
func applyADetailer(payload interfaces.Payload, value interface{}, inv *interfaces.Inventory) *Warning {
	scripts := inventoryList(inv, func(i *interfaces.Inventory) []string { return i.Scripts })
	if _, ok := findName("adetailer", scripts); !ok {
		return &Warning{Option: "adetailer", Reason: "ADetailer script not available"}
	}

	var args map[string]interface{}
	switch v := value.(type) {
	case bool:
		if !v {
			return nil
		}
		args = map[string]interface{}{"ad_model": "face_yolov8n.pt"}
	case map[string]interface{}:
		args = v
	default:
		return &Warning{Option: "adetailer", Reason: "expected a boolean or an object"}
	}

	payload["alwayson_scripts"] = map[string]interface{}{
		"ADetailer": map[string]interface{}{
			"args": []interface{}{true, args},
		},
	}
	return nil
}

// loraTags builds <lora:name:weight> tags for requested LoRAs the backend has.
// Entries are names or "name:weight".
func loraTags(value interface{}, inv *interfaces.Inventory) (string, []Warning) {
	var requested []string
	switch v := value.(type) {
	case []string:
		requested = v
	case []interface{}:
		for _, item := range v {
			if str, ok := item.(string); ok {
				requested = append(requested, str)
			}
		}
	case string:
		requested = []string{v}
	default:
		return "", []Warning{{Option: "loras", Reason: "expected a list of names"}}
	}

	available := inventoryList(inv, func(i *interfaces.Inventory) []string { return i.LoRAs })
	var tags []string
	var warnings []Warning
	for _, entry := range requested {
		name, weight := entry, defaultLoRAWeight
		if i := strings.LastIndex(entry, ":"); i > 0 {
			var parsed float64
			if _, err := fmt.Sscanf(entry[i+1:], "%g", &parsed); err == nil {
				name, weight = entry[:i], parsed
			}
		}
		actual, ok := findName(name, available)
		if !ok {
			warnings = append(warnings, Warning{Option: "loras", Reason: fmt.Sprintf("LoRA %q not available", name)})
			continue
		}
		tags = append(tags, fmt.Sprintf("<lora:%s:%g>", actual, weight))
	}
	return strings.Join(tags, ", "), warnings
}

// comfySamplers SD-WebUI sampler titles mapped to ComfyUI sampler and scheduler names
var comfySamplers = map[string][2]string{
	"euler a":             {"euler_ancestral", "normal"},
	"euler":               {"euler", "normal"},
	"dpm++ 2m":            {"dpmpp_2m", "normal"},
	"dpm++ 2m karras":     {"dpmpp_2m", "karras"},
	"dpm++ sde karras":    {"dpmpp_sde", "karras"},
	"dpm++ 2m sde":        {"dpmpp_2m_sde", "normal"},
	"dpm++ 2m sde karras": {"dpmpp_2m_sde", "karras"},
	"ddim":                {"ddim", "ddim_uniform"},
	"uni_pc":              {"uni_pc", "normal"},
}

// buildComfy renders the workflow template
func (s *Submitter) buildComfy(spec job.GenerationSpec, checkpoint string, inv *interfaces.Inventory) (interfaces.Payload, []Warning, error) {
	values := map[workflow.Role]interface{}{
		workflow.RolePositivePrompt: spec.Prompt,
	}
	var warnings []Warning
	set := func(role workflow.Role, value interface{}) {
		if s.template.Has(role) {
			values[role] = value
		}
	}

	if s.template.Has(workflow.RoleNegativePrompt) {
		values[workflow.RoleNegativePrompt] = spec.NegativePrompt
	} else if spec.NegativePrompt != "" {
		warnings = append(warnings, Warning{Option: "negative_prompt", Reason: "workflow has no negative prompt node"})
	}

	set(workflow.RoleSeed, spec.Seed)
	set(workflow.RoleSteps, spec.Steps)
	set(workflow.RoleCFG, spec.CFGScale)
	set(workflow.RoleWidth, spec.Width)
	set(workflow.RoleHeight, spec.Height)
	set(workflow.RoleBatchSize, spec.BatchSize)
	set(workflow.RoleCheckpoint, checkpoint)

	if spec.Sampler != "" {
		if mapped, ok := comfySamplers[strings.ToLower(spec.Sampler)]; ok {
			set(workflow.RoleSampler, mapped[0])
			set(workflow.RoleScheduler, mapped[1])
		} else {
			set(workflow.RoleSampler, spec.Sampler)
		}
	}

	extras := spec.CloneExtras()
	if value, ok := extras["upscale_model"]; ok {
		delete(extras, "upscale_model")
		name, _ := value.(string)
		upscalers := inventoryList(inv, func(i *interfaces.Inventory) []string { return i.Upscalers })
		switch {
		case !s.template.Has(workflow.RoleUpscaleModel):
			warnings = append(warnings, Warning{Option: "upscale_model", Reason: "workflow has no upscale model node"})
		case len(upscalers) > 0:
			if actual, ok := findName(name, upscalers); ok {
				values[workflow.RoleUpscaleModel] = actual
			} else {
				warnings = append(warnings, Warning{Option: "upscale_model", Reason: fmt.Sprintf("upscale model %q not available", name)})
			}
		default:
			values[workflow.RoleUpscaleModel] = name
		}
	}

	if s.template.Has(workflow.RoleRefineSeed) {
		values[workflow.RoleRefineSeed] = spec.Seed + 1
	}
	if value, ok := extras["refine_seed"]; ok {
		delete(extras, "refine_seed")
		n, isInt := toInt(value)
		switch {
		case !s.template.Has(workflow.RoleRefineSeed):
			warnings = append(warnings, Warning{Option: "refine_seed", Reason: "workflow has no refine sampler"})
		case !isInt:
			warnings = append(warnings, Warning{Option: "refine_seed", Reason: "expected an integer"})
		default:
			values[workflow.RoleRefineSeed] = int64(n)
		}
	}

	graph, err := s.template.Render(values)
	if err != nil {
		return nil, nil, err
	}
	return interfaces.Payload(graph), append(warnings, unknownExtras(extras)...), nil
}

// SelectCheckpoint picks the checkpoint to run: the requested one when
// available (titles may carry a " [hash]" suffix), else the first entry
// matching a fallback pattern in pattern order, else the first entry.
// substituted reports whether the requested name was replaced.
func SelectCheckpoint(requested string, available []string, patterns []string) (name string, substituted bool, err error) {
	if len(available) == 0 {
		return "", false, ErrNoCheckpoints
	}

	if requested != "" {
		for _, title := range available {
			if title == requested || strings.HasPrefix(title, requested+" [") {
				return title, false, nil
			}
		}
	}

	for _, pattern := range patterns {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		for _, title := range available {
			if strings.Contains(strings.ToLower(title), pattern) {
				return title, requested != "", nil
			}
		}
	}

	return available[0], requested != "", nil
}

// findName matches name case-insensitively, exact before prefix
func findName(name string, available []string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false
	}
	lower := strings.ToLower(name)
	for _, candidate := range available {
		if strings.ToLower(candidate) == lower {
			return candidate, true
		}
	}
	for _, candidate := range available {
		if strings.HasPrefix(strings.ToLower(candidate), lower) {
			return candidate, true
		}
	}
	return "", false
}

func inventoryList(inv *interfaces.Inventory, pick func(*interfaces.Inventory) []string) []string {
	if inv == nil {
		return nil
	}
	return pick(inv)
}

// unknownExtras warns about every extra no builder consumed, in key order
func unknownExtras(extras map[string]interface{}) []Warning {
	keys := make([]string, 0, len(extras))
	for key := range extras {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	warnings := make([]Warning, 0, len(keys))
	for _, key := range keys {
		warnings = append(warnings, Warning{Option: key, Reason: "not supported by this backend"})
	}
	return warnings
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
