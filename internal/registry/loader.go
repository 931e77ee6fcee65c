package registry

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"orchestratord/internal/common/fsutil"
	"orchestratord/pkg/types"
)

// document is the on-disk shape of the persisted mode config:
// default_mode, model_root, lora_root, modes: {name: {...}}.
type document struct {
	DefaultMode string                      `yaml:"default_mode"`
	ModelRoot   string                      `yaml:"model_root"`
	LoraRoot    string                      `yaml:"lora_root"`
	Modes       map[string]modeDocEntry     `yaml:"modes"`
	Workflows   map[string]workflowDocEntry `yaml:"workflows"`
}

// workflowDocEntry follows the same file-or-inline dual shape modes use
// for LoRAs: either a filepath to a workflow JSON or the inline document.
type workflowDocEntry struct {
	Filepath string         `yaml:"filepath"`
	Inline   map[string]any `yaml:"inline"`
}

type modeDocEntry struct {
	Model           string        `yaml:"model"`
	Loras           []loraDocItem `yaml:"loras"`
	DefaultSize     string        `yaml:"default_size"`
	DefaultSteps    int           `yaml:"default_steps"`
	DefaultGuidance float64       `yaml:"default_guidance"`
	EstVRAMMB       int           `yaml:"est_vram_mb"`
}

// loraDocItem accepts both a bare path string (strength 1.0 shorthand)
// and the full {path, strength} form.
type loraDocItem struct {
	Path     string
	Strength float64
}

func (l *loraDocItem) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		l.Path = value.Value
		l.Strength = 1.0
		return nil
	}
	var full struct {
		Path     string  `yaml:"path"`
		Strength float64 `yaml:"strength"`
	}
	if err := value.Decode(&full); err != nil {
		return err
	}
	l.Path = full.Path
	if full.Strength == 0 {
		full.Strength = 1.0
	}
	l.Strength = full.Strength
	return nil
}

// LoadDocument reads the declarative document: the set of modes, the
// name marked default, and workflow profiles. The named default_mode
// must actually exist in the document.
func LoadDocument(path string) ([]types.Mode, string, []types.WorkflowProfile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, "", nil, fmt.Errorf("read modes file: %w", err)
	}
	var doc document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, "", nil, fmt.Errorf("parse modes file: %w", err)
	}
	if _, ok := doc.Modes[doc.DefaultMode]; doc.DefaultMode != "" && !ok {
		return nil, "", nil, fmt.Errorf("default_mode %q not present in modes", doc.DefaultMode)
	}
	modelRoot, err := fsutil.ExpandHome(doc.ModelRoot)
	if err != nil {
		return nil, "", nil, err
	}
	loraRoot, err := fsutil.ExpandHome(doc.LoraRoot)
	if err != nil {
		return nil, "", nil, err
	}
	out := make([]types.Mode, 0, len(doc.Modes))
	for name, entry := range doc.Modes {
		loras := make([]types.LoRA, 0, len(entry.Loras))
		for _, l := range entry.Loras {
			p := l.Path
			if loraRoot != "" && !filepath.IsAbs(p) {
				p = filepath.Join(loraRoot, p)
			}
			loras = append(loras, types.LoRA{Path: p, Strength: l.Strength})
		}
		modelPath := entry.Model
		if modelRoot != "" && !filepath.IsAbs(modelPath) {
			modelPath = filepath.Join(modelRoot, modelPath)
		}
		out = append(out, types.Mode{
			Name:      name,
			ModelPath: modelPath,
			LoRAStack: loras,
			Defaults: types.ModeDefaults{
				Size:     entry.DefaultSize,
				Steps:    entry.DefaultSteps,
				Guidance: entry.DefaultGuidance,
			},
			EstVRAMMB: entry.EstVRAMMB,
		})
	}
	workflows := make([]types.WorkflowProfile, 0, len(doc.Workflows))
	for id, entry := range doc.Workflows {
		workflows = append(workflows, types.WorkflowProfile{ID: id, Filepath: entry.Filepath, Inline: entry.Inline})
	}
	return out, doc.DefaultMode, workflows, nil
}
