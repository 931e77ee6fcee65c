package types

// LoRA is a low-rank adapter applied atop a base model.
type LoRA struct {
	// Path to the LoRA weights file on disk.
	// example: /models/loras/anime-style.safetensors
	Path string `json:"path" example:"/models/loras/anime-style.safetensors"`
	// Blend strength; 1.0 is full strength.
	// example: 0.8
	Strength float64 `json:"strength" example:"0.8"`
}

// ModeDefaults are the generation parameters a mode falls back to when a job
// omits them.
type ModeDefaults struct {
	Size     string  `json:"size,omitempty" example:"512x512"`
	Steps    int     `json:"steps,omitempty" example:"20"`
	Guidance float64 `json:"guidance,omitempty" example:"7.5"`
}

// Mode binds a base model, a LoRA stack, and default generation parameters
// under a name the client selects via modeSwitch.
type Mode struct {
	Name      string       `json:"name" example:"sdxl-base"`
	ModelPath string       `json:"model_path" example:"/models/sdxl-base-1.0.safetensors"`
	LoRAStack []LoRA       `json:"loras,omitempty"`
	Defaults  ModeDefaults `json:"defaults,omitempty"`
	// EstVRAMMB is the registry's forecast for canFit; it is not measured.
	EstVRAMMB int `json:"est_vram_mb,omitempty" example:"6144"`
}

// VRAMStats mirrors the Model Registry's live+forecast accounting, surfaced
// on system:status.vram.
type VRAMStats struct {
	BudgetMB    int `json:"budget_mb" example:"24576"`
	MarginMB    int `json:"margin_mb" example:"1024"`
	UsedMB      int `json:"used_mb" example:"6144"`
	AvailableMB int `json:"available_mb" example:"17408"`
	// LargestContiguousEstMB is a placeholder fragmentation estimate; the
	// registry has no real allocator to measure this against, so it is
	// reported as AvailableMB until a real device backend exists.
	LargestContiguousEstMB int `json:"largest_contiguous_est_mb" example:"17408"`
	// PerModel is resident MB keyed by model id, matching the original
	// registry's getVramStats breakdown.
	PerModel map[string]int `json:"per_model_mb,omitempty"`
}

// WorkflowProfile is a named comfy workflow, file-backed or inline.
type WorkflowProfile struct {
	ID       string         `json:"id" example:"upscale-basic"`
	Filepath string         `json:"filepath,omitempty" example:"/workflows/upscale-basic.json"`
	Inline   map[string]any `json:"inline,omitempty"`
}
