package model

// Preset combines an influencer reference image, output dimensions, a
// prompt and a price. Presets are admin configuration, loaded once at
// startup and handed to services as a read-only snapshot.
type Preset struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Description        string `json:"description,omitempty"`
	InfluencerImageRef string `json:"influencerImageRef"`
	Width              int    `json:"width"`
	Height             int    `json:"height"`
	Prompt             string `json:"prompt,omitempty"`
	PriceCents         int64  `json:"priceCents"`
	AllowPromptEdit    bool   `json:"allowPromptEdit"`
}

// PresetCatalog is an immutable snapshot of the configured presets. The
// first preset is the default when a request names none.
type PresetCatalog struct {
	presets []Preset
	byID    map[string]int
}

// NewPresetCatalog builds a catalog; caller must not mutate presets after.
func NewPresetCatalog(presets []Preset) *PresetCatalog {
	byID := make(map[string]int, len(presets))
	for i, p := range presets {
		byID[p.ID] = i
	}
	return &PresetCatalog{presets: presets, byID: byID}
}

// Get returns the preset with the given id, or the default preset when id
// is empty.
func (c *PresetCatalog) Get(id string) (*Preset, bool) {
	if id == "" {
		return c.Default()
	}
	i, ok := c.byID[id]
	if !ok {
		return nil, false
	}
	p := c.presets[i]
	return &p, true
}

// Default returns the first configured preset.
func (c *PresetCatalog) Default() (*Preset, bool) {
	if len(c.presets) == 0 {
		return nil, false
	}
	p := c.presets[0]
	return &p, true
}

// List returns a copy of all presets.
func (c *PresetCatalog) List() []Preset {
	out := make([]Preset, len(c.presets))
	copy(out, c.presets)
	return out
}
