package tts

import (
	"sort"
	"strings"
)

// Voice is one catalog entry.
type Voice struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Engine   string `json:"engine"`
	Language string `json:"language"`
}

// Catalog resolves human voice names to engine voice IDs.
type Catalog struct {
	byName map[string][]Voice
}

// NewCatalog indexes the voice list by lowercased name.
func NewCatalog(voices []Voice) *Catalog {
	c := &Catalog{byName: make(map[string][]Voice)}
	for _, v := range voices {
		key := strings.ToLower(v.Name)
		c.byName[key] = append(c.byName[key], v)
	}
	return c
}

// Resolve finds a voice by name. On ambiguity it prefers a matching engine,
// then a matching language, then the first entry. Unknown names return
// ok=false; callers pass them through unchanged.
func (c *Catalog) Resolve(name, engine, language string) (Voice, bool) {
	matches := c.byName[strings.ToLower(name)]
	if len(matches) == 0 {
		return Voice{}, false
	}
	if len(matches) == 1 {
		return matches[0], true
	}
	if engine != "" {
		for _, v := range matches {
			if strings.EqualFold(v.Engine, engine) {
				return v, true
			}
		}
	}
	if language != "" {
		for _, v := range matches {
			if strings.EqualFold(v.Language, language) {
				return v, true
			}
		}
	}
	return matches[0], true
}

// Voices lists catalog entries, optionally filtered by language.
func (c *Catalog) Voices(language string) []Voice {
	var out []Voice
	for _, matches := range c.byName {
		for _, v := range matches {
			if language == "" || strings.EqualFold(v.Language, language) {
				out = append(out, v)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Engine < out[j].Engine
	})
	return out
}

// Default picks the language default voice for an engine.
func (c *Catalog) Default(engine, language string) (Voice, bool) {
	for _, matches := range c.byName {
		for _, v := range matches {
			if strings.EqualFold(v.Engine, engine) && strings.EqualFold(v.Language, language) {
				return v, true
			}
		}
	}
	// Fall back to any voice on the engine.
	for _, matches := range c.byName {
		for _, v := range matches {
			if strings.EqualFold(v.Engine, engine) {
				return v, true
			}
		}
	}
	return Voice{}, false
}
