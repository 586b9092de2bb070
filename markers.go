package agentstream

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed config/markers/markers.yaml
var defaultMarkersYAML []byte

// The marker vocabulary is a contract with the producing service, not free
// text. It is versioned and embedded; library users can replace it by:
//  1. Calling LoadMarkersFromFile() with custom YAML
//  2. Calling RegisterMarkers() programmatically

// MatchMode selects how a marker rule compares against a payload.
type MatchMode string

const (
	MatchExact  MatchMode = "exact"
	MatchPrefix MatchMode = "prefix"
)

// MarkerRule is one entry of the marker vocabulary.
type MarkerRule struct {
	Name  string    `yaml:"name"`
	Match MatchMode `yaml:"match"`
	Text  string    `yaml:"text"`
}

// MarkerVocabulary is the full set of recognized progress markers.
type MarkerVocabulary struct {
	Version     string       `yaml:"version"`
	LastUpdated string       `yaml:"last_updated"`
	Markers     []MarkerRule `yaml:"markers"`
}

// Match reports whether payload is a progress marker, and which rule matched.
func (v *MarkerVocabulary) Match(payload string) (MarkerRule, bool) {
	if v == nil {
		return MarkerRule{}, false
	}
	for _, rule := range v.Markers {
		switch rule.Match {
		case MatchExact:
			if payload == rule.Text {
				return rule, true
			}
		case MatchPrefix:
			if strings.HasPrefix(payload, rule.Text) {
				return rule, true
			}
		}
	}
	return MarkerRule{}, false
}

func (v *MarkerVocabulary) validate() error {
	if v.Version == "" {
		return fmt.Errorf("marker vocabulary has no version")
	}
	for i, rule := range v.Markers {
		if rule.Text == "" {
			return fmt.Errorf("marker %d (%s) has empty text", i, rule.Name)
		}
		if rule.Match != MatchExact && rule.Match != MatchPrefix {
			return fmt.Errorf("marker %d (%s) has unknown match mode %q", i, rule.Name, rule.Match)
		}
	}
	return nil
}

// ParseMarkers decodes and validates a YAML marker vocabulary.
func ParseMarkers(data []byte) (*MarkerVocabulary, error) {
	var vocab MarkerVocabulary
	if err := yaml.Unmarshal(data, &vocab); err != nil {
		return nil, fmt.Errorf("failed to unmarshal marker vocabulary: %w", err)
	}
	if err := vocab.validate(); err != nil {
		return nil, err
	}
	return &vocab, nil
}

// builtinMarkers is used only if the embedded YAML fails to parse.
var builtinMarkers = MarkerVocabulary{
	Version: "builtin",
	Markers: []MarkerRule{
		{Name: "agent_starting", Match: MatchExact, Text: "Starting autonomous agent..."},
		{Name: "no_index", Match: MatchPrefix, Text: "No index found"},
		{Name: "indexing", Match: MatchPrefix, Text: "Indexing"},
	},
}

// MarkerRegistry holds the active marker vocabulary.
type MarkerRegistry struct {
	current *MarkerVocabulary
	mu      sync.RWMutex
}

var (
	globalMarkers     *MarkerRegistry
	globalMarkersOnce sync.Once
)

// GetMarkerRegistry returns the global marker registry (singleton)
func GetMarkerRegistry() *MarkerRegistry {
	globalMarkersOnce.Do(func() {
		globalMarkers = &MarkerRegistry{}
		vocab, err := ParseMarkers(defaultMarkersYAML)
		if err != nil {
			// Don't panic - fall back to the compiled-in vocabulary
			slog.Warn("failed to load embedded marker vocabulary", "error", err)
			fallback := builtinMarkers
			vocab = &fallback
		}
		globalMarkers.current = vocab
	})
	return globalMarkers
}

// Current returns the active vocabulary.
func (r *MarkerRegistry) Current() *MarkerVocabulary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Register replaces the active vocabulary.
func (r *MarkerRegistry) Register(vocab *MarkerVocabulary) error {
	if err := vocab.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = vocab
	return nil
}

// LoadFromFile replaces the active vocabulary with one read from a YAML file.
// The file format should match the embedded YAML structure.
func (r *MarkerRegistry) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read marker vocabulary: %w", err)
	}
	vocab, err := ParseMarkers(data)
	if err != nil {
		return err
	}
	return r.Register(vocab)
}

// DefaultMarkers returns the global registry's active vocabulary.
func DefaultMarkers() *MarkerVocabulary {
	return GetMarkerRegistry().Current()
}

// LoadMarkersFromFile is a convenience function that calls the global registry's LoadFromFile.
func LoadMarkersFromFile(path string) error {
	return GetMarkerRegistry().LoadFromFile(path)
}

// RegisterMarkers is a convenience function that calls the global registry's Register.
func RegisterMarkers(vocab *MarkerVocabulary) error {
	return GetMarkerRegistry().Register(vocab)
}
