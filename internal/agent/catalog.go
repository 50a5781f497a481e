package agent

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var builtinCatalog []byte

// ModelCapability describes one model in the capability catalog the
// model picker is built from.
type ModelCapability struct {
	ID             string  `json:"id" yaml:"id"`
	Provider       string  `json:"provider" yaml:"provider"`
	DisplayName    string  `json:"display_name" yaml:"display_name"`
	SpeedScore     int     `json:"speed_score" yaml:"speed_score"`
	ReasoningScore int     `json:"reasoning_score" yaml:"reasoning_score"`
	CodingScore    int     `json:"coding_score" yaml:"coding_score"`
	CostPer1M      float64 `json:"cost_per_1m_tokens" yaml:"cost_per_1m_tokens"`
}

// LoadCatalog reads the model capability catalog from path, or the
// built-in table when path is empty. The catalog is static
// configuration: the agent has no operation to enumerate
// capabilities, so the bridge ships its own.
func LoadCatalog(path string) ([]ModelCapability, error) {
	raw := builtinCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	var doc struct {
		Models []ModelCapability `yaml:"models"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if err := validateCatalog(doc.Models); err != nil {
		return nil, err
	}
	return doc.Models, nil
}

func validateCatalog(models []ModelCapability) error {
	if len(models) == 0 {
		return errors.New("catalog must contain at least one model")
	}
	seen := make(map[string]struct{})
	for i, m := range models {
		if m.ID == "" {
			return fmt.Errorf("model[%d]: id is required", i)
		}
		if m.Provider == "" {
			return fmt.Errorf("model %s: provider is required", m.ID)
		}
		if m.DisplayName == "" {
			return fmt.Errorf("model %s: display_name is required", m.ID)
		}
		if !scoreOK(m.SpeedScore) || !scoreOK(m.ReasoningScore) || !scoreOK(m.CodingScore) {
			return fmt.Errorf("model %s: scores must be between 1 and 10", m.ID)
		}
		if m.CostPer1M < 0 {
			return fmt.Errorf("model %s: cost must not be negative", m.ID)
		}
		if _, ok := seen[m.ID]; ok {
			return fmt.Errorf("duplicate model id %s", m.ID)
		}
		seen[m.ID] = struct{}{}
	}
	return nil
}

func scoreOK(s int) bool { return s >= 1 && s <= 10 }
