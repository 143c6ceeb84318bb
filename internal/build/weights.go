package build

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// LoadWeights reads the frequency weight configuration and validates that it
// covers exactly the known candidate types with strictly positive weights.
func LoadWeights(path string) (map[string]float64, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read frequency weights %s: %w", path, err)
	}

	var cfg struct {
		Weights map[string]float64 `mapstructure:"weights"`
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse frequency weights %s: %w", path, err)
	}
	if cfg.Weights == nil {
		return nil, fmt.Errorf("frequency_weights config must contain object key 'weights'")
	}

	known := make(map[string]struct{}, len(CandidateTypes))
	for _, candidateType := range CandidateTypes {
		known[candidateType] = struct{}{}
	}

	var missing []string
	for _, candidateType := range CandidateTypes {
		if _, ok := cfg.Weights[candidateType]; !ok {
			missing = append(missing, candidateType)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("frequency_weights missing candidate types: %s", strings.Join(missing, ", "))
	}

	for candidateType, weight := range cfg.Weights {
		if weight <= 0 {
			return nil, fmt.Errorf(
				"frequency weight must be > 0 for candidate_type=%s; got %v", candidateType, weight)
		}
	}

	var unknown []string
	for candidateType := range cfg.Weights {
		if _, ok := known[candidateType]; !ok {
			unknown = append(unknown, candidateType)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("frequency_weights has unknown candidate types: %s", strings.Join(unknown, ", "))
	}

	return cfg.Weights, nil
}
