// Package stimuli holds the embedded stimulus catalogs and the
// counterbalancing generator that binds catalog items to a session.
package stimuli

import (
	"embed"
	"fmt"

	"github.com/ashureev/recall-labs/internal/domain"
	"github.com/containerd/errdefs"
	"gopkg.in/yaml.v3"
)

//go:embed data/*.yaml
var catalogFS embed.FS

// LinguisticPools is the sentence catalog of the linguistic experiment.
type LinguisticPools struct {
	Study []domain.LinguisticItem `yaml:"study"`
	Foil  []domain.LinguisticItem `yaml:"foil"`
}

// VisualPools is the photo catalog of the visual experiment.
type VisualPools struct {
	Study  []domain.VisualItem `yaml:"study"`
	Foil   []domain.VisualItem `yaml:"foil"`
	Assets []string            `yaml:"assets"`
}

// Catalog is the read-only stimulus pool for both experiment types.
type Catalog struct {
	Linguistic LinguisticPools
	Visual     VisualPools
}

// LoadCatalog parses the embedded catalogs.
func LoadCatalog() (*Catalog, error) {
	var c Catalog
	if err := readYAML("data/linguistic.yaml", &c.Linguistic); err != nil {
		return nil, err
	}
	if err := readYAML("data/visual.yaml", &c.Visual); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func readYAML(name string, out any) error {
	raw, err := catalogFS.ReadFile(name)
	if err != nil {
		return fmt.Errorf("read catalog %s: %w", name, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse catalog %s: %w", name, err)
	}
	return nil
}

func (c *Catalog) validate() error {
	if err := uniqueIDs("linguistic study", c.Linguistic.Study, func(it domain.LinguisticItem) int { return it.ID }); err != nil {
		return err
	}
	if err := uniqueIDs("linguistic foil", c.Linguistic.Foil, func(it domain.LinguisticItem) int { return it.ID }); err != nil {
		return err
	}
	if err := uniqueIDs("visual study", c.Visual.Study, func(it domain.VisualItem) int { return it.ID }); err != nil {
		return err
	}
	return uniqueIDs("visual foil", c.Visual.Foil, func(it domain.VisualItem) int { return it.ID })
}

func uniqueIDs[T any](pool string, items []T, id func(T) int) error {
	seen := make(map[int]struct{}, len(items))
	for _, it := range items {
		n := id(it)
		if _, dup := seen[n]; dup {
			return fmt.Errorf("%s pool: duplicate item id %d", pool, n)
		}
		seen[n] = struct{}{}
	}
	return nil
}

// Pools is one experiment type's part of the catalog. Exactly one of
// Linguistic and Visual is set.
type Pools struct {
	ExperimentType domain.ExperimentType
	Linguistic     *LinguisticPools
	Visual         *VisualPools
}

// Sizes returns the number of study and foil items.
func (p Pools) Sizes() (study, foil int) {
	if p.Linguistic != nil {
		return len(p.Linguistic.Study), len(p.Linguistic.Foil)
	}
	if p.Visual != nil {
		return len(p.Visual.Study), len(p.Visual.Foil)
	}
	return 0, 0
}

// Pools returns the study and foil pools of expType.
func (c *Catalog) Pools(expType domain.ExperimentType) (Pools, error) {
	switch expType {
	case domain.ExperimentLinguistic:
		return Pools{ExperimentType: expType, Linguistic: &c.Linguistic}, nil
	case domain.ExperimentVisual:
		return Pools{ExperimentType: expType, Visual: &c.Visual}, nil
	}
	return Pools{}, fmt.Errorf("unknown experiment type %q: %w", expType, errdefs.ErrNotFound)
}
