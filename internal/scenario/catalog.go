package scenario

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"chat-relay/internal/domain"
)

type file struct {
	Scenarios []domain.Scenario `yaml:"scenarios"`
}

var knownRequirements = map[string]struct{}{
	domain.RequireOrganization: {},
	domain.RequireIndustry:     {},
	domain.RequireRole:         {},
	domain.RequireAdvisors:     {},
}

// Catalog is an immutable set of scenarios keyed by id.
type Catalog struct {
	byID map[string]domain.Scenario
}

// Load reads a YAML scenario file.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "scenario: read %s", path)
	}
	return Parse(raw)
}

// Parse decodes and validates a YAML scenario document.
func Parse(raw []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errors.Wrap(err, "scenario: parse")
	}
	return New(f.Scenarios...)
}

// New builds a catalog, rejecting duplicate ids and scenarios without
// message templates.
func New(scenarios ...domain.Scenario) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]domain.Scenario, len(scenarios))}
	for _, s := range scenarios {
		s.ID = strings.TrimSpace(s.ID)
		if s.ID == "" {
			return nil, errors.New("scenario: id is required")
		}
		if _, dup := c.byID[s.ID]; dup {
			return nil, errors.Errorf("scenario: duplicate id %q", s.ID)
		}
		if len(s.Messages) == 0 {
			return nil, errors.Errorf("scenario %q: at least one message template is required", s.ID)
		}
		for _, r := range s.Requires {
			if _, ok := knownRequirements[r]; !ok {
				return nil, errors.Errorf("scenario %q: unknown requirement %q", s.ID, r)
			}
		}
		c.byID[s.ID] = s
	}
	return c, nil
}

// Scenario returns the scenario registered under id.
func (c *Catalog) Scenario(id string) (domain.Scenario, bool) {
	s, ok := c.byID[strings.TrimSpace(id)]
	return s, ok
}

func (c *Catalog) Len() int {
	return len(c.byID)
}
