package domain

// DetailPlaceholder marks where free-text user input is substituted in a
// scenario message template.
const DetailPlaceholder = "{{detail}}"

// Context flags a scenario may require.
const (
	RequireOrganization = "organization"
	RequireIndustry     = "industry"
	RequireRole         = "role"
	RequireAdvisors     = "advisors"
)

// Scenario is a named template of system prompt plus one or more ordered
// user-message templates.
type Scenario struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	System   string   `yaml:"system"`
	Messages []string `yaml:"messages"`
	Requires []string `yaml:"requires"`
}

// RequiresContext reports whether flag is one of the scenario's required contexts.
func (s Scenario) RequiresContext(flag string) bool {
	for _, f := range s.Requires {
		if f == flag {
			return true
		}
	}
	return false
}
