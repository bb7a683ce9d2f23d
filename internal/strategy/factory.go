package strategy

import (
	"fmt"
	"strings"
)

// All returns every component in a stable order.
func All() []Component {
	return []Component{
		PriceAction{},
		VolumeProfile{},
		InstitutionalFlow{},
		TechnicalConfluence{},
		SessionAlignment{},
		VolatilityFilter{},
	}
}

// Build returns the components matching the configured names.
func Build(names []string) ([]Component, error) {
	if len(names) == 0 {
		return All(), nil
	}
	byName := make(map[string]Component)
	for _, c := range All() {
		byName[c.Name()] = c
	}
	out := make([]Component, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		c, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown component %q", raw)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, c)
	}
	return out, nil
}
