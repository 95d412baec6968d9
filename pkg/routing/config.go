package routing

import (
	"fmt"
	"strings"
)

// Policy names accepted in configuration.
const (
	PolicyDBID     = "DB_ID"
	PolicyAclID    = "ACL_ID"
	PolicyRange    = "DB_ID_RANGE"
	PolicyDate     = "DATE"
	PolicyProperty = "PROPERTY"
	PolicyExplicit = "EXPLICIT"
)

// Config selects and parameterizes a routing policy.
type Config struct {
	Policy          string        `yaml:"policy" json:"policy"`
	RangeSize       int64         `yaml:"range_size" json:"rangeSize,omitempty"`
	DateProperty    string        `yaml:"date_property" json:"dateProperty,omitempty"`
	DateGrouping    int           `yaml:"date_grouping" json:"dateGrouping,omitempty"`
	Property        string        `yaml:"property" json:"property,omitempty"`
	PropertyPattern string        `yaml:"property_pattern" json:"propertyPattern,omitempty"`
	Explicit        ExplicitTable `yaml:"explicit" json:"explicit,omitempty"`
	// Fallback is the policy behind EXPLICIT; defaults to DB_ID.
	Fallback string `yaml:"fallback" json:"fallback,omitempty"`
}

// ExplicitTable holds manual id→shard assignments.
type ExplicitTable struct {
	Nodes map[int64]int `yaml:"nodes" json:"nodes,omitempty"`
	Acls  map[int64]int `yaml:"acls" json:"acls,omitempty"`
}

// New builds the router named by cfg.Policy. An empty policy means DB_ID.
func New(cfg Config) (DocRouter, error) {
	switch strings.ToUpper(strings.TrimSpace(cfg.Policy)) {
	case "", PolicyDBID:
		return NewModuloRouter(), nil
	case PolicyAclID:
		return NewAclIDRouter(), nil
	case PolicyRange:
		return NewRangeRouter(cfg.RangeSize)
	case PolicyDate:
		grouping := cfg.DateGrouping
		if grouping == 0 {
			grouping = 1
		}
		return NewDateRouter(cfg.DateProperty, grouping)
	case PolicyProperty:
		return NewPropertyRouter(cfg.Property, cfg.PropertyPattern)
	case PolicyExplicit:
		if strings.EqualFold(cfg.Fallback, PolicyExplicit) {
			return nil, fmt.Errorf("%w: explicit fallback cannot be %s", ErrUnknownPolicy, PolicyExplicit)
		}
		fallbackCfg := cfg
		fallbackCfg.Policy = cfg.Fallback
		fallback, err := New(fallbackCfg)
		if err != nil {
			return nil, fmt.Errorf("explicit fallback: %w", err)
		}
		return NewExplicitRouter(cfg.Explicit.Nodes, cfg.Explicit.Acls, fallback), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, cfg.Policy)
	}
}
