/*
Package achievement tracks member progress against achievement definitions
and unlocks each achievement at most once.

DEFINITIONS:
  Loaded from YAML. The built-in set is embedded (definitions.yaml); a
  deployment may replace it with its own file. Each definition watches one
  metric and unlocks when the metric reaches Threshold.

PROGRESS:
  Non-resettable: progress = max(stored, observed). Never decreases.
  Resettable:     progress restarts when the window key changes
                  (currently only "week", an ISO week in the member's zone).

UNLOCK:
  One-way. Set inside the same version-checked transaction that observes
  UnlockedAt == nil, so concurrent evaluations cannot unlock twice.

SEE ALSO:
  - evaluator.go: Evaluate, List
  - projector/projector.go: builds the metric snapshot
*/
package achievement

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed definitions.yaml
var defaultDefinitions []byte

// Metric is a member statistic an achievement can watch.
type Metric string

const (
	MetricTotalEarned   Metric = "total_earned"
	MetricTotalRedeemed Metric = "total_redeemed"
	MetricAwardCount    Metric = "award_count"
	MetricRedeemCount   Metric = "redeem_count"
	MetricCurrentStreak Metric = "current_streak"
	MetricLongestStreak Metric = "longest_streak"
	MetricWeeklyEarned  Metric = "weekly_earned"
)

func (m Metric) valid() bool {
	switch m {
	case MetricTotalEarned, MetricTotalRedeemed, MetricAwardCount, MetricRedeemCount,
		MetricCurrentStreak, MetricLongestStreak, MetricWeeklyEarned:
		return true
	}
	return false
}

// WindowWeek resets progress every ISO week.
const WindowWeek = "week"

// Definition describes one achievement.
type Definition struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Metric      Metric `yaml:"metric"`
	Threshold   int64  `yaml:"threshold"`
	Resettable  bool   `yaml:"resettable,omitempty"`
	Window      string `yaml:"window,omitempty"`
}

type definitionsFile struct {
	Achievements []Definition `yaml:"achievements"`
}

// Catalog is a validated, ordered set of definitions.
type Catalog struct {
	defs []Definition
	byID map[string]Definition
}

// DefaultCatalog returns the embedded definitions.
func DefaultCatalog() *Catalog {
	c, err := Parse(defaultDefinitions)
	if err != nil {
		panic(fmt.Sprintf("embedded achievement definitions are invalid: %v", err))
	}
	return c
}

// LoadFile reads definitions from a YAML file.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read achievement definitions: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML definitions. Unknown fields are rejected.
func Parse(data []byte) (*Catalog, error) {
	var file definitionsFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse achievement definitions: %w", err)
	}
	return NewCatalog(file.Achievements)
}

// NewCatalog validates defs.
func NewCatalog(defs []Definition) (*Catalog, error) {
	if len(defs) == 0 {
		return nil, errors.New("no achievement definitions")
	}
	c := &Catalog{byID: make(map[string]Definition, len(defs))}
	for i, d := range defs {
		switch {
		case d.ID == "":
			return nil, fmt.Errorf("achievement %d: id is required", i)
		case !d.Metric.valid():
			return nil, fmt.Errorf("achievement %s: unknown metric %q", d.ID, d.Metric)
		case d.Threshold <= 0:
			return nil, fmt.Errorf("achievement %s: threshold must be positive", d.ID)
		case d.Resettable && d.Window != WindowWeek:
			return nil, fmt.Errorf("achievement %s: resettable achievements need window %q", d.ID, WindowWeek)
		case !d.Resettable && d.Window != "":
			return nil, fmt.Errorf("achievement %s: window set on a non-resettable achievement", d.ID)
		}
		if _, dup := c.byID[d.ID]; dup {
			return nil, fmt.Errorf("achievement %s: duplicate id", d.ID)
		}
		if d.Name == "" {
			d.Name = d.ID
		}
		c.byID[d.ID] = d
		c.defs = append(c.defs, d)
	}
	return c, nil
}

// Definitions returns the definitions in file order.
func (c *Catalog) Definitions() []Definition {
	out := make([]Definition, len(c.defs))
	copy(out, c.defs)
	return out
}

// Get looks up a definition by id.
func (c *Catalog) Get(id string) (Definition, bool) {
	d, ok := c.byID[id]
	return d, ok
}
