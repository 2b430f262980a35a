package cadence

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrUnknownCadence is returned when a cadence name is not in the catalog.
var ErrUnknownCadence = errors.New("unknown cadence")

// ErrInvalidCadence is returned when a template fails validation at load time.
var ErrInvalidCadence = errors.New("invalid cadence")

// TouchType is the channel a touch is delivered through.
type TouchType string

const (
	TouchEmail TouchType = "email"
	TouchCall  TouchType = "call"
)

// Valid reports whether t is one of the known touch types.
func (t TouchType) Valid() bool {
	switch t {
	case TouchEmail, TouchCall:
		return true
	}
	return false
}

// ParseTouchType converts a raw string into a TouchType.
func ParseTouchType(s string) (TouchType, error) {
	t := TouchType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown touch type %q", s)
	}
	return t, nil
}

// Step is one scheduled touch within a cadence template.
type Step struct {
	DayOffset int       `yaml:"day" json:"day_offset"`
	Type      TouchType `yaml:"type" json:"touch_type"`
	Variant   int       `yaml:"variant" json:"variant_number"`
}

// Cadence is a named, reusable template of touches.
type Cadence struct {
	Name  string `yaml:"-" json:"name"`
	Title string `yaml:"title" json:"title"`
	Steps []Step `yaml:"steps" json:"steps"`
}

// Validate checks the load-time invariants of a template.
func (c Cadence) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidCadence)
	}
	if len(c.Steps) == 0 {
		return fmt.Errorf("%w: %s has no steps", ErrInvalidCadence, c.Name)
	}
	prev := 0
	for i, s := range c.Steps {
		if s.DayOffset < 0 {
			return fmt.Errorf("%w: %s step %d has negative day offset %d", ErrInvalidCadence, c.Name, i+1, s.DayOffset)
		}
		if s.DayOffset < prev {
			return fmt.Errorf("%w: %s step %d day offset %d is before previous offset %d", ErrInvalidCadence, c.Name, i+1, s.DayOffset, prev)
		}
		if !s.Type.Valid() {
			return fmt.Errorf("%w: %s step %d has unknown touch type %q", ErrInvalidCadence, c.Name, i+1, s.Type)
		}
		if s.Variant < 1 {
			return fmt.Errorf("%w: %s step %d has variant %d, must be >= 1", ErrInvalidCadence, c.Name, i+1, s.Variant)
		}
		prev = s.DayOffset
	}
	return nil
}

// Schedule returns the scheduled time of every step when the cadence starts
// at start. Offsets are whole days; policy may roll a time past a weekend.
func (c Cadence) Schedule(start time.Time, policy WeekendPolicy) []time.Time {
	out := make([]time.Time, len(c.Steps))
	for i, s := range c.Steps {
		out[i] = policy.Adjust(start.AddDate(0, 0, s.DayOffset))
	}
	return out
}

// Catalog is an immutable, validated set of cadence templates.
type Catalog struct {
	byName map[string]Cadence
	names  []string
}

// New validates the given templates and builds a Catalog. Later entries with
// the same name replace earlier ones.
func New(cadences ...Cadence) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]Cadence, len(cadences))}
	for _, cd := range cadences {
		if err := cd.Validate(); err != nil {
			return nil, err
		}
		steps := make([]Step, len(cd.Steps))
		copy(steps, cd.Steps)
		cd.Steps = steps
		c.byName[cd.Name] = cd
	}
	for name := range c.byName {
		c.names = append(c.names, name)
	}
	sort.Strings(c.names)
	return c, nil
}

// Get returns the template registered under name.
func (c *Catalog) Get(name string) (Cadence, error) {
	cd, ok := c.byName[name]
	if !ok {
		return Cadence{}, fmt.Errorf("%w: %q", ErrUnknownCadence, name)
	}
	return cd, nil
}

// Names returns the registered cadence names in sorted order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// All returns every template sorted by name.
func (c *Catalog) All() []Cadence {
	out := make([]Cadence, 0, len(c.names))
	for _, n := range c.names {
		out = append(out, c.byName[n])
	}
	return out
}
