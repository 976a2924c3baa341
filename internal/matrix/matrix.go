// Package matrix holds the classification matrix that drives the track and
// option menus: category → group → ordered tracks → ordered options.
//
// A Matrix is built once from a cohort file, validated for key uniqueness,
// and never mutated afterwards. All lookups are total: an absent category or
// group resolves to an empty track list rather than an error.
package matrix

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"contestbot/internal/logging"

	"gopkg.in/yaml.v3"
)

//go:embed cohorts/default.yaml
var defaultCohort []byte

// ErrInvalidMatrix wraps every load-time validation failure.
var ErrInvalidMatrix = errors.New("invalid classification matrix")

// Option is a sub-choice within a track.
type Option struct {
	Key   string `yaml:"key"`
	Title string `yaml:"title"`
}

// Track is a selectable contest within a (category, group) bucket.
type Track struct {
	Key     string   `yaml:"key"`
	Title   string   `yaml:"title"`
	Options []Option `yaml:"options"`
}

// HasOptions reports whether the track requires an option choice.
func (t Track) HasOptions() bool {
	return len(t.Options) > 0
}

// Option looks up an option of this track by key.
func (t Track) Option(key string) (Option, bool) {
	for _, o := range t.Options {
		if o.Key == key {
			return o, true
		}
	}
	return Option{}, false
}

// Category is a top-level classification axis value.
type Category struct {
	Key   string `yaml:"key"`
	Label string `yaml:"label"`
}

// Grade is a fine-grained answer that reduces many-to-one onto a group.
type Grade struct {
	Key   string `yaml:"key"`
	Label string `yaml:"label"`
	Group string `yaml:"group"`
}

// cohortFile is the on-disk YAML layout.
type cohortFile struct {
	Categories []Category                    `yaml:"categories"`
	Grades     []Grade                       `yaml:"grades"`
	Tracks     map[string]map[string][]Track `yaml:"tracks"`
}

type bucketKey struct {
	category string
	group    string
}

// Matrix is the validated, read-only lookup structure.
type Matrix struct {
	categories []Category
	grades     []Grade
	buckets    map[bucketKey][]Track
}

// Default returns the matrix built from the embedded default cohort.
func Default() (*Matrix, error) {
	return Parse(defaultCohort)
}

// Load reads and validates a cohort file from disk.
func Load(path string) (*Matrix, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read matrix file: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse decodes and validates a cohort document.
func Parse(data []byte) (*Matrix, error) {
	var doc cohortFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMatrix, err)
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}

	m := &Matrix{
		categories: doc.Categories,
		grades:     doc.Grades,
		buckets:    make(map[bucketKey][]Track),
	}
	trackCount := 0
	for cat, groups := range doc.Tracks {
		for group, tracks := range groups {
			m.buckets[bucketKey{cat, group}] = tracks
			trackCount += len(tracks)
		}
	}

	logging.Matrix("matrix loaded: %d categories, %d grades, %d buckets, %d tracks",
		len(m.categories), len(m.grades), len(m.buckets), trackCount)
	return m, nil
}

// validate reports every structural problem at once.
func (d *cohortFile) validate() error {
	var problems []error
	fail := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if len(d.Categories) == 0 {
		fail("no categories defined")
	}
	if len(d.Grades) == 0 {
		fail("no grades defined")
	}

	categories := make(map[string]bool)
	for _, c := range d.Categories {
		switch {
		case strings.TrimSpace(c.Key) == "":
			fail("category with empty key")
		case categories[c.Key]:
			fail("duplicate category key %q", c.Key)
		case strings.TrimSpace(c.Label) == "":
			fail("category %q has empty label", c.Key)
		}
		categories[c.Key] = true
	}

	grades := make(map[string]bool)
	for _, g := range d.Grades {
		switch {
		case strings.TrimSpace(g.Key) == "":
			fail("grade with empty key")
		case grades[g.Key]:
			fail("duplicate grade key %q", g.Key)
		case strings.TrimSpace(g.Group) == "":
			fail("grade %q maps to no group", g.Key)
		case strings.TrimSpace(g.Label) == "":
			fail("grade %q has empty label", g.Key)
		}
		grades[g.Key] = true
	}

	for cat, groups := range d.Tracks {
		if !categories[cat] {
			fail("tracks reference unknown category %q", cat)
		}
		for group, tracks := range groups {
			seen := make(map[string]bool)
			for _, t := range tracks {
				where := fmt.Sprintf("%s/%s/%s", cat, group, t.Key)
				switch {
				case strings.TrimSpace(t.Key) == "":
					fail("%s/%s: track with empty key", cat, group)
				case seen[t.Key]:
					fail("%s: duplicate track key", where)
				case strings.TrimSpace(t.Title) == "":
					fail("%s: empty track title", where)
				}
				seen[t.Key] = true

				options := make(map[string]bool)
				for _, o := range t.Options {
					switch {
					case strings.TrimSpace(o.Key) == "":
						fail("%s: option with empty key", where)
					case options[o.Key]:
						fail("%s: duplicate option key %q", where, o.Key)
					case strings.TrimSpace(o.Title) == "":
						fail("%s: option %q has empty title", where, o.Key)
					}
					options[o.Key] = true
				}
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidMatrix, errors.Join(problems...))
	}
	return nil
}

// Categories returns the ordered category enumeration.
func (m *Matrix) Categories() []Category {
	return append([]Category(nil), m.categories...)
}

// Grades returns the ordered grade enumeration.
func (m *Matrix) Grades() []Grade {
	return append([]Grade(nil), m.grades...)
}

// Category looks up a category by key.
func (m *Matrix) Category(key string) (Category, bool) {
	for _, c := range m.categories {
		if c.Key == key {
			return c, true
		}
	}
	return Category{}, false
}

// Grade looks up a grade by key.
func (m *Matrix) Grade(key string) (Grade, bool) {
	for _, g := range m.grades {
		if g.Key == key {
			return g, true
		}
	}
	return Grade{}, false
}

// GroupOf reduces a grade key to its coarse group key.
func (m *Matrix) GroupOf(gradeKey string) (string, bool) {
	g, ok := m.Grade(gradeKey)
	if !ok {
		return "", false
	}
	return g.Group, true
}

// Resolve returns the ordered tracks for a (category, group) pair.
// An unknown pair yields an empty slice.
func (m *Matrix) Resolve(category, group string) []Track {
	tracks := m.buckets[bucketKey{category, group}]
	out := make([]Track, len(tracks))
	copy(out, tracks)
	return out
}

// Track looks up one track inside a bucket.
func (m *Matrix) Track(category, group, trackKey string) (Track, bool) {
	for _, t := range m.buckets[bucketKey{category, group}] {
		if t.Key == trackKey {
			return t, true
		}
	}
	return Track{}, false
}

// ResolveOption returns the title of an option inside a bucket's track.
func (m *Matrix) ResolveOption(category, group, trackKey, optionKey string) (string, bool) {
	t, ok := m.Track(category, group, trackKey)
	if !ok {
		return "", false
	}
	o, ok := t.Option(optionKey)
	if !ok {
		return "", false
	}
	return o.Title, true
}
