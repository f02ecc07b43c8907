package phase

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Kind routes a phase to its handler. The set is closed.
type Kind string

const (
	KindAnalysis    Kind = "analysis"
	KindExploration Kind = "exploration"
	KindTesting     Kind = "testing"
	KindReview      Kind = "review"
	KindReporting   Kind = "reporting"
)

// Kinds lists every valid Kind in pipeline order.
func Kinds() []Kind {
	return []Kind{KindAnalysis, KindExploration, KindTesting, KindReview, KindReporting}
}

func (k Kind) Valid() bool {
	for _, v := range Kinds() {
		if k == v {
			return true
		}
	}
	return false
}

// Descriptor declares a phase: what it depends on, when it may run, and
// whether it needs the shared browser.
type Descriptor struct {
	ID              string
	DependsOn       []string
	Order           int
	RequiresBrowser bool
	Kind            Kind
	Critical        bool
	// Command is run by CommandHandler; in-process handlers ignore it.
	Command []string
	// Timeout bounds the handler; zero means the engine default.
	Timeout time.Duration
}

// Registry supplies phase descriptors in pipeline order.
type Registry interface {
	Phases() []Descriptor
	Get(id string) (Descriptor, bool)
}

// StaticRegistry is an immutable, validated Registry.
type StaticRegistry struct {
	phases []Descriptor
	byID   map[string]int
}

// NewStaticRegistry validates phases and sorts them by Order, keeping the
// declaration order within one order group.
func NewStaticRegistry(phases []Descriptor) (*StaticRegistry, error) {
	if err := Validate(phases); err != nil {
		return nil, err
	}
	sorted := append([]Descriptor(nil), phases...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })
	byID := make(map[string]int, len(sorted))
	for i, p := range sorted {
		byID[p.ID] = i
	}
	return &StaticRegistry{phases: sorted, byID: byID}, nil
}

func (r *StaticRegistry) Phases() []Descriptor {
	out := make([]Descriptor, len(r.phases))
	for i, p := range r.phases {
		out[i] = p.clone()
	}
	return out
}

func (r *StaticRegistry) Get(id string) (Descriptor, bool) {
	i, ok := r.byID[id]
	if !ok {
		return Descriptor{}, false
	}
	return r.phases[i].clone(), true
}

// MarkCritical returns a copy of the registry with the named phases flagged
// critical in addition to those already flagged. Unknown ids are an error.
func (r *StaticRegistry) MarkCritical(ids ...string) (*StaticRegistry, error) {
	phases := r.Phases()
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		i, ok := r.byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: critical phase %q is not registered", ErrInvalidGraph, id)
		}
		phases[i].Critical = true
	}
	return NewStaticRegistry(phases)
}

func (d Descriptor) clone() Descriptor {
	d.DependsOn = append([]string(nil), d.DependsOn...)
	d.Command = append([]string(nil), d.Command...)
	return d
}

type registryFile struct {
	Phases []phaseFile `yaml:"phases"`
}

type phaseFile struct {
	ID              string   `yaml:"id"`
	Kind            string   `yaml:"kind"`
	Order           int      `yaml:"order"`
	DependsOn       []string `yaml:"depends_on"`
	RequiresBrowser bool     `yaml:"requires_browser"`
	Critical        bool     `yaml:"critical"`
	Timeout         string   `yaml:"timeout"`
	Command         []string `yaml:"command"`
}

// LoadFile reads a YAML registry:
//
//	phases:
//	  - id: recon
//	    kind: analysis
//	    order: 1
//	    critical: true
//	  - id: crawl
//	    kind: exploration
//	    order: 2
//	    depends_on: [recon]
//	    requires_browser: true
//	    timeout: 15m
//	    command: ["./bin/crawl"]
func LoadFile(path string) (*StaticRegistry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a YAML registry document. See LoadFile.
func Parse(raw []byte) (*StaticRegistry, error) {
	var doc registryFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	phases := make([]Descriptor, 0, len(doc.Phases))
	for i, pf := range doc.Phases {
		d := Descriptor{
			ID:              strings.TrimSpace(pf.ID),
			Kind:            Kind(strings.ToLower(strings.TrimSpace(pf.Kind))),
			Order:           pf.Order,
			DependsOn:       pf.DependsOn,
			RequiresBrowser: pf.RequiresBrowser,
			Critical:        pf.Critical,
			Command:         pf.Command,
		}
		if s := strings.TrimSpace(pf.Timeout); s != "" {
			t, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("parse registry: phase #%d (%s): timeout: %w", i+1, d.ID, err)
			}
			d.Timeout = t
		}
		phases = append(phases, d)
	}
	return NewStaticRegistry(phases)
}
