// Package registry owns the immutable tag configuration and the mutable
// per-tag sampling state. Tag definitions load once at startup and on hot
// reload; a reload swaps the whole set atomically rather than mutating
// records in place.
package registry

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/irontide/sparkbridge/internal/domain"
	"github.com/irontide/sparkbridge/internal/ports"
)

// TagRecord is one row of the tag configuration document: a TagDefinition
// plus the connector that owns the point.
type TagRecord struct {
	domain.TagDefinition `yaml:",inline"`
	Connector            string `yaml:"connector"`
}

// Registry holds the loaded tag set and the effective sampling interval per
// tag. Reads are lock-free on the hot path; the backpressure controller is
// the only mutator of sampling state.
type Registry struct {
	mu       sync.RWMutex
	tags     map[string]*domain.TagDefinition
	order    []string
	byConn   map[string][]*domain.TagDefinition
	owner    map[string]string
	sampling map[string]*samplingState

	baseline time.Duration
	obs      ports.Observability
}

type samplingState struct {
	baseline  time.Duration
	effective time.Duration
}

// New builds a registry from validated records. Malformed records are
// rejected individually with a ConfigError diagnostic; valid records still
// load.
func New(records []TagRecord, baseline time.Duration, obs ports.Observability) (*Registry, []error) {
	if baseline <= 0 {
		baseline = 250 * time.Millisecond
	}
	r := &Registry{
		tags:     make(map[string]*domain.TagDefinition),
		byConn:   make(map[string][]*domain.TagDefinition),
		owner:    make(map[string]string),
		sampling: make(map[string]*samplingState),
		baseline: baseline,
		obs:      obs,
	}
	errs := r.install(records)
	return r, errs
}

// LoadDocument reads a YAML tag document. Each record decodes and validates
// independently so one bad row never rejects its siblings.
func LoadDocument(path string, baseline time.Duration, obs ports.Observability) (*Registry, []error, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read tag document: %w", err)
	}
	records, errs := decodeRecords(raw)
	reg, moreErrs := New(records, baseline, obs)
	return reg, append(errs, moreErrs...), nil
}

func decodeRecords(raw []byte) ([]TagRecord, []error) {
	var doc struct {
		Tags []yaml.Node `yaml:"tags"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, []error{fmt.Errorf("parse tag document: %w", err)}
	}

	var (
		records []TagRecord
		errs    []error
	)
	for i := range doc.Tags {
		var rec TagRecord
		if err := doc.Tags[i].Decode(&rec); err != nil {
			errs = append(errs, &ports.ConfigError{Section: "tags", Index: i, Err: err})
			continue
		}
		records = append(records, rec)
	}
	return records, errs
}

func (r *Registry) install(records []TagRecord) []error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for i := range records {
		rec := records[i]
		if err := rec.Validate(); err != nil {
			errs = append(errs, &ports.ConfigError{Section: "tags", Index: i, Err: err})
			continue
		}
		if rec.Connector == "" {
			errs = append(errs, &ports.ConfigError{Section: "tags", Index: i,
				Err: fmt.Errorf("tag %q: connector is required", rec.Name)})
			continue
		}
		if _, dup := r.tags[rec.Name]; dup {
			errs = append(errs, &ports.ConfigError{Section: "tags", Index: i,
				Err: fmt.Errorf("tag %q: duplicate name", rec.Name)})
			continue
		}

		def := rec.TagDefinition
		if def.SampleInterval == 0 {
			def.SampleInterval = r.baseline
		}
		r.tags[def.Name] = &def
		r.order = append(r.order, def.Name)
		r.byConn[rec.Connector] = append(r.byConn[rec.Connector], &def)
		r.owner[def.Name] = rec.Connector
		if prev, ok := r.sampling[def.Name]; ok && prev.baseline == def.SampleInterval {
			// Reload keeps the backpressure-adjusted interval for
			// surviving tags.
			continue
		}
		r.sampling[def.Name] = &samplingState{
			baseline:  def.SampleInterval,
			effective: def.SampleInterval,
		}
	}
	return errs
}

// Reload replaces the whole tag set atomically. Sampling adjustments carry
// over for tags whose baseline is unchanged.
func (r *Registry) Reload(records []TagRecord) []error {
	r.mu.Lock()
	r.tags = make(map[string]*domain.TagDefinition)
	r.order = nil
	r.byConn = make(map[string][]*domain.TagDefinition)
	r.owner = make(map[string]string)
	r.mu.Unlock()
	errs := r.install(records)

	r.mu.Lock()
	for name := range r.sampling {
		if _, ok := r.tags[name]; !ok {
			delete(r.sampling, name)
		}
	}
	r.mu.Unlock()
	return errs
}

// Lookup returns the definition for a tag name.
func (r *Registry) Lookup(name string) (*domain.TagDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tags[name]
	return def, ok
}

// ConnectorOf reports which connector owns a tag.
func (r *Registry) ConnectorOf(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.owner[name]
	return conn, ok
}

// TagsFor lists the definitions owned by a connector, in document order.
func (r *Registry) TagsFor(connector string) []*domain.TagDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.TagDefinition, len(r.byConn[connector]))
	copy(out, r.byConn[connector])
	return out
}

// Names lists all tag names in registration order; the session engine uses
// this order for deterministic alias assignment.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len reports the number of loaded tags.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tags)
}

// EffectiveInterval is read by connector poll loops each cycle.
func (r *Registry) EffectiveInterval(name string) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sampling[name]; ok {
		return s.effective
	}
	return r.baseline
}

// BaselineInterval reports the configured interval before any backpressure
// adjustment.
func (r *Registry) BaselineInterval(name string) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sampling[name]; ok {
		return s.baseline
	}
	return r.baseline
}

// ScaleSampling multiplies every effective interval by factor, capped at
// ceiling. Called only by the backpressure controller on engage.
func (r *Registry) ScaleSampling(factor float64, ceiling time.Duration) {
	if factor <= 1 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sampling {
		next := time.Duration(float64(s.effective) * factor)
		if ceiling > 0 && next > ceiling {
			next = ceiling
		}
		s.effective = next
	}
}

// StepTowardBaseline moves every effective interval a fraction of the way
// back to its baseline. Called only by the backpressure controller on
// release; stepping over multiple observation cycles avoids immediately
// re-triggering engagement.
func (r *Registry) StepTowardBaseline(fraction float64) {
	if fraction <= 0 {
		return
	}
	if fraction > 1 {
		fraction = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sampling {
		if s.effective <= s.baseline {
			continue
		}
		delta := time.Duration(float64(s.effective-s.baseline) * fraction)
		if delta <= 0 {
			delta = s.effective - s.baseline
		}
		s.effective -= delta
		if s.effective < s.baseline {
			s.effective = s.baseline
		}
	}
}

// SamplingSnapshot reports effective intervals for the management snapshot.
func (r *Registry) SamplingSnapshot() map[string]time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]time.Duration, len(r.sampling))
	for name, s := range r.sampling {
		out[name] = s.effective
	}
	return out
}
