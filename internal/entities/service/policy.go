package service

import (
	_ "embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed fields.yaml
var defaultPolicyYAML []byte

// Policy lists the updatable collections, the fields that count as a
// meaningful change in each, and the fields no update may touch.
type Policy struct {
	Collections map[string][]string `yaml:"collections"`
	Protected   []string            `yaml:"protected"`

	// PhoneFields are normalized to E.164 before comparison and write.
	PhoneFields []string `yaml:"phoneFields"`
	PhoneRegion string   `yaml:"phoneRegion"`

	meaningful map[string]map[string]struct{}
	protected  map[string]struct{}
	phones     map[string]struct{}
}

// DefaultPolicy parses the embedded policy.
func DefaultPolicy() (*Policy, error) {
	return ParsePolicy(defaultPolicyYAML)
}

// ParsePolicy decodes a YAML policy.
func ParsePolicy(raw []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse field policy: %w", err)
	}
	if len(p.Collections) == 0 {
		return nil, fmt.Errorf("field policy lists no collections")
	}
	p.index()
	return &p, nil
}

// Protect adds fields that no update may touch.
func (p *Policy) Protect(fields ...string) {
	p.Protected = append(p.Protected, fields...)
	p.index()
}

func (p *Policy) index() {
	p.meaningful = make(map[string]map[string]struct{}, len(p.Collections))
	for collection, fields := range p.Collections {
		set := make(map[string]struct{}, len(fields))
		for _, f := range fields {
			set[f] = struct{}{}
		}
		p.meaningful[collection] = set
	}
	p.protected = make(map[string]struct{}, len(p.Protected))
	for _, f := range p.Protected {
		p.protected[f] = struct{}{}
	}
	p.phones = make(map[string]struct{}, len(p.PhoneFields))
	for _, f := range p.PhoneFields {
		p.phones[f] = struct{}{}
	}
}

// IsPhone reports whether field holds a phone number.
func (p *Policy) IsPhone(field string) bool {
	_, ok := p.phones[field]
	return ok
}

// Updatable reports whether collection accepts direct updates.
func (p *Policy) Updatable(collection string) bool {
	_, ok := p.meaningful[collection]
	return ok
}

// Meaningful reports whether field is compared when deciding relevance.
func (p *Policy) Meaningful(collection, field string) bool {
	_, ok := p.meaningful[collection][field]
	return ok
}

// ProtectedFields returns the protected fields present in updates, sorted.
func (p *Policy) ProtectedFields(updates map[string]any) []string {
	var hits []string
	for field := range updates {
		if _, ok := p.protected[field]; ok {
			hits = append(hits, field)
		}
	}
	sort.Strings(hits)
	return hits
}
