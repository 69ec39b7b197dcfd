package service

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"

	"crm_activity_backend/internal/docstore"

	"gopkg.in/yaml.v3"
)

//go:embed sources.yaml
var defaultLayoutYAML []byte

// Link is one field through which a document references a target.
type Link struct {
	Field string      `yaml:"field"`
	Op    docstore.Op `yaml:"op"`
}

// Members declares documents whose own sources also count towards a target.
type Members struct {
	Collection string `yaml:"collection"`
	Links      []Link `yaml:"links"`
}

// TargetDef describes a collection that carries the aggregate field.
type TargetDef struct {
	Members *Members `yaml:"members"`
}

// SourceDef describes a collection scanned for user activity.
type SourceDef struct {
	Collection      string            `yaml:"collection"`
	TimestampFields []string          `yaml:"timestampFields"`
	Links           map[string][]Link `yaml:"links"`
	Users           []string          `yaml:"users"`
}

// Layout is the full source/target configuration.
type Layout struct {
	AggregateField string `yaml:"aggregateField"`
	Users          struct {
		Collection string `yaml:"collection"`
	} `yaml:"users"`
	Targets map[string]TargetDef `yaml:"targets"`
	Sources []SourceDef          `yaml:"sources"`
}

// DefaultLayout parses the embedded layout.
func DefaultLayout() (*Layout, error) {
	return ParseLayout(defaultLayoutYAML)
}

// ParseLayout decodes and validates a YAML layout.
func ParseLayout(raw []byte) (*Layout, error) {
	var layout Layout
	if err := yaml.Unmarshal(raw, &layout); err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}
	if err := layout.validate(); err != nil {
		return nil, err
	}
	return &layout, nil
}

// UpdatedAtField is where the aggregate's write time is stored.
func (l *Layout) UpdatedAtField() string { return l.AggregateField + "UpdatedAt" }

// StaleAtField marks targets whose recompute was skipped by sampling.
func (l *Layout) StaleAtField() string { return l.AggregateField + "StaleAt" }

// TargetCollections returns target collection names in sorted order.
func (l *Layout) TargetCollections() []string {
	names := make([]string, 0, len(l.Targets))
	for name := range l.Targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Source returns the definition for a source collection.
func (l *Layout) Source(collection string) (SourceDef, bool) {
	for _, src := range l.Sources {
		if src.Collection == collection {
			return src, true
		}
	}
	return SourceDef{}, false
}

// IsTarget reports whether collection carries the aggregate.
func (l *Layout) IsTarget(collection string) bool {
	_, ok := l.Targets[collection]
	return ok
}

// parentOf returns the target whose members live in collection.
func (l *Layout) parentOf(collection string) (string, *Members) {
	for _, name := range l.TargetCollections() {
		if m := l.Targets[name].Members; m != nil && m.Collection == collection {
			return name, m
		}
	}
	return "", nil
}

// validate enforces the shape that keeps fan-out acyclic: sources only point
// at targets, and a member edge never points back at its own collection or at
// a target that itself has members.
func (l *Layout) validate() error {
	if l.AggregateField == "" {
		return errors.New("layout: aggregateField is required")
	}
	if l.Users.Collection == "" {
		return errors.New("layout: users.collection is required")
	}
	if len(l.Targets) == 0 {
		return errors.New("layout: at least one target is required")
	}

	seen := make(map[string]bool)
	for _, src := range l.Sources {
		if src.Collection == "" {
			return errors.New("layout: source without collection")
		}
		if seen[src.Collection] {
			return fmt.Errorf("layout: duplicate source %q", src.Collection)
		}
		seen[src.Collection] = true
		if l.IsTarget(src.Collection) {
			return fmt.Errorf("layout: %q cannot be both source and target", src.Collection)
		}
		if len(src.Users) == 0 {
			return fmt.Errorf("layout: source %q lists no user fields", src.Collection)
		}
		for target, links := range src.Links {
			if !l.IsTarget(target) {
				return fmt.Errorf("layout: source %q links to unknown target %q", src.Collection, target)
			}
			if err := validateLinks(links); err != nil {
				return fmt.Errorf("layout: source %q: %w", src.Collection, err)
			}
		}
	}

	for name, def := range l.Targets {
		if def.Members == nil {
			continue
		}
		m := def.Members
		if m.Collection == name {
			return fmt.Errorf("layout: target %q lists itself as members", name)
		}
		if memberDef, ok := l.Targets[m.Collection]; ok && memberDef.Members != nil {
			return fmt.Errorf("layout: member collection %q of %q has members itself", m.Collection, name)
		}
		if seen[m.Collection] {
			return fmt.Errorf("layout: member collection %q is also a source", m.Collection)
		}
		if err := validateLinks(m.Links); err != nil {
			return fmt.Errorf("layout: members of %q: %w", name, err)
		}
	}
	return nil
}

func validateLinks(links []Link) error {
	if len(links) == 0 {
		return errors.New("no links")
	}
	for _, link := range links {
		switch link.Op {
		case docstore.OpEqual, docstore.OpArrayContains, docstore.OpArrayContainsID:
		default:
			return fmt.Errorf("field %q: unsupported link op %q", link.Field, link.Op)
		}
	}
	return nil
}
