package service

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"crm_activity_backend/internal/docstore"
)

// RefKind tags the historical shape a reference field was stored in.
type RefKind int

const (
	RefAbsent     RefKind = iota
	RefID                 // "u1"
	RefIDList             // ["u1", "u2"]
	RefObject             // {"id": "u1", ...}
	RefObjectList         // [{"id": "u1"}, ...]
)

func (k RefKind) String() string {
	switch k {
	case RefID:
		return "id"
	case RefIDList:
		return "id_list"
	case RefObject:
		return "object"
	case RefObjectList:
		return "object_list"
	default:
		return "absent"
	}
}

// Reference is a parsed reference field.
type Reference struct {
	Kind RefKind
	IDs  []string
}

// ParseReference classifies raw into one of the known shapes. Empty ids are
// skipped. A value of any other shape is an error.
func ParseReference(raw any) (Reference, error) {
	switch v := raw.(type) {
	case nil:
		return Reference{Kind: RefAbsent}, nil
	case string:
		if id := strings.TrimSpace(v); id != "" {
			return Reference{Kind: RefID, IDs: []string{id}}, nil
		}
		return Reference{Kind: RefAbsent}, nil
	case map[string]any:
		id, err := objectID(v)
		if err != nil {
			return Reference{}, err
		}
		if id == "" {
			return Reference{Kind: RefAbsent}, nil
		}
		return Reference{Kind: RefObject, IDs: []string{id}}, nil
	case []string:
		items := make([]any, len(v))
		for i, s := range v {
			items[i] = s
		}
		return parseList(items)
	case []any:
		return parseList(v)
	}
	return Reference{}, fmt.Errorf("unsupported reference shape %T", raw)
}

func parseList(items []any) (Reference, error) {
	ref := Reference{Kind: RefAbsent}
	for _, item := range items {
		var (
			id   string
			kind RefKind
		)
		switch v := item.(type) {
		case string:
			id, kind = strings.TrimSpace(v), RefIDList
		case map[string]any:
			var err error
			if id, err = objectID(v); err != nil {
				return Reference{}, err
			}
			kind = RefObjectList
		default:
			return Reference{}, fmt.Errorf("unsupported list element %T", item)
		}
		if ref.Kind != RefAbsent && ref.Kind != kind {
			return Reference{}, fmt.Errorf("mixed list of %s and %s", ref.Kind, kind)
		}
		ref.Kind = kind
		if id != "" {
			ref.IDs = append(ref.IDs, id)
		}
	}
	if len(ref.IDs) == 0 {
		return Reference{Kind: RefAbsent}, nil
	}
	return ref, nil
}

func objectID(obj map[string]any) (string, error) {
	raw, ok := obj["id"]
	if !ok || raw == nil {
		return "", nil
	}
	id, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("object id has type %T", raw)
	}
	return strings.TrimSpace(id), nil
}

// SourceRecord is a source document reduced to what aggregation needs.
type SourceRecord struct {
	Collection string
	ID         string
	Users      []string
	// ActivityAt is zero when the document carries no usable timestamp.
	ActivityAt time.Time
	// Targets maps target collection to referenced ids.
	Targets map[string][]string
}

// FieldError records a reference field that could not be parsed.
type FieldError struct {
	Collection string
	DocID      string
	Field      string
	Err        error
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s/%s field %s: %v", e.Collection, e.DocID, e.Field, e.Err)
}

// NormalizeRecord extracts users, targets and activity time from a source
// document. Fields that fail to parse contribute nothing and are reported.
func NormalizeRecord(def SourceDef, id string, data map[string]any) (SourceRecord, []FieldError) {
	rec := SourceRecord{Collection: def.Collection, ID: id, Targets: make(map[string][]string)}
	var errs []FieldError

	extract := func(field string) []string {
		raw, _ := docstore.Lookup(data, field)
		ref, err := ParseReference(raw)
		if err != nil {
			errs = append(errs, FieldError{Collection: def.Collection, DocID: id, Field: field, Err: err})
			return nil
		}
		return ref.IDs
	}

	users := make(map[string]struct{})
	for _, field := range def.Users {
		for _, uid := range extract(field) {
			users[uid] = struct{}{}
		}
	}
	rec.Users = sortedKeys(users)

	for target, links := range def.Links {
		ids := make(map[string]struct{})
		for _, link := range links {
			for _, tid := range extract(link.Field) {
				ids[tid] = struct{}{}
			}
		}
		if len(ids) > 0 {
			rec.Targets[target] = sortedKeys(ids)
		}
	}

	for _, field := range def.TimestampFields {
		raw, ok := docstore.Lookup(data, field)
		if !ok {
			continue
		}
		if ts, ok := docstore.AsTime(raw); ok {
			rec.ActivityAt = ts
			break
		}
	}
	return rec, errs
}

// linkedIDs returns the ids data references through any of links.
func linkedIDs(data map[string]any, links []Link) ([]string, []error) {
	ids := make(map[string]struct{})
	var errs []error
	for _, link := range links {
		raw, _ := docstore.Lookup(data, link.Field)
		ref, err := ParseReference(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("field %s: %w", link.Field, err))
			continue
		}
		for _, id := range ref.IDs {
			ids[id] = struct{}{}
		}
	}
	return sortedKeys(ids), errs
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
