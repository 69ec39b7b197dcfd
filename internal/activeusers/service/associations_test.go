package service

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestParseReferenceShapes(t *testing.T) {
	cases := []struct {
		name    string
		raw     any
		kind    RefKind
		ids     []string
		wantErr bool
	}{
		{name: "nil", raw: nil, kind: RefAbsent},
		{name: "blank id", raw: "  ", kind: RefAbsent},
		{name: "id", raw: " u1 ", kind: RefID, ids: []string{"u1"}},
		{name: "id list", raw: []any{"u1", "", "u2"}, kind: RefIDList, ids: []string{"u1", "u2"}},
		{name: "typed id list", raw: []string{"u1"}, kind: RefIDList, ids: []string{"u1"}},
		{name: "object", raw: map[string]any{"id": "u1", "name": "Ann"}, kind: RefObject, ids: []string{"u1"}},
		{name: "object without id", raw: map[string]any{"name": "Ann"}, kind: RefAbsent},
		{name: "object list", raw: []any{map[string]any{"id": "u1"}, map[string]any{"id": "u2"}}, kind: RefObjectList, ids: []string{"u1", "u2"}},
		{name: "empty list", raw: []any{}, kind: RefAbsent},
		{name: "mixed list", raw: []any{"u1", map[string]any{"id": "u2"}}, wantErr: true},
		{name: "number", raw: float64(7), wantErr: true},
		{name: "numeric object id", raw: map[string]any{"id": float64(7)}, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ref, err := ParseReference(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", ref)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ref.Kind != tc.kind {
				t.Fatalf("expected kind %s, got %s", tc.kind, ref.Kind)
			}
			if !reflect.DeepEqual(ref.IDs, tc.ids) {
				t.Fatalf("expected ids %v, got %v", tc.ids, ref.IDs)
			}
		})
	}
}

func TestNormalizeRecordUnionsFieldsAndReportsBadOnes(t *testing.T) {
	layout, err := DefaultLayout()
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	def, _ := layout.Source("deals")

	rec, errs := NormalizeRecord(def, "d1", map[string]any{
		"salespersonId":  "u1",
		"salespersonIds": []any{"u1", "u2"},
		"ownerId":        float64(12),
		"companyId":      "c1",
		"contactIds":     []any{"k1"},
		"updatedAt":      "2026-01-02T03:04:05.000000Z",
	})

	if !reflect.DeepEqual(rec.Users, []string{"u1", "u2"}) {
		t.Fatalf("expected users [u1 u2], got %v", rec.Users)
	}
	if len(errs) != 1 || errs[0].Field != "ownerId" {
		t.Fatalf("expected one error for ownerId, got %v", errs)
	}
	if !reflect.DeepEqual(rec.Targets["companies"], []string{"c1"}) || !reflect.DeepEqual(rec.Targets["contacts"], []string{"k1"}) {
		t.Fatalf("unexpected targets %v", rec.Targets)
	}
	if !rec.ActivityAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Fatalf("unexpected activity time %v", rec.ActivityAt)
	}
}

func TestBuildSnapshotNeverCarriesEmptyFields(t *testing.T) {
	cases := []struct {
		name        string
		data        map[string]any
		displayName string
	}{
		{"explicit", map[string]any{"displayName": " <b>Ann</b>  Lee ", "firstName": "X"}, "Ann Lee"},
		{"first last", map[string]any{"firstName": "Ann", "lastName": ""}, "Ann"},
		{"email", map[string]any{"email": "Ann.Lee@Example.com", "jobTitle": nil, "department": "   "}, "ann.lee"},
		{"nothing", map[string]any{"photoURL": 3}, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			snap := BuildSnapshot("u1", tc.data)
			snap.LastActiveAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			if snap.DisplayName != tc.displayName {
				t.Fatalf("expected display name %q, got %q", tc.displayName, snap.DisplayName)
			}

			fields := snap.Fields()
			for k, v := range fields {
				if v == nil || v == "" {
					t.Fatalf("field %s is empty: %v", k, v)
				}
			}
			if _, ok := fields["displayName"]; ok != (tc.displayName != "") {
				t.Fatalf("displayName presence mismatch: %v", fields)
			}

			raw, err := json.Marshal(snap)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if strings.Contains(string(raw), "null") || strings.Contains(string(raw), `""`) {
				t.Fatalf("serialized snapshot has empty values: %s", raw)
			}
		})
	}
}

func TestParseLayoutRejectsCycles(t *testing.T) {
	cases := map[string]string{
		"source is target": `
aggregateField: a
users: {collection: users}
targets: {companies: {}}
sources:
  - collection: companies
    links: {companies: [{field: parentId, op: "=="}]}
    users: [ownerId]
`,
		"self members": `
aggregateField: a
users: {collection: users}
targets:
  companies:
    members: {collection: companies, links: [{field: parentId, op: "=="}]}
sources: []
`,
		"bad op": `
aggregateField: a
users: {collection: users}
targets: {companies: {}}
sources:
  - collection: deals
    links: {companies: [{field: companyId, op: ">"}]}
    users: [ownerId]
`,
	}
	for name, raw := range cases {
		if _, err := ParseLayout([]byte(raw)); err == nil {
			t.Fatalf("%s: expected layout to be rejected", name)
		}
	}

	if _, err := DefaultLayout(); err != nil {
		t.Fatalf("default layout: %v", err)
	}
}
