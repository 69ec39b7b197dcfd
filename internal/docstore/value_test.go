package docstore

import (
	"strings"
	"testing"
	"time"
)

func TestAsTimeAcceptsHistoricalShapes(t *testing.T) {
	want := time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)

	cases := []struct {
		name  string
		value any
	}{
		{"time", want},
		{"stored layout", FormatTime(want)},
		{"rfc3339", want.Format(time.RFC3339)},
		{"epoch seconds", float64(want.Unix())},
		{"epoch millis", float64(want.UnixMilli())},
		{"seconds object", map[string]any{"_seconds": float64(want.Unix()), "_nanoseconds": float64(0)}},
	}
	for _, tc := range cases {
		got, ok := AsTime(tc.value)
		if !ok {
			t.Fatalf("%s: expected a timestamp", tc.name)
		}
		if !got.Equal(want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, want, got)
		}
	}

	for _, bad := range []any{nil, "", "yesterday", true, float64(0), map[string]any{"x": 1}} {
		if _, ok := AsTime(bad); ok {
			t.Fatalf("expected %v to be rejected", bad)
		}
	}
}

func TestFormatTimeOrdersLexically(t *testing.T) {
	early := FormatTime(time.Date(2025, 1, 2, 3, 4, 5, 6000, time.UTC))
	late := FormatTime(time.Date(2025, 1, 2, 3, 4, 5, 7000, time.UTC))
	if !(early < late) {
		t.Fatalf("expected %q < %q", early, late)
	}
}

func TestSplitWriteSeparatesSentinels(t *testing.T) {
	plain, timestamps, deletes := splitWrite(map[string]any{
		"a":  1,
		"ts": ServerTimestamp,
		"rm": DeleteField,
		"m":  map[string]any{"x": 1},
	})
	if len(plain) != 2 || len(timestamps) != 1 || timestamps[0] != "ts" || len(deletes) != 1 || deletes[0] != "rm" {
		t.Fatalf("unexpected split: plain=%v ts=%v del=%v", plain, timestamps, deletes)
	}
}

func TestBuildQueryUsesJSONPaths(t *testing.T) {
	q := Query{Collection: "deals", OrderBy: []Order{{Field: "updatedAt", Desc: true}}, Limit: 5}.
		Where("companyId", OpEqual, "c1").
		Where("associations.salespeople", OpArrayContainsID, "u2")

	sql, args, err := buildQuery(tenantA, q)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for _, fragment := range []string{
		"data #> $3::text[] = $4::jsonb",
		"jsonb_build_object('id', $6::jsonb)",
		"ORDER BY data #> $7::text[] DESC, id ASC",
		"LIMIT $8",
	} {
		if !strings.Contains(sql, fragment) {
			t.Fatalf("expected %q in %s", fragment, sql)
		}
	}
	if len(args) != 8 {
		t.Fatalf("expected 8 args, got %d", len(args))
	}
	if args[3] != `"c1"` {
		t.Fatalf("expected JSON-encoded filter value, got %v", args[3])
	}
}
