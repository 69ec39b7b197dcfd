package phone

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		input  string
		region string
		want   string
		valid  bool
	}{
		{"+1 650-253-0000", "NL", "+16502530000", true},
		{"(650) 253-0000", "us", "+16502530000", true},
		{"  ", "US", "", false},
		{"not a number", "US", "not a number", false},
	}
	for _, tt := range tests {
		got, valid := Normalize(tt.input, tt.region)
		if got != tt.want || valid != tt.valid {
			t.Fatalf("Normalize(%q, %q) = %q, %v; want %q, %v", tt.input, tt.region, got, valid, tt.want, tt.valid)
		}
	}
}
