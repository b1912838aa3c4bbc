package decimalx

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseScientificNotation(t *testing.T) {
	cases := map[string]string{
		"5E-8":  "0.00000005",
		"1e2":   "100.00000000",
		"0E-8":  "0.00000000",
		" 1.5 ": "1.50000000",
	}

	for in, want := range cases {
		got, err := Parse(in)
		if err != nil {
			t.Fatalf("Parse(%q) returned error: %v", in, err)
		}
		if got.StringFixed(Precision) != want {
			t.Errorf("Parse(%q) = %s, want %s", in, got.StringFixed(Precision), want)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", "  ", "not-a-number", "1.2.3"} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q) expected error, got nil", in)
		}
	}
}

func TestMustZeroOnError(t *testing.T) {
	v, ok := MustZeroOnError("garbage")
	if ok {
		t.Fatalf("expected ok=false for garbage input")
	}
	if !v.Equal(decimal.Zero) {
		t.Fatalf("expected zero value, got %s", v)
	}

	v, ok = MustZeroOnError("12.34")
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if !v.Equal(decimal.NewFromFloat(12.34)) {
		t.Fatalf("expected 12.34, got %s", v)
	}
}

func TestParseIdempotent(t *testing.T) {
	first, err := Parse("5E-8")
	if err != nil {
		t.Fatal(err)
	}
	second, err := Parse(String(first))
	if err != nil {
		t.Fatal(err)
	}
	if !first.Equal(second) {
		t.Fatalf("normalization not idempotent: %s != %s", first, second)
	}
}
