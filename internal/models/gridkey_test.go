package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestGridKeyStructuralEquality(t *testing.T) {
	// Two producers derive the same cell through different arithmetic
	// paths: the fixed-point keys must still compare equal.
	fromRecord := BetRecord{
		TimeperiodID: 100,
		PriceMinE8:   3900000000,
		PriceMaxE8:   3920000000,
	}.Key()
	fromIntent := TradeIntent{
		TimeperiodID: 100,
		PriceMinUSD:  decimal.NewFromFloat(39.00),
		PriceMaxUSD:  decimal.NewFromFloat(39.20),
	}.Key()

	if fromRecord != fromIntent {
		t.Fatalf("keys differ: %v vs %v", fromRecord, fromIntent)
	}
	if _, ok := map[GridKey]struct{}{fromRecord: {}}[fromIntent]; !ok {
		t.Fatalf("keys not interchangeable as map keys")
	}
}

func TestPriceToE8(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"39.00", 3900000000},
		{"39.2", 3920000000},
		{"0.00000001", 1},
		{"0", 0},
	}
	for _, tc := range cases {
		d, err := decimal.NewFromString(tc.in)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.in, err)
		}
		if got := PriceToE8(d); got != tc.want {
			t.Fatalf("PriceToE8(%s): expected %d, got %d", tc.in, tc.want, got)
		}
	}
}

func TestGridKeyAccessors(t *testing.T) {
	key := GridKey{TimeperiodID: 100, PriceMinE8: 3900000000, PriceMaxE8: 3920000000}
	if got := key.PriceMin().StringFixed(2); got != "39.00" {
		t.Fatalf("PriceMin: got %q", got)
	}
	if got := key.PriceMax().StringFixed(2); got != "39.20" {
		t.Fatalf("PriceMax: got %q", got)
	}
	if key.IsZero() {
		t.Fatalf("populated key reported zero")
	}
	if !(GridKey{}).IsZero() {
		t.Fatalf("zero key not reported zero")
	}
}
