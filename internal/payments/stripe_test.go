package payments

import (
	"errors"
	"math"
	"testing"
)

func TestMinorUnits(t *testing.T) {
	cases := []struct {
		in   float64
		want int64
	}{
		{301.15, 30115},
		{40, 4000},
		{0.01, 1},
		{19.999, 2000},
	}
	for _, tc := range cases {
		got, err := MinorUnits(tc.in)
		if err != nil || got != tc.want {
			t.Errorf("MinorUnits(%v) = %d, %v; want %d", tc.in, got, err, tc.want)
		}
	}
	for _, bad := range []float64{0, -5, math.NaN(), math.Inf(1)} {
		if _, err := MinorUnits(bad); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("MinorUnits(%v): expected ErrInvalidAmount, got %v", bad, err)
		}
	}
}
