package nav

import (
	"math"
	"testing"
)

func TestDirectionLabelCardinals(t *testing.T) {
	cases := map[float64]string{
		0:   "front",
		90:  "right",
		180: "back",
		270: "left",
	}
	for delta, want := range cases {
		if got := DirectionLabel(delta); got != want {
			t.Errorf("DirectionLabel(%v) = %q, want %q", delta, got, want)
		}
	}
}

func TestDirectionLabelOpenRanges(t *testing.T) {
	cases := []struct {
		delta float64
		want  string
	}{
		{15, "front-right 15°"},
		{89, "front-right 89°"},
		{91, "right-back 1°"},
		{135, "right-back 45°"},
		{181, "left-back 89°"},
		{225, "left-back 45°"},
		{269.5, "left-back 1°"},
		{271, "front-left 89°"},
		{315, "front-left 45°"},
		{359.6, "front-left 0°"},
	}
	for _, tc := range cases {
		if got := DirectionLabel(tc.delta); got != tc.want {
			t.Errorf("DirectionLabel(%v) = %q, want %q", tc.delta, got, tc.want)
		}
	}
}

func TestRelativeAngleWraps(t *testing.T) {
	cases := []struct {
		link, agent, want float64
	}{
		{90, 0, 90},
		{0, 90, 270},
		{10, 350, 20},
		{350, 10, 340},
		{180, 180, 0},
	}
	for _, tc := range cases {
		if got := RelativeAngle(tc.link, tc.agent); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("RelativeAngle(%v, %v) = %v, want %v", tc.link, tc.agent, got, tc.want)
		}
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// Empire State Building to Times Square, roughly 1.1 km.
	d := Haversine(40.7484, -73.9857, 40.7580, -73.9855)
	if d < 1000 || d > 1200 {
		t.Errorf("Haversine() = %v m, want roughly 1.1 km", d)
	}

	if d := Haversine(10, 20, 10, 20); d != 0 {
		t.Errorf("Haversine(same point) = %v, want 0", d)
	}
}
