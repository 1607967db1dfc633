package inventory

import "testing"

func TestWeightedAverage(t *testing.T) {
	cases := []struct {
		name                      string
		oldQty, oldAvg, qty, cost int64
		want                      int64
	}{
		{"first receipt", 0, 0, 10, 500, 500},
		{"equal blend", 10, 500, 10, 700, 600},
		{"truncates", 3, 100, 1, 105, 101},
		{"cheaper restock pulls down", 5, 1000, 15, 200, 400},
		{"zero incoming cost", 4, 250, 4, 0, 125},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := WeightedAverage(tc.oldQty, tc.oldAvg, tc.qty, tc.cost)
			if got != tc.want {
				t.Fatalf("WeightedAverage(%d,%d,%d,%d) = %d, want %d",
					tc.oldQty, tc.oldAvg, tc.qty, tc.cost, got, tc.want)
			}
		})
	}
}

func TestWeightedAverageEmptyTotal(t *testing.T) {
	// degenerate input: no stock either side falls back to the incoming cost
	if got := WeightedAverage(0, 0, 0, 750); got != 750 {
		t.Fatalf("expected incoming cost, got %d", got)
	}
}
