package query

import "testing"

func TestPageSize_Clamps(t *testing.T) {
	cases := []struct {
		in, want int
	}{
		{0, maxPageSize},
		{-1, maxPageSize},
		{10, 10},
		{maxPageSize, maxPageSize},
		{maxPageSize + 1, maxPageSize},
	}
	for _, tc := range cases {
		if got := pageSize(tc.in); got != tc.want {
			t.Errorf("pageSize(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
