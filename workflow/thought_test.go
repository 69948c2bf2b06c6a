package workflow

import "testing"

func TestThoughtJobName(t *testing.T) {
	cases := []struct {
		catId int
		want  string
	}{
		{0, "think-all-cats"},
		{1, "think-cat-1"},
		{42, "think-cat-42"},
	}
	for _, c := range cases {
		if got := ThoughtJobName(c.catId); got != c.want {
			t.Errorf("ThoughtJobName(%d) = %q, want %q", c.catId, got, c.want)
		}
	}
}
