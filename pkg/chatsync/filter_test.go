package chatsync

import "testing"

func TestBuildIDFilter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ids  []string
		want string
	}{
		{name: "empty", ids: nil, want: ""},
		{name: "single", ids: []string{"u2"}, want: `id = "u2"`},
		{name: "disjunction in order", ids: []string{"u3", "u2"}, want: `id = "u3" || id = "u2"`},
		{name: "quotes escaped", ids: []string{`a"b`}, want: `id = "a\"b"`},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			if got := BuildIDFilter(testCase.ids); got != testCase.want {
				t.Fatalf("filter = %q, want %q", got, testCase.want)
			}
		})
	}
}
