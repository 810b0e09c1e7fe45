package memory

import (
	"errors"
	"testing"

	"chatsync/pkg/chatsync"
)

func TestParseFilter(t *testing.T) {
	t.Parallel()

	record := chatsync.Record{
		"id":      "c1",
		"name":    "Weekend Plans",
		"members": []any{"u1", "u2"},
		"owner":   map[string]any{"id": "u1"},
		"size":    2.0,
	}

	tests := []struct {
		name       string
		expression string
		want       bool
	}{
		{name: "empty matches", expression: "", want: true},
		{name: "equality", expression: `id = "c1"`, want: true},
		{name: "equality miss", expression: `id = "c2"`, want: false},
		{name: "disjunction", expression: `id = "c2" || id = "c1"`, want: true},
		{name: "conjunction binds tighter", expression: `id = "c1" || id = "c2" && name = "x"`, want: true},
		{name: "parentheses", expression: `(id = "c1" || id = "c2") && name = "x"`, want: false},
		{name: "not equal", expression: `name != "Other"`, want: true},
		{name: "contains ignores case", expression: `name ~ "weekend"`, want: true},
		{name: "any of list", expression: `members ?= "u2"`, want: true},
		{name: "any of list miss", expression: `members ?= "u3"`, want: false},
		{name: "nested field", expression: `owner.id = 'u1'`, want: true},
		{name: "number compared as text", expression: `size = "2"`, want: true},
		{name: "escaped quote", expression: `name = "Weekend \"Plans\""`, want: false},
		{name: "built id filter", expression: chatsync.BuildIDFilter([]string{"u9", "c1"}), want: true},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			match, err := parseFilter(testCase.expression)
			if err != nil {
				t.Fatalf("parse %q: %v", testCase.expression, err)
			}
			if got := match(record); got != testCase.want {
				t.Fatalf("match(%q) = %v, want %v", testCase.expression, got, testCase.want)
			}
		})
	}
}

func TestParseFilterRejectsMalformed(t *testing.T) {
	t.Parallel()

	for _, expression := range []string{
		`id =`,
		`id "c1"`,
		`id = "c1" ||`,
		`(id = "c1"`,
		`id = "c1")`,
		`id = "unterminated`,
		`id # "c1"`,
	} {
		if _, err := parseFilter(expression); !errors.Is(err, ErrInvalidFilter) {
			t.Fatalf("parse %q error = %v, want ErrInvalidFilter", expression, err)
		}
	}
}
