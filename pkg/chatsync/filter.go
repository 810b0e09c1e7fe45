package chatsync

import (
	"strconv"
	"strings"
)

// QuoteFilterValue renders value as a double-quoted filter literal.
func QuoteFilterValue(value string) string {
	return strconv.Quote(value)
}

// BuildIDFilter builds a batched lookup filter matching any of ids.
//
// The result is a disjunction of per-id equality predicates in input order,
// for example `id = "a" || id = "b"`. An empty input yields an empty filter.
func BuildIDFilter(ids []string) string {
	return BuildEqualityFilter("id", ids)
}

// BuildEqualityFilter builds `field = "v1" || field = "v2" ...`.
func BuildEqualityFilter(field string, values []string) string {
	var builder strings.Builder
	for index, value := range values {
		if index > 0 {
			builder.WriteString(" || ")
		}
		builder.WriteString(field)
		builder.WriteString(" = ")
		builder.WriteString(QuoteFilterValue(value))
	}

	return builder.String()
}
