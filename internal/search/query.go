// Package search implements the snippet search query language: whitespace
// separated terms with optional AND / OR / NOT operators and case-insensitive
// substring matching. Terms without an operator are ANDed together.
package search

import "strings"

type clause struct {
	term   string
	negate bool
}

// Query is a parsed search expression: OR-joined groups of AND-joined
// clauses.
type Query struct {
	groups    [][]clause
	operators bool
}

// Parse tokenizes raw into a Query. Operator keywords are recognized
// uppercase only, so a literal "and" still matches as a term. Dangling
// operators are tolerated rather than rejected; search fails open to
// whatever terms remain.
func Parse(raw string) Query {
	tokens := strings.Fields(raw)
	var q Query
	var current []clause
	negateNext := false
	for _, tok := range tokens {
		switch tok {
		case "AND":
			q.operators = true
		case "OR":
			q.operators = true
			if len(current) > 0 {
				q.groups = append(q.groups, current)
				current = nil
			}
		case "NOT":
			q.operators = true
			negateNext = true
		default:
			current = append(current, clause{term: strings.ToLower(tok), negate: negateNext})
			negateNext = false
		}
	}
	if len(current) > 0 {
		q.groups = append(q.groups, current)
	}
	return q
}

// UsesOperators reports whether the raw query contained AND/OR/NOT, which is
// gated behind the advanced-search feature.
func (q Query) UsesOperators() bool { return q.operators }

// IsEmpty reports whether the query carries no matchable terms.
func (q Query) IsEmpty() bool { return len(q.groups) == 0 }

// Match reports whether the given text fields satisfy the query. An empty
// query matches nothing.
func (q Query) Match(fields ...string) bool {
	if q.IsEmpty() {
		return false
	}
	haystack := strings.ToLower(strings.Join(fields, "\n"))
	for _, group := range q.groups {
		if matchGroup(group, haystack) {
			return true
		}
	}
	return false
}

func matchGroup(group []clause, haystack string) bool {
	for _, c := range group {
		found := strings.Contains(haystack, c.term)
		if c.negate == found {
			return false
		}
	}
	return true
}

// Terms returns the positive terms across all groups, for pre-filtering at
// the database before the in-process match.
func (q Query) Terms() []string {
	var terms []string
	for _, group := range q.groups {
		for _, c := range group {
			if !c.negate {
				terms = append(terms, c.term)
			}
		}
	}
	return terms
}
