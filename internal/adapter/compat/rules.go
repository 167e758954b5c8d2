// Package compat holds the static compatibility scans run against captured statements.
package compat

import (
	"fmt"
	"strings"

	regexp "github.com/wasilibs/go-re2"
)

// UnsupportedFunctions are functions removed or changed in the target dialect.
var UnsupportedFunctions = []string{
	"load_file", "udf", "geometrycollectome", "geomcollfromtext",
	"linestringfromtext", "polygonfromtext", "pointfromtex", "json_append",
	"encode", "decode", "encrypt", "des_encrypt", "des_decrypt", "glength",
}

// ReservedKeywords became reserved in the target dialect and must be back-quoted when
// used as identifiers.
var ReservedKeywords = []string{
	"cume_dist", "dense_rank", "empty", "except", "first_value",
	"grouping", "groups", "json_table", "lag", "last_value",
	"lateral", "lead", "nth_value", "ntile", "of", "over",
	"percent_rank", "rank", "recursive", "row_number", "system", "window",
}

// Rules scans statements for denylisted functions and keywords.
type Rules struct {
	functions *regexp.Regexp
	keywords  *regexp.Regexp
}

// NewRules compiles the scans for the given denylists.
func NewRules(functions, keywords []string) (*Rules, error) {
	fn, err := regexp.Compile(`(?i)\b(` + alternation(functions) + `)\s*\(`)
	if err != nil {
		return nil, fmt.Errorf("failed to compile function denylist: %w", err)
	}
	kw, err := regexp.Compile(`(?i)\b(` + alternation(keywords) + `)\b`)
	if err != nil {
		return nil, fmt.Errorf("failed to compile keyword denylist: %w", err)
	}
	return &Rules{functions: fn, keywords: kw}, nil
}

// DefaultRules returns the rules for the built-in denylists.
func DefaultRules() *Rules {
	r, err := NewRules(UnsupportedFunctions, ReservedKeywords)
	if err != nil {
		panic(err)
	}
	return r
}

func alternation(words []string) string {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	return strings.Join(quoted, "|")
}

// UnsupportedFunctions returns the denylisted function names called by the statement, in
// order of appearance and as written.
func (r *Rules) UnsupportedFunctions(statement string) []string {
	var found []string
	for _, loc := range r.functions.FindAllStringIndex(statement, -1) {
		name := strings.TrimRight(statement[loc[0]:loc[1]], "( \t\r\n")
		found = append(found, name)
	}
	return found
}

// ReservedKeywords returns the denylisted keywords used unquoted by the statement. A
// match directly preceded or followed by a back-quote is treated as a quoted identifier.
func (r *Rules) ReservedKeywords(statement string) []string {
	var found []string
	for _, loc := range r.keywords.FindAllStringIndex(statement, -1) {
		if loc[0] > 0 && statement[loc[0]-1] == '`' {
			continue
		}
		if loc[1] < len(statement) && statement[loc[1]] == '`' {
			continue
		}
		found = append(found, statement[loc[0]:loc[1]])
	}
	return found
}

// Findings runs both scans and returns one message fragment per scan that matched.
func (r *Rules) Findings(statement string) []string {
	var out []string
	if fns := r.UnsupportedFunctions(statement); len(fns) > 0 {
		out = append(out, fmt.Sprintf("Query contains unsupported functions: %s; ", strings.Join(fns, ", ")))
	}
	if kws := r.ReservedKeywords(statement); len(kws) > 0 {
		out = append(out, fmt.Sprintf("Query contains 8.0 keywords without ``: %s; ", strings.Join(kws, ", ")))
	}
	return out
}
