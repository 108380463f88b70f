package program

import (
	"regexp"
	"strconv"
)

// Variables is the integer variable table every Program carries. The only
// step that reads it is log, whose text goes through Resolve; every other
// step ignores it.
type Variables map[string]int

var substitutionPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Resolve substitutes every ${name} occurrence in s with the decimal value
// of the matching variable. A name with no entry in the table is left
// untouched, so that forward references to variables no step has populated
// yet don't turn into silent zeroes.
func (v Variables) Resolve(s string) string {
	return substitutionPattern.ReplaceAllStringFunc(s, func(token string) string {
		name := token[2 : len(token)-1]
		if val, ok := v[name]; ok {
			return strconv.Itoa(val)
		}
		return token
	})
}
