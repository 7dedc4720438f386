package predicate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/marcus-qen/adjutant/internal/controlplane/schedules"
)

// patternCharset limits matches patterns to a glob-safe alphabet before
// any regex conversion happens.
var patternCharset = regexp.MustCompile(`^[\w\s.*?\[\]\-]+$`)

func validPattern(pattern string) bool {
	return patternCharset.MatchString(pattern)
}

// compare applies one operator to the observed value. An empty code means
// the comparison was well-typed and matched reports the outcome.
func compare(operator string, observed any, expected *string) (matched bool, code, msg string) {
	switch operator {
	case schedules.OpExists:
		return exists(observed), "", ""
	case schedules.OpEq, schedules.OpNeq:
		equal, code, msg := looseEqual(observed, *expected)
		if code != "" {
			return false, code, msg
		}
		if operator == schedules.OpNeq {
			return !equal, "", ""
		}
		return equal, "", ""
	case schedules.OpGt, schedules.OpGte, schedules.OpLt, schedules.OpLte:
		return ordered(operator, observed, *expected)
	case schedules.OpMatches:
		re, err := globToRegexp(*expected)
		if err != nil {
			return false, CodeInvalidPredicate, err.Error()
		}
		return re.MatchString(stringify(observed)), "", ""
	}
	return false, CodeOperatorNotSupported, fmt.Sprintf("operator %q is not supported", operator)
}

// exists treats nil and blank strings as absent; numbers and booleans,
// including 0 and false, exist.
func exists(observed any) bool {
	if observed == nil {
		return false
	}
	if s, ok := observed.(string); ok {
		return strings.TrimSpace(s) != ""
	}
	return true
}

// looseEqual coerces the expected string to the runtime type of the
// observed value before comparing.
func looseEqual(observed any, expected string) (bool, string, string) {
	switch o := observed.(type) {
	case nil:
		return false, "", ""
	case bool:
		want, ok := parseBool(expected)
		if !ok {
			return false, CodeValueTypeMismatch, fmt.Sprintf("cannot compare boolean with %q", expected)
		}
		return o == want, "", ""
	default:
		if n, ok := toNumber(observed); ok {
			want, err := strconv.ParseFloat(strings.TrimSpace(expected), 64)
			if err != nil {
				return false, CodeValueTypeMismatch, fmt.Sprintf("cannot compare number with %q", expected)
			}
			return n == want, "", ""
		}
		return stringify(observed) == expected, "", ""
	}
}

// ordered handles gt/gte/lt/lte: number against number, or string
// against string, nothing else. Numeric text on both sides compares
// numerically, so a resolver that stringifies numbers still orders "9"
// below "80".
func ordered(operator string, observed any, expected string) (bool, string, string) {
	if n, ok := toNumber(observed); ok {
		want, err := strconv.ParseFloat(strings.TrimSpace(expected), 64)
		if err != nil {
			return false, CodeValueTypeMismatch, fmt.Sprintf("operator %q needs a numeric value, got %q", operator, expected)
		}
		return orderHolds(operator, cmpFloat(n, want)), "", ""
	}
	if s, ok := observed.(string); ok {
		if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			if want, err := strconv.ParseFloat(strings.TrimSpace(expected), 64); err == nil {
				return orderHolds(operator, cmpFloat(n, want)), "", ""
			}
		}
		return orderHolds(operator, strings.Compare(s, expected)), "", ""
	}
	return false, CodeValueTypeMismatch,
		fmt.Sprintf("operator %q is not defined for %T", operator, observed)
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func orderHolds(operator string, cmp int) bool {
	switch operator {
	case schedules.OpGt:
		return cmp > 0
	case schedules.OpGte:
		return cmp >= 0
	case schedules.OpLt:
		return cmp < 0
	case schedules.OpLte:
		return cmp <= 0
	}
	return false
}

func parseBool(value string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes":
		return true, true
	case "false", "0", "no":
		return false, true
	}
	return false, false
}

func toNumber(observed any) (float64, bool) {
	switch o := observed.(type) {
	case int:
		return float64(o), true
	case int32:
		return float64(o), true
	case int64:
		return float64(o), true
	case float32:
		return float64(o), true
	case float64:
		return o, true
	case json.Number:
		n, err := o.Float64()
		return n, err == nil
	}
	return 0, false
}

// globToRegexp converts a validated glob into an anchored regexp:
// * matches any run, ? one character, bracket classes pass through.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	inClass := false
	for _, r := range pattern {
		switch {
		case inClass:
			b.WriteRune(r)
			if r == ']' {
				inClass = false
			}
		case r == '*':
			b.WriteString(".*")
		case r == '?':
			b.WriteString(".")
		case r == '[':
			b.WriteRune(r)
			inClass = true
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("pattern %q is not a valid glob: %w", pattern, err)
	}
	return re, nil
}

func stringify(observed any) string {
	switch o := observed.(type) {
	case nil:
		return ""
	case string:
		return o
	case json.Number:
		return o.String()
	case float64:
		return strconv.FormatFloat(o, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(o)
	}
	return fmt.Sprintf("%v", observed)
}

func stringifyPtr(observed any) *string {
	if observed == nil {
		return nil
	}
	s := stringify(observed)
	return &s
}
