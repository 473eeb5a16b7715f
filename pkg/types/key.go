package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const keySeparator = '\x1f'

// KeyOf encodes the values of cols in r as a single comparison key. Numeric
// values compare by value, so int64(101) and float64(101) share a key; nil is
// encoded distinctly from the empty string.
func KeyOf(r Record, cols []string) string {
	var sb strings.Builder
	for i, c := range cols {
		if i > 0 {
			sb.WriteByte(keySeparator)
		}
		writeKeyValue(&sb, r[c])
	}
	return sb.String()
}

// HasNullKey reports whether any of cols is null in r.
func HasNullKey(r Record, cols []string) bool {
	for _, c := range cols {
		if r.IsNull(c) {
			return true
		}
	}
	return false
}

func writeKeyValue(sb *strings.Builder, v any) {
	switch x := v.(type) {
	case nil:
		sb.WriteByte(0)
	case string:
		sb.WriteByte('s')
		sb.WriteString(x)
	case int64:
		sb.WriteByte('n')
		sb.WriteString(strconv.FormatInt(x, 10))
	case int:
		sb.WriteByte('n')
		sb.WriteString(strconv.Itoa(x))
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			sb.WriteByte('n')
			sb.WriteString(strconv.FormatInt(int64(x), 10))
			return
		}
		sb.WriteByte('f')
		sb.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
	case bool:
		sb.WriteByte('b')
		sb.WriteString(strconv.FormatBool(x))
	default:
		sb.WriteByte('?')
		sb.WriteString(fmt.Sprint(x))
	}
}
