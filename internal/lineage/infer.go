package lineage

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fmcg/lakehouse/pkg/types"
)

// profileColumn returns the narrowest type every non-empty value of column
// col satisfies, or "" when the column has no values.
func profileColumn(col int, rows [][]string) types.ColumnType {
	isBool, isInt, isFloat, isDate, isTimestamp := true, true, true, true, true
	hasValue := false

	for _, row := range rows {
		value := strings.TrimSpace(row[col])
		if value == "" {
			continue
		}
		hasValue = true

		if !looksLikeBool(value) {
			isBool = false
		}
		if !looksLikeInt(value) {
			isInt = false
		}
		if !looksLikeFloat(value) {
			isFloat = false
		}
		if _, err := time.Parse(types.DateLayout, value); err != nil {
			isDate = false
		}
		if _, err := time.Parse(types.TimestampLayout, value); err != nil {
			isTimestamp = false
		}
	}

	switch {
	case !hasValue:
		return ""
	case isBool:
		return types.TypeBoolean
	case isInt:
		return types.TypeInteger
	case isFloat:
		return types.TypeDouble
	case isDate:
		return types.TypeDate
	case isTimestamp:
		return types.TypeTimestamp
	default:
		return types.TypeString
	}
}

func looksLikeBool(value string) bool {
	v := strings.ToLower(value)
	return v == "true" || v == "false"
}

// looksLikeInt rejects leading zeros so codes like "0042" stay strings.
func looksLikeInt(value string) bool {
	digits := strings.TrimPrefix(strings.TrimPrefix(value, "-"), "+")
	if len(digits) > 1 && digits[0] == '0' {
		return false
	}
	_, err := strconv.ParseInt(value, 10, 64)
	return err == nil
}

func looksLikeFloat(value string) bool {
	digits := strings.TrimPrefix(strings.TrimPrefix(value, "-"), "+")
	if len(digits) > 1 && digits[0] == '0' && digits[1] != '.' {
		return false
	}
	lower := strings.ToLower(value)
	if strings.Contains(lower, "inf") || strings.Contains(lower, "nan") || strings.HasPrefix(lower, "0x") {
		return false
	}
	_, err := strconv.ParseFloat(value, 64)
	return err == nil
}

// unifyType combines the types two batches inferred for one column. Only
// INTEGER and DOUBLE unify (to DOUBLE); "" unifies with anything.
func unifyType(a, b types.ColumnType) (types.ColumnType, bool) {
	switch {
	case a == "":
		return b, true
	case b == "" || a == b:
		return a, true
	case (a == types.TypeInteger && b == types.TypeDouble) || (a == types.TypeDouble && b == types.TypeInteger):
		return types.TypeDouble, true
	default:
		return "", false
	}
}

// convert turns a raw cell into a value of type t. Empty cells become nil;
// STRING cells are returned untouched.
func convert(raw string, t types.ColumnType) (any, error) {
	if t == types.TypeString || t == "" {
		if raw == "" {
			return nil, nil
		}
		return raw, nil
	}
	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}
	switch t {
	case types.TypeBoolean:
		if !looksLikeBool(value) {
			return nil, fmt.Errorf("%q is not a BOOLEAN", value)
		}
		return strings.EqualFold(value, "true"), nil
	case types.TypeInteger:
		if !looksLikeInt(value) {
			return nil, fmt.Errorf("%q is not an INTEGER", value)
		}
		return strconv.ParseInt(value, 10, 64)
	case types.TypeDouble:
		if !looksLikeFloat(value) {
			return nil, fmt.Errorf("%q is not a DOUBLE", value)
		}
		return strconv.ParseFloat(value, 64)
	default:
		return types.Coerce(value, t)
	}
}
