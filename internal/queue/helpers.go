package queue

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// queueBase hash-tags the queue name so every derived key lands on
// one cluster slot and the Lua scripts stay single-slot.
func queueBase(queueName string) string {
	if containsHashTag(queueName) {
		return queueName
	}
	return "{" + queueName + "}"
}

func containsHashTag(s string) bool {
	hasOpen := false
	for _, r := range s {
		if r == '{' {
			hasOpen = true
		}
		if hasOpen && r == '}' {
			return true
		}
	}
	return false
}

func asStr(v any) string {
	if v == nil {
		return ""
	}

	switch t := v.(type) {
	case []byte:
		return string(t)
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func asAnySlice(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	default:
		return nil, false
	}
}

func toInt64(v any) (int64, error) {
	if v == nil {
		return 0, errors.New("nil")
	}
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case float64:
		return int64(t), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(t), 10, 64)
	case []byte:
		return strconv.ParseInt(strings.TrimSpace(string(t)), 10, 64)
	default:
		return 0, errors.New("not a number")
	}
}

func toInt(v any) (int, error) {
	n, err := toInt64(v)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
