package definition

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Func compiles g into an fsm guard.
func (g Guard) Func() func(args []any) bool {
	return func(args []any) bool {
		if g.Arg >= len(args) {
			return false
		}
		v := args[g.Arg]
		if len(g.OneOf) > 0 && !slices.Contains(g.OneOf, fmt.Sprint(v)) {
			return false
		}
		if g.Min == nil && g.Max == nil {
			return true
		}
		n, ok := numeric(v)
		if !ok {
			return false
		}
		if g.Min != nil && n < *g.Min {
			return false
		}
		if g.Max != nil && n > *g.Max {
			return false
		}
		return true
	}
}

// Label returns the description, or a generated one when it is empty.
func (g Guard) Label() string {
	if g.Description != "" {
		return g.Description
	}
	var parts []string
	if g.Min != nil {
		parts = append(parts, fmt.Sprintf(">= %g", *g.Min))
	}
	if g.Max != nil {
		parts = append(parts, fmt.Sprintf("<= %g", *g.Max))
	}
	if len(g.OneOf) > 0 {
		parts = append(parts, "in "+strings.Join(g.OneOf, "|"))
	}
	return fmt.Sprintf("arg[%d] %s", g.Arg, strings.Join(parts, " and "))
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
