package ast

import (
	"fmt"
	"math"
	"sort"

	"github.com/pkg/errors"
)

// Env binds variable ids to runtime values for expression evaluation.
type Env map[VariableID]any

// earthRadius is the mean earth radius in meters used by DISTANCE.
const earthRadius = 6371000.785

// Evaluate computes the value of an expression tree under the given
// bindings. It covers exactly the node kinds the plan rewriter emits;
// anything else is an error, not a panic, since expressions can come in
// over the wire.
func Evaluate(n *Node, env Env) (any, error) {
	switch n.Kind {
	case KindValue:
		return n.Value, nil

	case KindArray:
		out := make([]any, 0, len(n.Members))
		for _, m := range n.Members {
			v, err := Evaluate(m, env)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil

	case KindObject:
		out := make(map[string]any, len(n.Members))
		for _, elem := range n.Members {
			switch elem.Kind {
			case KindObjectElement:
				v, err := Evaluate(elem.Member(0), env)
				if err != nil {
					return nil, err
				}
				out[elem.Name] = v
			case KindCalculatedObjectElement:
				k, err := Evaluate(elem.Member(0), env)
				if err != nil {
					return nil, err
				}
				v, err := Evaluate(elem.Member(1), env)
				if err != nil {
					return nil, err
				}
				out[fmt.Sprintf("%v", k)] = v
			default:
				return nil, errors.Errorf("unexpected %s inside object", elem.Kind)
			}
		}
		return out, nil

	case KindReference:
		v, ok := env[n.Variable.ID]
		if !ok {
			return nil, errors.Errorf("variable %s (%d) not bound", n.Variable.Name, n.Variable.ID)
		}
		return v, nil

	case KindAttributeAccess:
		base, err := Evaluate(n.Member(0), env)
		if err != nil {
			return nil, err
		}
		doc, ok := base.(map[string]any)
		if !ok {
			return nil, nil
		}
		return doc[n.Name], nil

	case KindIndexedAccess:
		base, err := Evaluate(n.Member(0), env)
		if err != nil {
			return nil, err
		}
		idxVal, err := Evaluate(n.Member(1), env)
		if err != nil {
			return nil, err
		}
		arr, ok := base.([]any)
		if !ok {
			return nil, nil
		}
		i := int(toFloat(idxVal))
		if i < 0 || i >= len(arr) {
			return nil, nil
		}
		return arr[i], nil

	case KindBinaryEQ, KindBinaryNE, KindBinaryLT, KindBinaryLE, KindBinaryGT, KindBinaryGE:
		lhs, err := Evaluate(n.Member(0), env)
		if err != nil {
			return nil, err
		}
		rhs, err := Evaluate(n.Member(1), env)
		if err != nil {
			return nil, err
		}
		cmp := CompareValues(lhs, rhs)
		switch n.Kind {
		case KindBinaryEQ:
			return cmp == 0, nil
		case KindBinaryNE:
			return cmp != 0, nil
		case KindBinaryLT:
			return cmp < 0, nil
		case KindBinaryLE:
			return cmp <= 0, nil
		case KindBinaryGT:
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}

	case KindNaryAnd:
		for _, m := range n.Members {
			v, err := Evaluate(m, env)
			if err != nil {
				return nil, err
			}
			if !toBool(v) {
				return false, nil
			}
		}
		return true, nil

	case KindNaryOr:
		for _, m := range n.Members {
			v, err := Evaluate(m, env)
			if err != nil {
				return nil, err
			}
			if toBool(v) {
				return true, nil
			}
		}
		return false, nil

	case KindFunctionCall:
		return evaluateCall(n, env)
	}
	return nil, errors.Errorf("cannot evaluate node of kind %s", n.Kind)
}

func evaluateCall(n *Node, env Env) (any, error) {
	if n.NumMembers() == 0 {
		return nil, errors.Errorf("call to %s carries no argument array", n.Name)
	}
	args, err := Evaluate(n.Member(0), env)
	if err != nil {
		return nil, err
	}
	argv, ok := args.([]any)
	if !ok {
		return nil, errors.Errorf("call to %s has non-array arguments", n.Name)
	}

	switch n.Name {
	case FuncDistance:
		if len(argv) != 4 {
			return nil, errors.Errorf("DISTANCE expects 4 arguments, got %d", len(argv))
		}
		return Distance(toFloat(argv[0]), toFloat(argv[1]), toFloat(argv[2]), toFloat(argv[3])), nil

	case FuncMerge:
		if len(argv) != 2 {
			return nil, errors.Errorf("MERGE expects 2 arguments, got %d", len(argv))
		}
		lhs, _ := argv[0].(map[string]any)
		rhs, _ := argv[1].(map[string]any)
		out := make(map[string]any, len(lhs)+len(rhs))
		for k, v := range lhs {
			out[k] = v
		}
		for k, v := range rhs {
			out[k] = v
		}
		return out, nil
	}
	return nil, errors.Errorf("function %s has no local implementation", n.Name)
}

// Distance returns the haversine distance in meters between two
// (latitude, longitude) pairs given in degrees.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dlat := toRad(lat2 - lat1)
	dlon := toRad(lon2 - lon1)
	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dlon/2)*math.Sin(dlon/2)
	return 2.0 * earthRadius * math.Asin(math.Sqrt(a))
}

// CompareValues imposes a total order over runtime values: null < bool <
// number < string < array < object. It is the single comparison used by
// filters, sorts and the gather merge, so all of them agree on ordering.
func CompareValues(a, b any) int {
	ta, tb := typeOrder(a), typeOrder(b)
	if ta != tb {
		if ta < tb {
			return -1
		}
		return 1
	}
	switch ta {
	case 0: // null
		return 0
	case 1: // bool
		ba, bb := a.(bool), b.(bool)
		if ba == bb {
			return 0
		}
		if !ba {
			return -1
		}
		return 1
	case 2: // number
		fa, fb := toFloat(a), toFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case 3: // string
		sa, sb := a.(string), b.(string)
		switch {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		}
		return 0
	case 4: // array
		aa, ab := a.([]any), b.([]any)
		for i := 0; i < len(aa) && i < len(ab); i++ {
			if c := CompareValues(aa[i], ab[i]); c != 0 {
				return c
			}
		}
		return len(aa) - len(ab)
	default: // object, compared by sorted keys then values
		ma, mb := a.(map[string]any), b.(map[string]any)
		ka, kb := sortedKeys(ma), sortedKeys(mb)
		for i := 0; i < len(ka) && i < len(kb); i++ {
			if ka[i] != kb[i] {
				if ka[i] < kb[i] {
					return -1
				}
				return 1
			}
			if c := CompareValues(ma[ka[i]], mb[kb[i]]); c != 0 {
				return c
			}
		}
		return len(ka) - len(kb)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func typeOrder(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int, int64, float64:
		return 2
	case string:
		return 3
	case []any:
		return 4
	default:
		return 5
	}
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case float64:
		return x
	}
	return 0
}

func toBool(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case int, int64, float64:
		return toFloat(x) != 0
	case string:
		return x != ""
	}
	return true
}
