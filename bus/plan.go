package bus

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nexabus/nexabus/errors"
)

// Replay plans are trees submitted by subscribers and clients:
//
//	Node = Get{params} | Unary{op, child, params} | Binary{op, left, right, params}
//
// Unary ops: limit, sort, filter, where_eq, where_in, where_contains,
// where_regex. Binary ops: merge, intersection, difference. Evaluation is
// bottom-up; binary ops deduplicate by index id (or seq) and return results
// sorted by seq descending.

const (
	maxRegexPattern = 128
	maxRegexValue   = 1024
	regexBudget     = 20 * time.Millisecond
)

// Node is one replay-plan node. Exactly one of the kind-specific field sets
// is consulted, selected by Kind.
type Node struct {
	Kind   string         `json:"kind"` // "get", "unary", "binary"
	Op     string         `json:"op,omitempty"`
	Params map[string]any `json:"params,omitempty"`
	Child  *Node          `json:"child,omitempty"`
	Left   *Node          `json:"left,omitempty"`
	Right  *Node          `json:"right,omitempty"`
}

// Evaluate runs the plan against a store.
func Evaluate(s *Store, n *Node) ([]Event, error) {
	if n == nil {
		return nil, errors.NewValidation("replay plan is empty")
	}
	switch n.Kind {
	case "get":
		return evalGet(s, n.Params), nil
	case "unary":
		in, err := Evaluate(s, n.Child)
		if err != nil {
			return nil, err
		}
		return evalUnary(n.Op, in, n.Params)
	case "binary":
		left, err := Evaluate(s, n.Left)
		if err != nil {
			return nil, err
		}
		right, err := Evaluate(s, n.Right)
		if err != nil {
			return nil, err
		}
		return evalBinary(n.Op, left, right)
	default:
		return nil, errors.NewValidation("unknown plan node kind: " + n.Kind)
	}
}

func evalGet(s *Store, params map[string]any) []Event {
	return s.Query(QueryParams{
		Topic:       stringField(params, "topic"),
		PluginID:    stringField(params, "plugin_id"),
		Source:      stringField(params, "source"),
		Kind:        stringField(params, "kind"),
		Type:        stringField(params, "type"),
		PriorityMin: intField(params, "priority_min"),
		SinceTS:     floatField(params, "since_ts"),
		UntilTS:     floatField(params, "until_ts"),
		Limit:       intField(params, "limit"),
	})
}

func evalUnary(op string, in []Event, params map[string]any) ([]Event, error) {
	switch op {
	case "limit":
		n := intField(params, "n")
		if n <= 0 {
			n = intField(params, "limit")
		}
		if n > 0 && len(in) > n {
			in = in[:n]
		}
		return in, nil
	case "sort":
		out := append([]Event(nil), in...)
		asc := stringField(params, "order") == "asc"
		sort.Slice(out, func(i, j int) bool {
			if asc {
				return out[i].Seq < out[j].Seq
			}
			return out[i].Seq > out[j].Seq
		})
		return out, nil
	case "filter":
		return evalFilter(in, params)
	case "where_eq":
		field, want := stringField(params, "field"), params["value"]
		return selectEvents(in, func(ev Event) bool {
			return indexField(ev.Index, field) == toComparable(want)
		}), nil
	case "where_in":
		field := stringField(params, "field")
		values, _ := params["values"].([]any)
		set := make(map[string]struct{}, len(values))
		for _, v := range values {
			set[toComparable(v)] = struct{}{}
		}
		return selectEvents(in, func(ev Event) bool {
			_, ok := set[indexField(ev.Index, field)]
			return ok
		}), nil
	case "where_contains":
		field, sub := stringField(params, "field"), stringField(params, "value")
		return selectEvents(in, func(ev Event) bool {
			return sub != "" && containsFold(indexField(ev.Index, field), sub)
		}), nil
	case "where_regex":
		return evalWhereRegex(in, params)
	default:
		return nil, errors.NewValidation("unknown unary plan op: " + op)
	}
}

// evalFilter applies the structured predicate plus optional regex
// predicates. An invalid regex rejects the whole set under strict mode and
// is a no-op otherwise; this asymmetry is part of the plan contract.
func evalFilter(in []Event, params map[string]any) ([]Event, error) {
	strict := boolField(params, "strict")

	p := QueryParams{
		PluginID:    stringField(params, "plugin_id"),
		Source:      stringField(params, "source"),
		Kind:        stringField(params, "kind"),
		Type:        stringField(params, "type"),
		PriorityMin: intField(params, "priority_min"),
		SinceTS:     floatField(params, "since_ts"),
		UntilTS:     floatField(params, "until_ts"),
	}
	out := selectEvents(in, func(ev Event) bool { return matchIndex(ev.Index, p) })

	regexFields := map[string]func(Event) string{
		"plugin_id_re": func(ev Event) string { return ev.Index.PluginID },
		"source_re":    func(ev Event) string { return ev.Index.Source },
		"kind_re":      func(ev Event) string { return ev.Index.Kind },
		"type_re":      func(ev Event) string { return ev.Index.Type },
		"content_re":   func(ev Event) string { return stringField(ev.Payload, "content") },
	}
	for key, get := range regexFields {
		pattern := stringField(params, key)
		if pattern == "" {
			continue
		}
		re, err := compileGuarded(pattern)
		if err != nil {
			if strict {
				return nil, nil
			}
			continue
		}
		out = selectEvents(out, func(ev Event) bool { return matchGuarded(re, get(ev)) })
	}
	return out, nil
}

func evalWhereRegex(in []Event, params map[string]any) ([]Event, error) {
	field := stringField(params, "field")
	pattern := stringField(params, "pattern")
	strict := boolField(params, "strict")

	re, err := compileGuarded(pattern)
	if err != nil {
		if strict {
			return nil, nil
		}
		return in, nil
	}
	return selectEvents(in, func(ev Event) bool {
		return matchGuarded(re, indexField(ev.Index, field))
	}), nil
}

func evalBinary(op string, left, right []Event) ([]Event, error) {
	key := func(ev Event) string {
		if ev.Index.ID != "" {
			return "id:" + ev.Index.ID
		}
		return "seq:" + strconv.FormatUint(ev.Seq, 10)
	}

	var out []Event
	switch op {
	case "merge":
		seen := make(map[string]struct{}, len(left)+len(right))
		for _, ev := range append(append([]Event(nil), left...), right...) {
			k := key(ev)
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, ev)
		}
	case "intersection":
		rightKeys := make(map[string]struct{}, len(right))
		for _, ev := range right {
			rightKeys[key(ev)] = struct{}{}
		}
		seen := make(map[string]struct{}, len(left))
		for _, ev := range left {
			k := key(ev)
			if _, ok := rightKeys[k]; !ok {
				continue
			}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, ev)
		}
	case "difference":
		rightKeys := make(map[string]struct{}, len(right))
		for _, ev := range right {
			rightKeys[key(ev)] = struct{}{}
		}
		seen := make(map[string]struct{}, len(left))
		for _, ev := range left {
			k := key(ev)
			if _, excluded := rightKeys[k]; excluded {
				continue
			}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, ev)
		}
	default:
		return nil, errors.NewValidation("unknown binary plan op: " + op)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	return out, nil
}

// compileGuarded enforces the pattern-length bound before compiling.
func compileGuarded(pattern string) (*regexp.Regexp, error) {
	if pattern == "" || len(pattern) > maxRegexPattern {
		return nil, errors.NewValidation("regex pattern rejected")
	}
	return regexp.Compile(pattern)
}

// matchGuarded bounds the value length and the evaluation budget. Go's
// regexp runs in linear time, so the budget check is a cheap guard on
// pathological value sizes rather than backtracking.
func matchGuarded(re *regexp.Regexp, value string) bool {
	if len(value) > maxRegexValue {
		value = value[:maxRegexValue]
	}
	done := time.Now().Add(regexBudget)
	ok := re.MatchString(value)
	if time.Now().After(done) {
		return false
	}
	return ok
}

func selectEvents(in []Event, keep func(Event) bool) []Event {
	out := make([]Event, 0, len(in))
	for _, ev := range in {
		if keep(ev) {
			out = append(out, ev)
		}
	}
	return out
}

func indexField(idx Index, field string) string {
	switch field {
	case "id":
		return idx.ID
	case "plugin_id":
		return idx.PluginID
	case "source":
		return idx.Source
	case "kind":
		return idx.Kind
	case "type":
		return idx.Type
	}
	return ""
}

func toComparable(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
