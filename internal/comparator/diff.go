package comparator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/wI2L/jsondiff"
)

// numericTolerance is the absolute tolerance under which two values of
// different JSON types that both coerce to numbers are considered equal.
var numericTolerance = decimal.RequireFromString("0.01")

// maxExponent bounds the decimal exponent accepted when coercing a value to a
// number. Values outside it are never numerically equivalent to anything.
const maxExponent = 64

// Diff computes the structural difference between reference and candidate.
// Sequences are compared as multisets: elements are paired regardless of
// position or sequence length and only unpaired elements are reported, as
// item_removed or item_added. Type changes between numerically equivalent
// values are moved to Suppressed.
func Diff(reference, candidate any) (Difference, error) {
	ref, err := normalize(reference)
	if err != nil {
		return Difference{}, fmt.Errorf("normalize reference: %w", err)
	}
	cand, err := normalize(candidate)
	if err != nil {
		return Difference{}, fmt.Errorf("normalize candidate: %w", err)
	}

	a := &aligner{sequences: map[string]bool{}}
	ref, cand = a.align("", ref, cand)

	patch, err := jsondiff.Compare(ref, cand)
	if err != nil {
		return Difference{}, fmt.Errorf("compare documents: %w", err)
	}

	diff := Difference{Entries: []DiffEntry{}}
	for _, op := range patch {
		entry, ok := a.classify(ref, op)
		if !ok {
			continue
		}
		if entry.Kind == KindTypeChange && numericallyEquivalent(entry.Reference, entry.Candidate) {
			diff.Suppressed = append(diff.Suppressed, entry)
			continue
		}
		diff.Entries = append(diff.Entries, entry)
	}
	return diff, nil
}

// aligner rewrites every pair of sequences found at the same path into
// objects keyed by reference index, so that the patch only describes
// elements without a counterpart. Candidate elements left over are keyed
// after the last reference index.
type aligner struct {
	sequences map[string]bool
}

func (a *aligner) align(path string, ref, cand any) (any, any) {
	switch r := ref.(type) {
	case map[string]any:
		c, ok := cand.(map[string]any)
		if !ok {
			return ref, cand
		}
		outRef := make(map[string]any, len(r))
		outCand := make(map[string]any, len(c))
		for k, v := range r {
			outRef[k] = v
		}
		for k, v := range c {
			rv, shared := r[k]
			if !shared {
				outCand[k] = v
				continue
			}
			outRef[k], outCand[k] = a.align(path+"/"+escapeToken(k), rv, v)
		}
		return outRef, outCand
	case []any:
		c, ok := cand.([]any)
		if !ok {
			return ref, cand
		}
		a.sequences[path] = true
		return a.alignSequence(path, r, c)
	default:
		return ref, cand
	}
}

func (a *aligner) alignSequence(path string, ref, cand []any) (any, any) {
	match, leftover := pairElements(ref, cand)

	outRef := make(map[string]any, len(ref))
	outCand := make(map[string]any, len(cand))
	for i, v := range ref {
		key := strconv.Itoa(i)
		if match[i] < 0 {
			outRef[key] = v
			continue
		}
		outRef[key], outCand[key] = a.align(path+"/"+key, v, cand[match[i]])
	}
	for n, j := range leftover {
		outCand[strconv.Itoa(len(ref)+n)] = cand[j]
	}
	return outRef, outCand
}

// pairElements matches candidate elements to reference elements. Identical
// elements pair first, then numerically equivalent scalars, then elements of
// the same JSON type, then whatever remains, each in positional order. It
// returns the candidate index for each reference element (-1 when unpaired)
// and the unpaired candidate indexes.
func pairElements(ref, cand []any) ([]int, []int) {
	refKeys := make([]string, len(ref))
	for i, v := range ref {
		refKeys[i] = canonical(v)
	}
	candKeys := make([]string, len(cand))
	for j, v := range cand {
		candKeys[j] = canonical(v)
	}

	passes := []func(i, j int) bool{
		func(i, j int) bool { return refKeys[i] == candKeys[j] },
		func(i, j int) bool {
			return isScalar(ref[i]) && isScalar(cand[j]) && numericallyEquivalent(ref[i], cand[j])
		},
		func(i, j int) bool { return jsonType(ref[i]) == jsonType(cand[j]) },
		func(int, int) bool { return true },
	}

	match := make([]int, len(ref))
	for i := range match {
		match[i] = -1
	}
	used := make([]bool, len(cand))
	for _, pairs := range passes {
		for i := range ref {
			if match[i] >= 0 {
				continue
			}
			for j := range cand {
				if !used[j] && pairs(i, j) {
					match[i] = j
					used[j] = true
					break
				}
			}
		}
	}

	var leftover []int
	for j, taken := range used {
		if !taken {
			leftover = append(leftover, j)
		}
	}
	return match, leftover
}

// canonical renders v with object keys sorted and sequence elements sorted,
// so that two values differing only in element order render the same.
func canonical(v any) string {
	switch n := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(n))
		for k := range n {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(k))
			b.WriteByte(':')
			b.WriteString(canonical(n[k]))
		}
		b.WriteByte('}')
		return b.String()
	case []any:
		parts := make([]string, len(n))
		for i, e := range n {
			parts[i] = canonical(e)
		}
		sort.Strings(parts)
		return "[" + strings.Join(parts, ",") + "]"
	default:
		raw, err := json.Marshal(n)
		if err != nil {
			return fmt.Sprintf("%v", n)
		}
		return string(raw)
	}
}

func (a *aligner) classify(ref any, op jsondiff.Operation) (DiffEntry, bool) {
	path := string(op.Path)
	switch op.Type {
	case jsondiff.OperationAdd:
		if path == "" {
			return changed(path, ref, op.Value), true
		}
		kind := KindAdded
		if a.inSequence(path) {
			kind = KindItemAdded
		}
		return DiffEntry{Kind: kind, Path: path, Candidate: op.Value}, true
	case jsondiff.OperationRemove:
		old, _ := lookup(ref, path)
		kind := KindRemoved
		if a.inSequence(path) {
			kind = KindItemRemoved
		}
		return DiffEntry{Kind: kind, Path: path, Reference: old}, true
	case jsondiff.OperationReplace:
		old, _ := lookup(ref, path)
		return changed(path, old, op.Value), true
	default:
		return DiffEntry{}, false
	}
}

func (a *aligner) inSequence(path string) bool {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return false
	}
	return a.sequences[path[:idx]]
}

func changed(path string, old, value any) DiffEntry {
	kind := KindValueChange
	if jsonType(old) != jsonType(value) {
		kind = KindTypeChange
	}
	return DiffEntry{Kind: kind, Path: path, Reference: old, Candidate: value}
}

func escapeToken(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "~", "~0"), "/", "~1")
}

// normalize round-trips v through encoding/json so that both documents use
// the same dynamic types (float64, string, bool, nil, []any, map[string]any).
func normalize(v any) (any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// lookup resolves a JSON pointer against a normalized document.
func lookup(doc any, pointer string) (any, bool) {
	if pointer == "" {
		return doc, true
	}
	cur := doc
	for _, token := range strings.Split(strings.TrimPrefix(pointer, "/"), "/") {
		token = strings.ReplaceAll(strings.ReplaceAll(token, "~1", "/"), "~0", "~")
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[token]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(token)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64, float32, int, int64, json.Number:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func isScalar(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return false
	default:
		return true
	}
}

func numericallyEquivalent(a, b any) bool {
	da, ok := toDecimal(a)
	if !ok {
		return false
	}
	db, ok := toDecimal(b)
	if !ok {
		return false
	}
	return da.Sub(db).Abs().LessThan(numericTolerance)
}

func toDecimal(v any) (decimal.Decimal, bool) {
	var (
		d   decimal.Decimal
		err error
	)
	switch n := v.(type) {
	case float64:
		d = decimal.NewFromFloat(n)
	case json.Number:
		d, err = decimal.NewFromString(n.String())
	case string:
		d, err = decimal.NewFromString(strings.TrimSpace(n))
	default:
		return decimal.Decimal{}, false
	}
	if err != nil {
		return decimal.Decimal{}, false
	}
	if exp := d.Exponent(); exp > maxExponent || exp < -maxExponent {
		return decimal.Decimal{}, false
	}
	return d, true
}
