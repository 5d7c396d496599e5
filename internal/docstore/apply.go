package docstore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

type arrayUnion struct{ elems []any }

type arrayRemove struct{ elems []any }

type deleteField struct{}

// DeleteField removes the field from the document when used as an update value.
var DeleteField any = deleteField{}

// ArrayUnion adds each element to the array field unless already present.
// A missing or non-array field is treated as an empty array.
func ArrayUnion(elems ...any) any {
	return arrayUnion{elems: elems}
}

// ArrayRemove removes every occurrence of each element from the array field.
func ArrayRemove(elems ...any) any {
	return arrayRemove{elems: elems}
}

type writeKind int

const (
	kindSet writeKind = iota
	kindCreate
	kindUpdate
	kindDelete
)

// Write is one mutation of a batch. Build it with SetWrite, CreateWrite,
// UpdateWrite or DeleteWrite.
type Write struct {
	Path          string
	kind          writeKind
	data          map[string]any
	merge         bool
	updates       Updates
	preconditions []Precondition
	err           error
}

// SetWrite replaces the document, or deep-merges into it when merge is true.
func SetWrite(path string, data any, merge bool) Write {
	w := Write{Path: path, kind: kindSet, merge: merge}
	w.data, w.err = normalizeDoc(data)
	return w
}

// CreateWrite creates the document and fails with ErrAlreadyExists if it exists.
func CreateWrite(path string, data any) Write {
	w := Write{Path: path, kind: kindCreate}
	w.data, w.err = normalizeDoc(data)
	return w
}

// UpdateWrite changes the listed fields and fails with ErrNotFound if the
// document is missing.
func UpdateWrite(path string, updates Updates) Write {
	w := Write{Path: path, kind: kindUpdate, updates: make(Updates, len(updates))}
	for field, v := range updates {
		if field == "" {
			w.err = fmt.Errorf("%w: empty field path", ErrInvalidPath)
			return w
		}
		nv, err := normalize(v)
		if err != nil {
			w.err = fmt.Errorf("failed to encode field %s: %w", field, err)
			return w
		}
		w.updates[field] = nv
	}
	return w
}

// DeleteWrite removes the document. Deleting a missing document is a no-op.
func DeleteWrite(path string) Write {
	return Write{Path: path, kind: kindDelete}
}

// With attaches preconditions checked against the current document state.
func (w Write) With(preconditions ...Precondition) Write {
	w.preconditions = append(append([]Precondition(nil), w.preconditions...), preconditions...)
	return w
}

type preconditionKind int

const (
	mustExist preconditionKind = iota
	mustNotExist
	mustEqual
)

// Precondition guards a write.
type Precondition struct {
	kind  preconditionKind
	field string
	value any
}

// Exists requires the document to exist.
func Exists() Precondition {
	return Precondition{kind: mustExist}
}

// NotExists requires the document to be absent.
func NotExists() Precondition {
	return Precondition{kind: mustNotExist}
}

// FieldEquals requires the field to hold value. A missing field equals nil.
func FieldEquals(field string, value any) Precondition {
	nv, err := normalize(value)
	if err != nil {
		nv = value
	}
	return Precondition{kind: mustEqual, field: field, value: nv}
}

func (p Precondition) check(path string, current map[string]any, exists bool) error {
	switch p.kind {
	case mustExist:
		if !exists {
			return fmt.Errorf("%s: %w", path, ErrNotFound)
		}
	case mustNotExist:
		if exists {
			return fmt.Errorf("%s: %w", path, ErrAlreadyExists)
		}
	case mustEqual:
		if !exists {
			return fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		got, _ := getField(current, p.field)
		if !reflect.DeepEqual(got, p.value) {
			return fmt.Errorf("%s: %s changed: %w", path, p.field, ErrPreconditionFailed)
		}
	}
	return nil
}

// apply computes the document state after w. current is never mutated.
func (w Write) apply(current map[string]any, exists bool) (map[string]any, bool, error) {
	if w.err != nil {
		return nil, false, w.err
	}
	for _, p := range w.preconditions {
		if err := p.check(w.Path, current, exists); err != nil {
			return nil, false, err
		}
	}

	switch w.kind {
	case kindCreate:
		if exists {
			return nil, false, fmt.Errorf("%s: %w", w.Path, ErrAlreadyExists)
		}
		return cloneMap(w.data), true, nil
	case kindSet:
		if w.merge && exists {
			next := cloneMap(current)
			mergeInto(next, w.data)
			return next, true, nil
		}
		return cloneMap(w.data), true, nil
	case kindUpdate:
		if !exists {
			return nil, false, fmt.Errorf("%s: %w", w.Path, ErrNotFound)
		}
		next := cloneMap(current)
		for field, v := range w.updates {
			applyField(next, field, v)
		}
		return next, true, nil
	case kindDelete:
		return nil, false, nil
	}
	return nil, false, fmt.Errorf("unknown write kind %d", w.kind)
}

func applyField(doc map[string]any, field string, v any) {
	switch t := v.(type) {
	case deleteField:
		deleteFieldPath(doc, field)
	case arrayUnion:
		cur, _ := getField(doc, field)
		arr, _ := cur.([]any)
		next := append([]any{}, arr...)
		for _, e := range t.elems {
			if !containsValue(next, e) {
				next = append(next, e)
			}
		}
		setField(doc, field, next)
	case arrayRemove:
		cur, _ := getField(doc, field)
		arr, _ := cur.([]any)
		next := make([]any, 0, len(arr))
		for _, e := range arr {
			if !containsValue(t.elems, e) {
				next = append(next, e)
			}
		}
		setField(doc, field, next)
	default:
		setField(doc, field, v)
	}
}

func getField(doc map[string]any, field string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setField(doc map[string]any, field string, v any) {
	parts := strings.Split(field, ".")
	m := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[part] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = v
}

func deleteFieldPath(doc map[string]any, field string) {
	parts := strings.Split(field, ".")
	m := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			return
		}
		m = next
	}
	delete(m, parts[len(parts)-1])
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				mergeInto(dm, sm)
				continue
			}
		}
		dst[k] = cloneValue(v)
	}
}

func containsValue(arr []any, v any) bool {
	for _, e := range arr {
		if reflect.DeepEqual(e, v) {
			return true
		}
	}
	return false
}

// normalize converts v to the JSON data model (map[string]any, []any,
// float64, string, bool, nil) so every backend compares the same values.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case deleteField:
		return t, nil
	case arrayUnion:
		elems, err := normalizeSlice(t.elems)
		return arrayUnion{elems: elems}, err
	case arrayRemove:
		elems, err := normalizeSlice(t.elems)
		return arrayRemove{elems: elems}, err
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

func normalizeSlice(in []any) ([]any, error) {
	out := make([]any, len(in))
	for i, e := range in {
		nv, err := normalize(e)
		if err != nil {
			return nil, err
		}
		out[i] = nv
	}
	return out, nil
}

func normalizeDoc(data any) (map[string]any, error) {
	nv, err := normalize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	m, ok := nv.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("document data must be an object, got %T", data)
	}
	return m, nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
