// Package jsonpath implements dotted-path access over a dynamic JSON tree.
// Payload rewriting in the translators is path-addressed rather than
// DTO-based, so this package provides the create-on-set and array-growth
// semantics that raw gjson/sjson byte editing does not cover for trees that
// are already unmarshalled.
package jsonpath

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Parse unmarshals raw JSON into a dynamic tree of map[string]any,
// []any and primitives.
func Parse(data []byte) (any, error) {
	var root any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	return root, nil
}

// Stringify marshals a dynamic tree back into compact JSON.
func Stringify(root any) ([]byte, error) {
	return json.Marshal(root)
}

// DeepClone copies a dynamic tree. Maps and slices are duplicated,
// primitives are shared.
func DeepClone(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, v := range typed {
			out[k] = DeepClone(v)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = DeepClone(typed[i])
		}
		return out
	default:
		return value
	}
}

// Get resolves a dotted path against the tree. Numeric segments address
// array indices. A path miss yields (nil, false).
func Get(root any, path string) (any, bool) {
	if path == "" {
		return root, root != nil
	}
	current := root
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(node) {
				return nil, false
			}
			current = node[index]
		default:
			return nil, false
		}
	}
	return current, true
}

// Exists reports whether the path resolves to any value, including null.
func Exists(root any, path string) bool {
	_, ok := Get(root, path)
	return ok
}

// GetString returns the string at path. Type mismatch yields absent.
func GetString(root any, path string) (string, bool) {
	value, ok := Get(root, path)
	if !ok {
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}

// GetBool returns the bool at path. Type mismatch yields absent.
func GetBool(root any, path string) (bool, bool) {
	value, ok := Get(root, path)
	if !ok {
		return false, false
	}
	b, ok := value.(bool)
	return b, ok
}

// GetFloat returns the number at path. Type mismatch yields absent.
func GetFloat(root any, path string) (float64, bool) {
	value, ok := Get(root, path)
	if !ok {
		return 0, false
	}
	f, ok := value.(float64)
	return f, ok
}

// GetInt returns the number at path truncated to int.
func GetInt(root any, path string) (int, bool) {
	f, ok := GetFloat(root, path)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// GetInt64 returns the number at path truncated to int64.
func GetInt64(root any, path string) (int64, bool) {
	f, ok := GetFloat(root, path)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// GetArray returns the array at path. Type mismatch yields absent.
func GetArray(root any, path string) ([]any, bool) {
	value, ok := Get(root, path)
	if !ok {
		return nil, false
	}
	arr, ok := value.([]any)
	return arr, ok
}

// GetMap returns the object at path. Type mismatch yields absent.
func GetMap(root any, path string) (map[string]any, bool) {
	value, ok := Get(root, path)
	if !ok {
		return nil, false
	}
	m, ok := value.(map[string]any)
	return m, ok
}

// Set writes value at the dotted path, creating intermediate objects as
// needed. A segment of "-1" appends to the addressed array; a numeric
// segment beyond the array length grows the array with nulls up to the
// index. The possibly replaced root is returned.
func Set(root any, path string, value any) any {
	if path == "" {
		return value
	}
	segments := strings.Split(path, ".")
	return setSegments(root, segments, value)
}

func setSegments(node any, segments []string, value any) any {
	segment := segments[0]
	last := len(segments) == 1

	if index, err := strconv.Atoi(segment); err == nil {
		arr, _ := node.([]any)
		if index == -1 {
			index = len(arr)
		}
		for len(arr) <= index {
			arr = append(arr, nil)
		}
		if last {
			arr[index] = value
		} else {
			arr[index] = setSegments(childFor(arr[index], segments[1]), segments[1:], value)
		}
		return arr
	}

	obj, ok := node.(map[string]any)
	if !ok {
		obj = make(map[string]any)
	}
	if last {
		obj[segment] = value
	} else {
		obj[segment] = setSegments(childFor(obj[segment], segments[1]), segments[1:], value)
	}
	return obj
}

// childFor picks the container to descend into, creating one matching the
// next segment kind when the existing value is unusable.
func childFor(existing any, nextSegment string) any {
	if _, err := strconv.Atoi(nextSegment); err == nil {
		if arr, ok := existing.([]any); ok {
			return arr
		}
		return []any{}
	}
	if obj, ok := existing.(map[string]any); ok {
		return obj
	}
	return map[string]any{}
}

// Delete removes the value at the dotted path. Deleting from an array
// removes the element and shifts the remainder. Missing paths are a no-op.
func Delete(root any, path string) any {
	if path == "" {
		return nil
	}
	segments := strings.Split(path, ".")
	if len(segments) == 1 {
		return deleteChild(root, segments[0])
	}
	parentPath := strings.Join(segments[:len(segments)-1], ".")
	parent, ok := Get(root, parentPath)
	if !ok {
		return root
	}
	updated := deleteChild(parent, segments[len(segments)-1])
	return Set(root, parentPath, updated)
}

func deleteChild(node any, segment string) any {
	switch typed := node.(type) {
	case map[string]any:
		delete(typed, segment)
		return typed
	case []any:
		index, err := strconv.Atoi(segment)
		if err != nil || index < 0 || index >= len(typed) {
			return typed
		}
		return append(typed[:index], typed[index+1:]...)
	default:
		return node
	}
}
