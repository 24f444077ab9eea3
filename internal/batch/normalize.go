package batch

import (
	"fmt"
	"reflect"
	"strings"
)

// chunkFields are the field or key names that may hold a list of text chunks.
var chunkFields = []string{"Chunks", "Segments", "Transcription"}

// Normalize reduces a model result to plain text. Supported shapes are strings,
// byte slices, values with a Text field or Text/GetText method, maps with a "text"
// key, and lists of any of these (directly or under a chunk field).
func Normalize(result any) (string, error) {
	text, ok := normalize(reflect.ValueOf(result), 0)
	if !ok {
		return "", fmt.Errorf("unsupported model result type %T", result)
	}
	return strings.TrimSpace(text), nil
}

const maxNormalizeDepth = 8

func normalize(v reflect.Value, depth int) (string, bool) {
	if depth > maxNormalizeDepth || !v.IsValid() {
		return "", !v.IsValid()
	}

	if v.CanInterface() {
		switch t := v.Interface().(type) {
		case string:
			return t, true
		case []byte:
			return string(t), true
		case interface{ GetText() string }:
			return t.GetText(), true
		case interface{ Text() string }:
			return t.Text(), true
		}
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return "", true
		}
		return normalize(v.Elem(), depth+1)
	case reflect.String:
		return v.String(), true
	case reflect.Slice, reflect.Array:
		return joinChunks(v, depth)
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return "", false
		}
		if text := lookupMap(v, "text"); text.IsValid() {
			return normalize(text, depth+1)
		}
		for _, name := range chunkFields {
			if chunks := lookupMap(v, strings.ToLower(name)); chunks.IsValid() {
				return normalize(chunks, depth+1)
			}
		}
		return "", false
	case reflect.Struct:
		if field := v.FieldByName("Text"); field.IsValid() && field.CanInterface() {
			return normalize(field, depth+1)
		}
		for _, name := range chunkFields {
			if field := v.FieldByName(name); field.IsValid() && field.CanInterface() {
				return normalize(field, depth+1)
			}
		}
		return "", false
	default:
		return "", false
	}
}

func lookupMap(v reflect.Value, key string) reflect.Value {
	value := v.MapIndex(reflect.ValueOf(key).Convert(v.Type().Key()))
	if !value.IsValid() {
		return reflect.Value{}
	}
	return value
}

func joinChunks(v reflect.Value, depth int) (string, bool) {
	parts := make([]string, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		text, ok := normalize(v.Index(i), depth+1)
		if !ok {
			return "", false
		}
		if text = strings.TrimSpace(text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), true
}
