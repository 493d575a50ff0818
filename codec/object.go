package codec

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"
)

// object is a struct flattened to its JSON members, kept in the order
// encoding/json would write them.
type object []member

type member struct {
	name  string
	value any
}

func (o object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, m := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := marshal(m.name)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		value, err := marshal(m.value)
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// structField is one candidate member found while walking a struct and
// the structs embedded in it.
type structField struct {
	name   string
	tagged bool
	depth  int
	omit   bool
	quoted bool
	value  reflect.Value
}

// normalizeStruct follows the encoding/json field rules: json tags rename
// or drop fields, omitempty and omitzero skip empty ones, and fields of
// embedded structs are promoted unless a shallower field of the same name
// hides them. A struct embedding an unexported struct is handed to
// encoding/json as is, since its promoted fields cannot be read here.
func normalizeStruct(v reflect.Value, path map[visit]struct{}) (any, error) {
	var fields []structField
	if !collectFields(v, 0, &fields) {
		return v.Interface(), nil
	}

	out := make(object, 0, len(fields))
	for _, f := range dominant(fields) {
		if f.omit {
			continue
		}
		value, err := normalize(f.value, path)
		if err != nil {
			return nil, err
		}
		if f.quoted && value != nil {
			text, err := marshal(value)
			if err != nil {
				return nil, err
			}
			value = string(text)
		}
		out = append(out, member{name: f.name, value: value})
	}
	return out, nil
}

func collectFields(v reflect.Value, depth int, out *[]structField) bool {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		tag := sf.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		fv := v.Field(i)

		if sf.Anonymous && name == "" {
			ft := sf.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				if !sf.IsExported() {
					return false
				}
				if fv.Kind() == reflect.Pointer {
					if fv.IsNil() {
						continue
					}
					fv = fv.Elem()
				}
				if !collectFields(fv, depth+1, out) {
					return false
				}
				continue
			}
		}
		if !sf.IsExported() {
			continue
		}

		f := structField{name: name, tagged: name != "", depth: depth, value: fv}
		if !f.tagged {
			f.name = sf.Name
		}
		f.omit = (hasOption(opts, "omitempty") && isEmpty(fv)) || (hasOption(opts, "omitzero") && isZero(fv))
		f.quoted = hasOption(opts, "string") && quotable(fv.Kind())
		*out = append(*out, f)
	}
	return true
}

// dominant drops every field hidden by another of the same name: the
// shallowest wins, a tagged field beats untagged ones at the same depth,
// and an unresolved tie drops them all.
func dominant(fields []structField) []structField {
	byName := make(map[string][]int, len(fields))
	for i, f := range fields {
		byName[f.name] = append(byName[f.name], i)
	}
	out := make([]structField, 0, len(fields))
	for i, f := range fields {
		if winner(fields, byName[f.name]) == i {
			out = append(out, f)
		}
	}
	return out
}

func winner(fields []structField, candidates []int) int {
	if len(candidates) == 1 {
		return candidates[0]
	}
	depth := fields[candidates[0]].depth
	for _, i := range candidates {
		depth = min(depth, fields[i].depth)
	}
	found, tagged := -1, -1
	shallow, shallowTagged := 0, 0
	for _, i := range candidates {
		if fields[i].depth != depth {
			continue
		}
		shallow++
		found = i
		if fields[i].tagged {
			shallowTagged++
			tagged = i
		}
	}
	switch {
	case shallowTagged == 1:
		return tagged
	case shallowTagged == 0 && shallow == 1:
		return found
	}
	return -1
}

func hasOption(opts, want string) bool {
	for opts != "" {
		var opt string
		opt, opts, _ = strings.Cut(opts, ",")
		if opt == want {
			return true
		}
	}
	return false
}

func isEmpty(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.Interface, reflect.Pointer:
		return v.IsZero()
	}
	return false
}

func isZero(v reflect.Value) bool {
	if z, ok := v.Interface().(interface{ IsZero() bool }); ok {
		if v.Kind() == reflect.Pointer && v.IsNil() {
			return true
		}
		return z.IsZero()
	}
	return v.IsZero()
}

func quotable(k reflect.Kind) bool {
	switch k {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
