package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Key is the hex SHA-256 digest of a call's canonical argument string.
type Key string

// String returns the key as stored on disk and in remote backends.
func (k Key) String() string { return string(k) }

// KeyArgs lets an argument type choose its own positional and keyword parts
// instead of the reflective defaults used by KeyFromArgs.
type KeyArgs interface {
	KeyArgs() (positional []any, keyword map[string]any)
}

// EncodeKey builds the key for one invocation of the operation named by
// identity. Keyword arguments are sorted by name, so call-site ordering never
// changes the key.
//
// Canonical forms:
//
//	nil, nil pointer, nil interface   null
//	string                            Go-quoted
//	bool                              true | false
//	integers                          base 10
//	floats                            shortest 'g' form
//	time.Time                         UTC RFC 3339 with nanoseconds
//	time.Duration                     Duration.String()
//	[]byte                            0x-prefixed hex
//	fmt.Stringer                      Go-quoted String()
//	slices, arrays                    [a,b,...] in order
//	maps                              {k=v,...} sorted by canonical key
//	structs                           Name{Field=v,...} exported fields by name
//	pointers                          form of the pointee
//	funcs, chans, others              Go type name
//	self-reference                    <cycle> for a pointer, map or slice
//	                                  met again inside its own rendering
func EncodeKey(identity string, positional []any, keyword map[string]any) Key {
	parts := make([]string, 0, 1+len(positional)+len(keyword))
	parts = append(parts, identity)
	for _, arg := range positional {
		parts = append(parts, Canonical(arg))
	}

	names := make([]string, 0, len(keyword))
	for name := range keyword {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		parts = append(parts, name+"="+Canonical(keyword[name]))
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return Key(hex.EncodeToString(sum[:]))
}

// KeyFromArgs derives a key from a single Go value standing in for a call's
// argument list. A KeyArgs implementation is used as-is, a struct contributes
// its exported fields as keyword arguments, and any other value is one
// positional argument.
func KeyFromArgs(identity string, args any) Key {
	if ka, ok := args.(KeyArgs); ok {
		positional, keyword := ka.KeyArgs()
		return EncodeKey(identity, positional, keyword)
	}

	v := reflect.ValueOf(args)
	for v.Kind() == reflect.Pointer && !v.IsNil() {
		v = v.Elem()
	}
	if v.Kind() == reflect.Struct && v.Type() != timeType {
		fields := structFields(v)
		keyword := make(map[string]any, len(fields))
		for name, field := range fields {
			keyword[name] = field.Interface()
		}
		return EncodeKey(identity, nil, keyword)
	}
	return EncodeKey(identity, []any{args}, nil)
}

var (
	timeType     = reflect.TypeOf(time.Time{})
	durationType = reflect.TypeOf(time.Duration(0))
	stringerType = reflect.TypeOf((*fmt.Stringer)(nil)).Elem()
)

// Canonical returns the stable string form of v used for key derivation.
func Canonical(v any) string {
	w := canonicalWriter{active: make(map[visit]bool)}
	return w.form(reflect.ValueOf(v))
}

// cycleMarker replaces a pointer, map or slice met again inside itself.
const cycleMarker = "<cycle>"

// visit identifies a reference-like value on the current walk path.
type visit struct {
	ptr uintptr
	typ reflect.Type
	n   int
}

// canonicalWriter tracks the references being rendered so self-referential
// values terminate. A reference shared by siblings is rendered in full each time.
type canonicalWriter struct {
	active map[visit]bool
}

func (w *canonicalWriter) form(v reflect.Value) string {
	var b strings.Builder
	w.write(&b, v)
	return b.String()
}

// enter marks v as being rendered. It reports false when v is already on the
// path; otherwise the returned func must be called once v is done.
func (w *canonicalWriter) enter(v reflect.Value, n int) (func(), bool) {
	key := visit{ptr: v.Pointer(), typ: v.Type(), n: n}
	if w.active[key] {
		return nil, false
	}
	w.active[key] = true
	return func() { delete(w.active, key) }, true
}

func (w *canonicalWriter) write(b *strings.Builder, v reflect.Value) {
	if !v.IsValid() {
		b.WriteString("null")
		return
	}

	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			b.WriteString("null")
			return
		}
		// Stringer pointers such as *regexp.Regexp keep their own form.
		if v.Kind() == reflect.Pointer && v.Type().Implements(stringerType) && !v.Elem().Type().Implements(stringerType) {
			break
		}
		if v.Kind() == reflect.Pointer {
			leave, ok := w.enter(v, 0)
			if !ok {
				b.WriteString(cycleMarker)
				return
			}
			defer leave()
		}
		v = v.Elem()
	}

	switch v.Type() {
	case timeType:
		b.WriteString(v.Interface().(time.Time).UTC().Format(time.RFC3339Nano))
		return
	case durationType:
		b.WriteString(time.Duration(v.Int()).String())
		return
	}

	if v.Type().Implements(stringerType) && v.CanInterface() {
		b.WriteString(strconv.Quote(v.Interface().(fmt.Stringer).String()))
		return
	}

	switch v.Kind() {
	case reflect.String:
		b.WriteString(strconv.Quote(v.String()))
	case reflect.Bool:
		b.WriteString(strconv.FormatBool(v.Bool()))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		b.WriteString(strconv.FormatInt(v.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		b.WriteString(strconv.FormatUint(v.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		b.WriteString(strconv.FormatFloat(v.Float(), 'g', -1, 64))
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b.WriteString("0x")
			b.WriteString(hex.EncodeToString(v.Bytes()))
			return
		}
		if v.Len() > 0 {
			leave, ok := w.enter(v, v.Len())
			if !ok {
				b.WriteString(cycleMarker)
				return
			}
			defer leave()
		}
		w.writeSequence(b, v)
	case reflect.Array:
		w.writeSequence(b, v)
	case reflect.Map:
		if v.Len() > 0 {
			leave, ok := w.enter(v, 0)
			if !ok {
				b.WriteString(cycleMarker)
				return
			}
			defer leave()
		}
		w.writeMap(b, v)
	case reflect.Struct:
		w.writeStruct(b, v)
	default:
		b.WriteString(v.Type().String())
	}
}

func (w *canonicalWriter) writeSequence(b *strings.Builder, v reflect.Value) {
	b.WriteByte('[')
	for i := 0; i < v.Len(); i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		w.write(b, v.Index(i))
	}
	b.WriteByte(']')
}

func (w *canonicalWriter) writeMap(b *strings.Builder, v reflect.Value) {
	type pair struct{ k, v string }
	pairs := make([]pair, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		pairs = append(pairs, pair{w.form(iter.Key()), w.form(iter.Value())})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].k < pairs[j].k })

	b.WriteByte('{')
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(p.k)
		b.WriteByte('=')
		b.WriteString(p.v)
	}
	b.WriteByte('}')
}

func (w *canonicalWriter) writeStruct(b *strings.Builder, v reflect.Value) {
	fields := structFields(v)
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	b.WriteString(v.Type().Name())
	b.WriteByte('{')
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(name)
		b.WriteByte('=')
		w.write(b, fields[name])
	}
	b.WriteByte('}')
}

// structFields collects the exported fields of a struct value by name.
func structFields(v reflect.Value) map[string]reflect.Value {
	t := v.Type()
	fields := make(map[string]reflect.Value, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		fields[f.Name] = v.Field(i)
	}
	return fields
}
