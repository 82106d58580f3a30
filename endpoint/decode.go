package endpoint

import (
	"encoding"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
)

// defaultFieldLimit is the maximum byte length of a decoded value when a field
// has no maxLength tag.
var defaultFieldLimit = 16 * 1024

// Unmarshal populates dst (must be a non-nil pointer to a struct, or to a
// pointer to a struct) from the request.
//
// Supported struct tags, in precedence order:
//   - `path:"name"`: r.PathValue(name)
//   - `query:"name[,base64url|base64]"`: r.URL.Query()
//   - `header:"name"`: r.Header
//
// A tag name of "-" ignores the field. An empty name defaults to the field name
// lowercased. Untagged scalar fields are read from path then query.
// Untagged struct fields are decoded recursively.
//
// Supported field types are string, bool, integers, floats, []byte (with an
// encoding flag), slices of those, pointers to those, and any type
// implementing encoding.TextUnmarshaler.
//
// `maxLength:"n"` limits the byte length of each value; the default is 16KB
// and "0" disables the limit. Longer values yield a 400 error.
func Unmarshal(r *http.Request, dst any) error {
	if r == nil {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: nil request"))
	}
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}

	root := v.Elem()
	if root.Kind() == reflect.Pointer {
		if root.IsNil() {
			root.Set(reflect.New(root.Type().Elem()))
		}
		root = root.Elem()
	}
	if root.Kind() != reflect.Struct {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must point to a struct (or pointer to struct)"))
	}

	src := &requestSource{r: r}
	if r.URL != nil {
		src.query = r.URL.Query()
	}
	return unmarshalStruct(src, root)
}

type requestSource struct {
	r     *http.Request
	query map[string][]string
}

func (s *requestSource) lookup(source, name string) ([]string, bool) {
	switch source {
	case "path":
		v := s.r.PathValue(name)
		return []string{v}, v != ""
	case "query":
		vs, ok := s.query[name]
		return vs, ok && len(vs) > 0
	case "header":
		vs := s.r.Header.Values(name)
		return vs, len(vs) > 0
	}
	return nil, false
}

type sourceTag struct {
	Source   string
	Name     string
	Encoding string
}

var sources = []string{"path", "query", "header"}

func unmarshalStruct(src *requestSource, structVal reflect.Value) error {
	t := structVal.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.PkgPath != "" {
			continue
		}
		fv := structVal.Field(i)
		defaultName := strings.ToLower(sf.Name)

		var tags []sourceTag
		ignored := false
		for _, s := range sources {
			raw, ok := sf.Tag.Lookup(s)
			if !ok {
				continue
			}
			tag := parseSourceTag(s, raw, defaultName)
			if tag.Name == "-" {
				ignored = true
				break
			}
			tags = append(tags, tag)
		}
		if ignored {
			continue
		}

		if len(tags) == 0 {
			if inner, ok := nestedStruct(fv); ok {
				if err := unmarshalStruct(src, inner); err != nil {
					return err
				}
				continue
			}
			tags = []sourceTag{{Source: "path", Name: defaultName}, {Source: "query", Name: defaultName}}
		}

		limit, err := fieldLengthLimit(sf)
		if err != nil {
			return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: field %s: %w", sf.Name, err))
		}

		for _, tag := range tags {
			values, ok := src.lookup(tag.Source, tag.Name)
			if !ok {
				continue
			}
			for _, v := range values {
				if limit > 0 && len(v) > limit {
					return newEndpointError(http.StatusBadRequest, "", fmt.Errorf("%s %q exceeds maximum length of %d bytes", tag.Source, tag.Name, limit))
				}
			}
			if err := setField(fv, values, tag.Encoding); err != nil {
				return newEndpointError(http.StatusBadRequest, "", fmt.Errorf("%s %q: %w", tag.Source, tag.Name, err))
			}
			break
		}
	}
	return nil
}

func parseSourceTag(source, raw, defaultName string) sourceTag {
	parts := strings.Split(raw, ",")
	tag := sourceTag{Source: source, Name: strings.TrimSpace(parts[0])}
	if tag.Name == "" {
		tag.Name = defaultName
	}
	for _, p := range parts[1:] {
		if p = strings.TrimSpace(p); p != "" {
			tag.Encoding = p
		}
	}
	return tag
}

func fieldLengthLimit(sf reflect.StructField) (int, error) {
	raw, ok := sf.Tag.Lookup("maxLength")
	if !ok {
		return defaultFieldLimit, nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("maxLength: %w", err)
	}
	if n < 0 {
		return 0, errors.New("maxLength must be non-negative")
	}
	return n, nil
}

var textUnmarshalerType = reflect.TypeFor[encoding.TextUnmarshaler]()

// nestedStruct returns the struct a field should be decoded into
// recursively, allocating nil pointers.
func nestedStruct(fv reflect.Value) (reflect.Value, bool) {
	if implementsText(fv.Type()) {
		return reflect.Value{}, false
	}
	switch {
	case fv.Kind() == reflect.Struct:
		return fv, true
	case fv.Kind() == reflect.Pointer && fv.Type().Elem().Kind() == reflect.Struct:
		if fv.IsNil() {
			fv.Set(reflect.New(fv.Type().Elem()))
		}
		return fv.Elem(), true
	}
	return reflect.Value{}, false
}

func implementsText(t reflect.Type) bool {
	return t.Implements(textUnmarshalerType) || reflect.PointerTo(t).Implements(textUnmarshalerType)
}

func setField(fv reflect.Value, values []string, enc string) error {
	t := fv.Type()
	isBytes := t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8
	if t.Kind() == reflect.Slice && !isBytes && !implementsText(t) {
		out := reflect.MakeSlice(t, len(values), len(values))
		for i, v := range values {
			if err := setScalar(out.Index(i), v, enc); err != nil {
				return err
			}
		}
		fv.Set(out)
		return nil
	}
	return setScalar(fv, values[0], enc)
}

func setScalar(fv reflect.Value, s string, enc string) error {
	if fv.Kind() == reflect.Pointer {
		if fv.IsNil() {
			fv.Set(reflect.New(fv.Type().Elem()))
		}
		return setScalar(fv.Elem(), s, enc)
	}

	if fv.CanAddr() {
		if tu, ok := fv.Addr().Interface().(encoding.TextUnmarshaler); ok {
			return tu.UnmarshalText([]byte(s))
		}
	}

	switch fv.Kind() {
	case reflect.String:
		fv.SetString(s)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetFloat(f)
	case reflect.Slice:
		if fv.Type().Elem().Kind() != reflect.Uint8 {
			return fmt.Errorf("unsupported field type %s", fv.Type())
		}
		b, err := decodeBytes(s, enc)
		if err != nil {
			return err
		}
		fv.SetBytes(b)
	default:
		return fmt.Errorf("unsupported field type %s", fv.Type())
	}
	return nil
}

func decodeBytes(s, enc string) ([]byte, error) {
	switch enc {
	case "":
		return []byte(s), nil
	case "base64url":
		return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	case "base64":
		return base64.StdEncoding.DecodeString(s)
	}
	return nil, fmt.Errorf("unknown encoding %q", enc)
}
