package endpoint

import (
	"bytes"
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"reflect"
	"strconv"
	"strings"
)

// DefaultFieldLimit is the per-field byte limit applied when a field has no
// maxLength tag.
var DefaultFieldLimit = 16 * 1024

// DefaultBodyLimit caps request bodies decoded through a `body` tag. A
// `maxLength` tag on the body field overrides it.
var DefaultBodyLimit = 1 << 20

// Unmarshal populates dst (must be a non-nil pointer to a struct) from the
// request.
//
// Supported struct tags:
//   - `path:"name"`: r.PathValue(name)
//   - `query:"name"`: r.URL.Query()
//   - `header:"name"`: r.Header
//   - `body:""`: the request body, at most one field
//   - `maxLength:"n"`: maximum byte length of the value; "0" or "" disables it
//
// The only flag is `json`, which decodes the value as JSON. Body fields that
// are not []byte, string or json.RawMessage are decoded as JSON and require a
// JSON content type. If multiple source tags are present on a field, the first
// found in the order path, query, header wins. Absent values leave the field
// unchanged.
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
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must point to a struct"))
	}
	return unmarshalStruct(r, root)
}

func newEndpointError(status int, message string, cause error) error {
	return &EndpointError{Status: status, Message: message, Cause: cause}
}

type sourceTag struct {
	Source    string
	Name      string
	JSON      bool
	MaxLength int
}

var sources = []string{"path", "query", "header", "body"}

func unmarshalStruct(r *http.Request, structVal reflect.Value) error {
	t := structVal.Type()
	bodySeen := ""
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.PkgPath != "" {
			continue
		}
		fv := structVal.Field(i)

		var tag sourceTag
		found := false
		for _, src := range sources {
			st, has, err := parseSourceTag(sf, src)
			if err != nil {
				return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: field %s: %w", sf.Name, err))
			}
			if !has {
				continue
			}
			if st.Name == "-" {
				found = false
				break
			}
			if src == "body" {
				if bodySeen != "" {
					return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: multiple body fields: %s and %s", bodySeen, sf.Name))
				}
				bodySeen = sf.Name
			}
			if !found {
				tag, found = st, true
			}
		}
		if !found {
			continue
		}

		var (
			raw [][]byte
			ok  bool
			err error
		)
		switch tag.Source {
		case "path":
			if s := r.PathValue(tag.Name); s != "" {
				raw, ok = [][]byte{[]byte(s)}, true
			}
		case "query":
			if r.URL != nil {
				if vals, has := r.URL.Query()[tag.Name]; has {
					raw, ok = toBytes(vals), true
				}
			}
		case "header":
			if vals := r.Header[http.CanonicalHeaderKey(tag.Name)]; len(vals) > 0 {
				raw, ok = toBytes(vals), true
			}
		case "body":
			raw, ok, err = readBody(r, fv, &tag)
			if err != nil {
				return err
			}
		}
		if !ok {
			continue
		}
		for _, b := range raw {
			if tag.MaxLength > 0 && len(b) > tag.MaxLength {
				status := http.StatusBadRequest
				if tag.Source == "body" {
					status = http.StatusRequestEntityTooLarge
				}
				return newEndpointError(status, "", fmt.Errorf("endpoint: decode: %s %q -> %s: value exceeds max length %d", tag.Source, tag.Name, sf.Name, tag.MaxLength))
			}
		}
		if err := setFieldFromValues(fv, raw, tag.JSON); err != nil {
			return newEndpointError(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: %s %q -> %s: %w", tag.Source, tag.Name, sf.Name, err))
		}
	}
	return nil
}

func toBytes(vals []string) [][]byte {
	out := make([][]byte, len(vals))
	for i, s := range vals {
		out[i] = []byte(s)
	}
	return out
}

var rawMessageType = reflect.TypeFor[json.RawMessage]()

// readBody reads at most MaxLength+1 bytes so an oversized body is detected
// without buffering all of it.
func readBody(r *http.Request, fv reflect.Value, tag *sourceTag) ([][]byte, bool, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, false, nil
	}
	ft := fv.Type()
	for ft.Kind() == reflect.Pointer {
		ft = ft.Elem()
	}
	isRaw := ft.Kind() == reflect.String || ft == rawMessageType || (ft.Kind() == reflect.Slice && ft.Elem().Kind() == reflect.Uint8)
	if !isRaw {
		tag.JSON = true
	}
	if tag.JSON && !requestBodyIsJSON(r) {
		mt := requestBodyMediaType(r)
		if mt == "" {
			mt = "(missing)"
		}
		return nil, false, newEndpointError(http.StatusUnsupportedMediaType, "", fmt.Errorf("endpoint: decode: body: unsupported media type %s", mt))
	}

	var src io.Reader = r.Body
	if tag.MaxLength > 0 {
		src = io.LimitReader(r.Body, int64(tag.MaxLength)+1)
	}
	b, err := io.ReadAll(src)
	if err != nil {
		return nil, false, newEndpointError(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: body: %w", err))
	}
	return [][]byte{b}, true, nil
}

func requestBodyIsJSON(r *http.Request) bool {
	mt := requestBodyMediaType(r)
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func requestBodyMediaType(r *http.Request) string {
	ct := strings.TrimSpace(r.Header.Get("Content-Type"))
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(ct)
	}
	return strings.ToLower(mt)
}

func parseSourceTag(sf reflect.StructField, tagKey string) (sourceTag, bool, error) {
	val, has := sf.Tag.Lookup(tagKey)
	if !has {
		return sourceTag{}, false, nil
	}
	parts := strings.Split(val, ",")
	name := strings.TrimSpace(parts[0])
	if name == "" {
		name = strings.ToLower(sf.Name)
	}

	limit := DefaultFieldLimit
	if tagKey == "body" {
		limit = DefaultBodyLimit
	}
	if ml, ok := sf.Tag.Lookup("maxLength"); ok {
		ml = strings.TrimSpace(ml)
		if ml == "" {
			limit = 0
		} else {
			n, err := strconv.Atoi(ml)
			if err != nil || n < 0 {
				return sourceTag{}, false, fmt.Errorf("maxLength: invalid value %q", ml)
			}
			limit = n
		}
	}

	cfg := sourceTag{Source: tagKey, Name: name, MaxLength: limit}
	for _, p := range parts[1:] {
		switch flag := strings.ToLower(strings.TrimSpace(p)); flag {
		case "":
		case "json":
			cfg.JSON = true
		default:
			return sourceTag{}, false, fmt.Errorf("unknown %s tag flag %q", tagKey, flag)
		}
	}
	return cfg, true, nil
}

func setFieldFromValues(v reflect.Value, values [][]byte, asJSON bool) error {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}
	if asJSON {
		return json.NewDecoder(bytes.NewReader(values[0])).Decode(v.Addr().Interface())
	}

	isBytes := v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8
	if v.Kind() == reflect.Slice && !isBytes {
		slice := reflect.MakeSlice(v.Type(), 0, len(values))
		for _, b := range values {
			elem := reflect.New(v.Type().Elem()).Elem()
			if err := setFieldFromBytes(elem, b); err != nil {
				return err
			}
			slice = reflect.Append(slice, elem)
		}
		v.Set(slice)
		return nil
	}
	return setFieldFromBytes(v, values[0])
}

func setFieldFromBytes(v reflect.Value, b []byte) error {
	if v.CanAddr() {
		if u, ok := v.Addr().Interface().(encoding.TextUnmarshaler); ok {
			return u.UnmarshalText(b)
		}
	}

	s := string(b)
	switch v.Kind() {
	case reflect.String:
		v.SetString(s)
		return nil
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			v.SetBytes(append([]byte(nil), b...))
			return nil
		}
	case reflect.Bool:
		bb, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		v.SetBool(bb)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetInt(n)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetUint(n)
		return nil
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetFloat(f)
		return nil
	}
	return fmt.Errorf("unsupported kind %s", v.Kind())
}
