package binding

import (
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
)

// Query binds URL query parameters onto a struct by `query` tags, with
// optional `default` tags, then validates. Supported field kinds: string,
// bool, signed and unsigned integers, floats, and slices of string
// (comma-separated or repeated parameters).
func Query(r *http.Request, v any) error {
	if err := bindQuery(r.URL.Query(), v); err != nil {
		return err
	}
	return Validate(v)
}

func bindQuery(values url.Values, v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return FieldErrors{{Message: "bind target must be a non-nil pointer"}}
	}
	rv = rv.Elem()
	if rv.Kind() != reflect.Struct {
		return FieldErrors{{Message: "bind target must be a struct pointer"}}
	}

	rt := rv.Type()
	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		if !field.CanSet() {
			continue
		}
		name := rt.Field(i).Tag.Get("query")
		if name == "" || name == "-" {
			continue
		}

		raw, present := values[name]
		if !present || (len(raw) == 1 && raw[0] == "") {
			if def := rt.Field(i).Tag.Get("default"); def != "" {
				raw = []string{def}
			} else {
				continue
			}
		}
		if err := setField(field, name, raw); err != nil {
			return err
		}
	}
	return nil
}

func setField(field reflect.Value, name string, raw []string) error {
	value := raw[0]
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return FieldErrors{{Field: name, Message: "must be a boolean"}}
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return FieldErrors{{Field: name, Message: "must be an integer"}}
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return FieldErrors{{Field: name, Message: "must be a non-negative integer"}}
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return FieldErrors{{Field: name, Message: "must be a number"}}
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return FieldErrors{{Field: name, Message: "unsupported slice element type"}}
		}
		var out []string
		for _, chunk := range raw {
			for _, p := range strings.Split(chunk, ",") {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
		}
		field.Set(reflect.ValueOf(out))
	default:
		return FieldErrors{{Field: name, Message: "unsupported parameter type"}}
	}
	return nil
}
