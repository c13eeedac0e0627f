package kestrel

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
)

// schemaProperty is one entry in an inferred JSON-schema properties map.
type schemaProperty struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

type schemaObject struct {
	Type       string                    `json:"type"`
	Properties map[string]schemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// SchemaFor infers a JSON-schema parameter description from the fields of
// the struct type T. Field names follow the json tag; a `description` tag
// becomes the property description. Type mapping is best-effort: strings map
// to "string", integers and floats to "number", bools to "boolean", slices
// and arrays to "array", maps and structs to "object", and anything else
// falls back to "string". Fields are required unless the json tag carries
// omitempty or the field is a pointer.
//
// The inferred schema is advisory: it shapes what is advertised to the
// backend, never what is enforced at call time.
func SchemaFor[T any]() json.RawMessage {
	var zero T
	return schemaForType(reflect.TypeOf(zero))
}

func schemaForType(t reflect.Type) json.RawMessage {
	obj := schemaObject{Type: "object", Properties: map[string]schemaProperty{}}
	if t != nil && t.Kind() == reflect.Struct {
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name, opts, skip := jsonFieldName(f)
			if skip {
				continue
			}
			obj.Properties[name] = schemaProperty{
				Type:        schemaType(f.Type),
				Description: f.Tag.Get("description"),
			}
			if !opts.omitempty && f.Type.Kind() != reflect.Pointer {
				obj.Required = append(obj.Required, name)
			}
		}
	}
	out, _ := json.Marshal(obj)
	return out
}

type jsonTagOpts struct {
	omitempty bool
}

func jsonFieldName(f reflect.StructField) (name string, opts jsonTagOpts, skip bool) {
	name = f.Name
	tag, ok := f.Tag.Lookup("json")
	if !ok {
		return name, opts, false
	}
	parts := strings.Split(tag, ",")
	if parts[0] == "-" {
		return "", opts, true
	}
	if parts[0] != "" {
		name = parts[0]
	}
	for _, p := range parts[1:] {
		if p == "omitempty" {
			opts.omitempty = true
		}
	}
	return name, opts, false
}

// schemaType maps a Go type to a primitive schema type, defaulting to
// "string" when no better mapping exists.
func schemaType(t reflect.Type) string {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Bool:
		return "boolean"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	default:
		return "string"
	}
}

var (
	ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType = reflect.TypeOf((*error)(nil)).Elem()
)

// wrapTypedFunc adapts a func(ctx, A) (R, error) into a ToolFunc and infers
// A's schema. The wrapper unmarshals the backend's raw arguments into A and
// marshals R into the result content; an unmarshalable payload produces an
// *ErrParse that the dispatcher reports back to the backend as an error
// tool-result.
func wrapTypedFunc(name string, fn any) (ToolFunc, json.RawMessage, error) {
	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func ||
		t.NumIn() != 2 || t.NumOut() != 2 ||
		t.In(0) != ctxType || t.In(1).Kind() != reflect.Struct ||
		t.Out(1) != errType {
		return nil, nil, &ErrInvalidParam{
			Param:  "fn",
			Reason: "must be func(context.Context, ArgsStruct) (Result, error)",
		}
	}
	argsType := t.In(1)
	schema := schemaForType(argsType)

	wrapped := func(ctx context.Context, raw json.RawMessage) (ToolResult, error) {
		argsVal := reflect.New(argsType)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, argsVal.Interface()); err != nil {
				return ToolResult{}, &ErrParse{What: "arguments for tool " + name, Err: err}
			}
		}
		out := v.Call([]reflect.Value{reflect.ValueOf(ctx), argsVal.Elem()})
		if errV := out[1].Interface(); errV != nil {
			return ToolResult{}, errV.(error)
		}
		content, err := json.Marshal(out[0].Interface())
		if err != nil {
			return ToolResult{}, err
		}
		return ToolResult{Content: string(content)}, nil
	}
	return wrapped, schema, nil
}
