package events

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// Definition binds an event name to its payload type.
type Definition struct {
	name   Name
	typ    reflect.Type
	decode func(raw []byte) (Event, error)
}

// Define builds the definition of payload type P.
func Define[P Event]() Definition {
	var zero P

	return Definition{
		name: zero.EventName(),
		typ:  reflect.TypeOf(zero),
		decode: func(raw []byte) (Event, error) {
			var payload P
			if err := json.Unmarshal(raw, &payload); err != nil {
				return nil, err
			}

			return payload, nil
		},
	}
}

// Name returns the event name of the definition.
func (d Definition) Name() Name {
	return d.name
}

// Registry is an immutable catalog of event definitions.
type Registry struct {
	defs     map[Name]Definition
	names    []Name
	validate *validator.Validate
}

// NewRegistry builds a registry. Duplicate or empty names are rejected.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{
		defs:     make(map[Name]Definition, len(defs)),
		names:    make([]Name, 0, len(defs)),
		validate: newValidator(),
	}
	for _, def := range defs {
		if def.name == "" || def.decode == nil {
			return nil, fmt.Errorf("%w: definition without name", ErrUnknownEvent)
		}
		if _, ok := r.defs[def.name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateEvent, def.name)
		}
		r.defs[def.name] = def
		r.names = append(r.names, def.name)
	}
	sort.Slice(r.names, func(i, j int) bool { return r.names[i] < r.names[j] })

	return r, nil
}

// MustNewRegistry builds a registry or panics.
func MustNewRegistry(defs ...Definition) *Registry {
	r, err := NewRegistry(defs...)
	if err != nil {
		panic(err)
	}

	return r
}

// Names returns the registered names in lexical order.
func (r *Registry) Names() []Name {
	out := make([]Name, len(r.names))
	copy(out, r.names)

	return out
}

// Has reports whether name is registered.
func (r *Registry) Has(name Name) bool {
	_, ok := r.defs[name]

	return ok
}

// Validate decodes raw into the payload type registered for name and checks
// it. Unknown JSON fields are ignored. On failure the error is either
// ErrUnknownEvent or a *ValidationError listing every violated field.
func (r *Registry) Validate(name Name, raw []byte) (Event, error) {
	def, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	if len(raw) == 0 {
		return nil, &ValidationError{Event: name, Fields: []FieldError{{Rule: "required"}}}
	}

	payload, err := def.decode(raw)
	if err != nil {
		return nil, &ValidationError{Event: name, Fields: []FieldError{decodeFieldError(err)}}
	}
	if err := r.check(name, payload); err != nil {
		return nil, err
	}

	return payload, nil
}

// ValidateEvent checks an already typed payload against its registered type.
func (r *Registry) ValidateEvent(event Event) error {
	if event == nil {
		return ErrNilEvent
	}
	value := reflect.ValueOf(event)
	if value.Kind() == reflect.Pointer {
		if value.IsNil() {
			return ErrNilEvent
		}
		value = value.Elem()
	}

	name := event.EventName()
	def, ok := r.defs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	if value.Type() != def.typ {
		return fmt.Errorf("%w: %s registered as %s, got %s", ErrInvalidPayload, name, def.typ, value.Type())
	}

	return r.check(name, value.Interface())
}

func (r *Registry) check(name Name, payload any) error {
	err := r.validate.Struct(payload)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Event: name, Fields: []FieldError{{Rule: "struct", Message: err.Error()}}}
	}

	fields := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, FieldError{
			Field: trimNamespace(fe.Namespace()),
			Rule:  fe.Tag(),
			Param: fe.Param(),
		})
	}

	return &ValidationError{Event: name, Fields: fields}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}

		return name
	})

	return v
}

// trimNamespace drops the root struct name: "ThreadCreated.title" -> "title".
func trimNamespace(ns string) string {
	_, rest, found := strings.Cut(ns, ".")
	if !found {
		return ns
	}

	return rest
}

func decodeFieldError(err error) FieldError {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return FieldError{Field: typeErr.Field, Rule: "type", Param: typeErr.Type.String()}
	}

	return FieldError{Rule: "json", Message: err.Error()}
}
