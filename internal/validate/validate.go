package validate

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// v is the package-level validator. Field names are reported by their json
// tag so messages match the wire format.
var v = func() *validator.Validate {
	val := validator.New(validator.WithRequiredStructEnabled())
	val.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return val
}()

// Error lists the fields that failed validation.
type Error struct {
	Fields []string
	msgs   []string
}

func (e *Error) Error() string {
	return strings.Join(e.msgs, "; ")
}

// Has reports whether field failed validation.
func (e *Error) Has(field string) bool {
	for _, f := range e.Fields {
		if f == field {
			return true
		}
	}
	return false
}

// Struct validates the given struct using its validate tags.
func Struct(s any) error {
	if err := v.Struct(s); err != nil {
		ve, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}
		out := &Error{}
		for _, fe := range ve {
			out.Fields = append(out.Fields, fe.Field())
			out.msgs = append(out.msgs, "field '"+fe.Field()+"' failed '"+fe.Tag()+"'")
		}
		return out
	}
	return nil
}
