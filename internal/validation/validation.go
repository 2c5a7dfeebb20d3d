package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

type Validator struct {
	validate *validator.Validate
}

func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json field names so API clients see the keys they sent.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return &Validator{validate: v}
}

func (v *Validator) Struct(i any) error {
	return v.validate.Struct(i)
}

// Fields flattens validator errors into field -> message. Non-validation errors yield nil.
func Fields(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}

	out := make(map[string]string, len(verrs))
	for _, e := range verrs {
		field := e.Field()
		switch e.Tag() {
		case "required":
			out[field] = field + " is required"
		case "email":
			out[field] = field + " must be a valid email address"
		case "max":
			out[field] = fmt.Sprintf("%s must be at most %s characters", field, e.Param())
		case "gt":
			out[field] = fmt.Sprintf("%s must be greater than %s", field, e.Param())
		case "gte":
			out[field] = fmt.Sprintf("%s must be greater than or equal to %s", field, e.Param())
		case "uuid":
			out[field] = field + " must be a valid UUID"
		case "datetime":
			out[field] = fmt.Sprintf("%s must match %s", field, e.Param())
		default:
			out[field] = field + " is invalid"
		}
	}
	return out
}
