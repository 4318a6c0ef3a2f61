package validate

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,128}$`)

// shapeValidate checks inbound payload structs by their `validate` tags.
var shapeValidate *validator.Validate

func init() {
	shapeValidate = validator.New()
	_ = shapeValidate.RegisterValidation("roomid", func(fl validator.FieldLevel) bool {
		return ValidID(fl.Field().String())
	})
	shapeValidate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// ValidID reports whether s is a well-formed session, agent or workspace id.
func ValidID(s string) bool {
	return roomIDPattern.MatchString(s)
}

// Shape validates an inbound payload struct and returns one message per
// failing field, or nil when the payload is well formed.
func Shape(v any) []string {
	err := shapeValidate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{"malformed payload"}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, describe(fe))
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "roomid":
		return fmt.Sprintf("%s is not a valid id", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}
