package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"ms-fulfillment/internal/apperrors"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(err)
	}
	if err := v.RegisterValidation("phone", phone); err != nil {
		panic(err)
	}
	return v
}

// Struct checks v against its validate tags. The first failing field is
// reported as a validation error named prefix.<json name>.
func Struct(prefix string, v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return apperrors.Wrap(apperrors.CodeValidation, err, "validation failed")
	}
	fe := fieldErrs[0]
	return apperrors.Validation(fieldPath(prefix, fe.Namespace()), message(fe))
}

// fieldPath drops the struct type name that leads every namespace.
func fieldPath(prefix, namespace string) string {
	if i := strings.IndexByte(namespace, '.'); i >= 0 {
		namespace = namespace[i+1:]
	}
	if prefix == "" {
		return namespace
	}
	return prefix + "." + namespace
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "notblank":
		return fmt.Sprintf("%s is required", fe.Field())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "email":
		return fmt.Sprintf("%s must be a valid email", fe.Field())
	case "ip":
		return fmt.Sprintf("%s must be a valid IP address", fe.Field())
	case "http_url":
		return fmt.Sprintf("%s must be an absolute URL", fe.Field())
	case "phone":
		return fmt.Sprintf("%s must be a phone number", fe.Field())
	}
	return fmt.Sprintf("%s is invalid", fe.Field())
}

// phone accepts 6 to 15 digits with an optional leading plus and the usual
// separators.
func phone(fl validator.FieldLevel) bool {
	digits := 0
	for i, r := range fl.Field().String() {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0, r == ' ', r == '-', r == '(', r == ')':
		default:
			return false
		}
	}
	return digits >= 6 && digits <= 15
}
