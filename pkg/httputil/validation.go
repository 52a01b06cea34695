package httputil

import (
	stderrors "errors"

	"github.com/go-playground/validator/v10"
	"github.com/medflow/stock-ledger/pkg/errors"
)

var validate = validator.New()

// Validate validates a struct using go-playground/validator and turns field
// failures into a VALIDATION_ERROR with one detail per field.
func Validate(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !stderrors.As(err, &validationErrors) {
		return errors.BadRequest(err.Error())
	}

	details := make(map[string]string)
	for _, e := range validationErrors {
		details[e.Field()] = formatValidationError(e)
	}

	return errors.Validation(details)
}

func formatValidationError(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "this field is required"
	case "gt":
		return "must be greater than " + e.Param()
	case "gte", "min":
		return "must be at least " + e.Param()
	case "max":
		return "must be at most " + e.Param()
	case "ne":
		return "must not be " + e.Param()
	case "nefield":
		return "must differ from " + e.Param()
	case "oneof":
		return "must be one of: " + e.Param()
	case "movement":
		return "must be a known movement type"
	default:
		return "invalid value"
	}
}

// RegisterCustomValidation registers a custom validation function
func RegisterCustomValidation(tag string, fn validator.Func) error {
	return validate.RegisterValidation(tag, fn)
}
