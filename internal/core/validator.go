package core

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/justice-rest/the-romy/internal/types"
)

// Validator wraps go-playground/validator for request DTO validation.
// A single instance is shared across handlers; the underlying validator
// caches struct metadata and is safe for concurrent use.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a Validator with JSON tag names reported in errors,
// so clients see the field names they actually sent.
func NewValidator() *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{validate: v}
}

// ValidateStruct validates the DTO and translates failures into a 400
// AppError with per-field details.
func (v *Validator) ValidateStruct(dst interface{}) error {
	err := v.validate.Struct(dst)
	if err == nil {
		return nil
	}

	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			"validation invoked on an unsupported type", err)
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		details := make(map[string]any, len(fieldErrs))
		for _, fe := range fieldErrs {
			details[fe.Field()] = validationMessage(fe)
		}
		return types.NewAppErrorWithDetails(
			types.ErrCodeValidationMissingField,
			"request validation failed",
			nil,
			details,
		)
	}

	return types.NewAppError(types.ErrCodeInternalUnexpected, "validation failed", err)
}

// validationMessage renders a single field error in client-friendly form.
func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	default:
		return "failed validation rule: " + fe.Tag()
	}
}
