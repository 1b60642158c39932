package ingest

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"credits-generator/internal/models"
)

var (
	// ErrInvalidCategory is returned for empty or unusable category names.
	ErrInvalidCategory = errors.New("invalid category")
	// ErrReservedCategory is returned when a custom category collides with a
	// built-in or existing-state name.
	ErrReservedCategory = errors.New("category name is reserved")
	// ErrInvalidRequest wraps struct validation failures.
	ErrInvalidRequest = errors.New("invalid request")
)

// Validator checks operator input before it reaches the ledger.
type Validator struct {
	structs *validator.Validate
}

// NewValidator constructs a Validator.
func NewValidator() *Validator {
	structs := validator.New(validator.WithRequiredStructEnabled())
	structs.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return &Validator{structs: structs}
}

// ValidateCustomCategory trims name and rejects empty names, reserved names
// and names ending in ByAmount.
func (v *Validator) ValidateCustomCategory(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", fmt.Errorf("%w: name is required", ErrInvalidCategory)
	}
	if models.IsReserved(trimmed) {
		return "", fmt.Errorf("%w: %q", ErrReservedCategory, trimmed)
	}
	if models.HasByAmountSuffix(trimmed) {
		return "", fmt.Errorf("%w: %q must not end with %s", ErrInvalidCategory, trimmed, models.ByAmountSuffix)
	}
	return trimmed, nil
}

// Struct runs the validate tags on value.
func (v *Validator) Struct(value any) error {
	if err := v.structs.Struct(value); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return fmt.Errorf("%w: %s", ErrInvalidRequest, describe(fieldErrs[0]))
		}
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	case "url":
		return fe.Field() + " must be a valid URL"
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}
