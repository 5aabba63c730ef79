package http

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

var (
	ErrValidationFailed       = errors.New("validation failed")
	ErrFieldRequired          = errors.New("field is required")
	ErrFieldMaxLength         = errors.New("field exceeds maximum length")
	ErrFieldOneOf             = errors.New("field must be one of allowed values")
	ErrFieldPositiveAmount    = errors.New("field must be a positive amount")
	ErrFieldAmountScale       = errors.New("field has too many decimal places")
	ErrBodyParseFailed        = errors.New("failed to parse request body")
	ErrUnsupportedContentType = errors.New("Content-Type must be application/json")
	ErrValidatorInit          = errors.New("validator initialization failed")
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
	errValidate  error
)

func initValidators() (*validator.Validate, error) {
	vld := validator.New(validator.WithRequiredStructEnabled())

	// decimal.Decimal is read directly; a custom type func returning the
	// same type would loop forever.
	if err := vld.RegisterValidation("positive_decimal", func(fl validator.FieldLevel) bool {
		value, ok := fl.Field().Interface().(decimal.Decimal)

		return ok && value.IsPositive()
	}); err != nil {
		return nil, fmt.Errorf("%w: positive_decimal: %w", ErrValidatorInit, err)
	}

	if err := vld.RegisterValidation("max_scale", func(fl validator.FieldLevel) bool {
		value, ok := fl.Field().Interface().(decimal.Decimal)
		if !ok {
			return false
		}

		var places int32
		if _, err := fmt.Sscan(fl.Param(), &places); err != nil {
			return false
		}

		return value.Equal(value.Truncate(places))
	}); err != nil {
		return nil, fmt.Errorf("%w: max_scale: %w", ErrValidatorInit, err)
	}

	return vld, nil
}

// GetValidator returns the shared validator and any registration error.
func GetValidator() (*validator.Validate, error) {
	validateOnce.Do(func() {
		validate, errValidate = initValidators()
	})

	return validate, errValidate
}

// ValidateStruct runs the struct tags and reports the first failure.
func ValidateStruct(payload any) error {
	vld, initErr := GetValidator()
	if initErr != nil {
		return fmt.Errorf("%w: %w", ErrValidationFailed, initErr)
	}

	if err := vld.Struct(payload); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
			return formatValidationError(validationErrors[0])
		}

		return fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	return nil
}

var validationErrorFormatters = map[string]func(field, param string) error{
	"required": func(field, _ string) error {
		return fmt.Errorf("%w: '%s'", ErrFieldRequired, field)
	},
	"max": func(field, param string) error {
		return fmt.Errorf("%w: '%s' must be at most %s", ErrFieldMaxLength, field, param)
	},
	"oneof": func(field, param string) error {
		return fmt.Errorf("%w: '%s' must be one of [%s]", ErrFieldOneOf, field, param)
	},
	"positive_decimal": func(field, _ string) error {
		return fmt.Errorf("%w: '%s'", ErrFieldPositiveAmount, field)
	},
	"max_scale": func(field, param string) error {
		return fmt.Errorf("%w: '%s' allows %s", ErrFieldAmountScale, field, param)
	},
}

func formatValidationError(fe validator.FieldError) error {
	field := toSnakeCase(fe.Field())

	if formatter, ok := validationErrorFormatters[fe.Tag()]; ok {
		return formatter(field, fe.Param())
	}

	return fmt.Errorf("%w: '%s' failed '%s' check", ErrValidationFailed, field, fe.Tag())
}

func toSnakeCase(s string) string {
	var result strings.Builder

	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			result.WriteByte('_')
		}

		result.WriteRune(r)
	}

	return strings.ToLower(result.String())
}

// ParseBodyAndValidate decodes a JSON body into payload and validates it.
func ParseBodyAndValidate(c *fiber.Ctx, payload any) error {
	ct := c.Get(fiber.HeaderContentType)
	if ct != "" && !strings.HasPrefix(ct, fiber.MIMEApplicationJSON) {
		return ErrUnsupportedContentType
	}

	if err := c.BodyParser(payload); err != nil {
		return fmt.Errorf("%w: %w", ErrBodyParseFailed, err)
	}

	return ValidateStruct(payload)
}
