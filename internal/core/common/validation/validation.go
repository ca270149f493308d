package validation

import (
	"fmt"
	"regexp"
	"unicode/utf8"

	errors "github.com/frahmantamala/credit-recovery/internal"
)

const (
	MaxReferenceLength = 128
	MaxAccountIDLength = 64
)

var (
	referencePattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)
	currencyPattern  = regexp.MustCompile(`^[A-Z]{3}$`)
)

// rule returns a non-empty message and code when value is rejected.
type rule func(value any) (string, errors.ErrorCode)

type FieldValidator struct {
	name  string
	value any
	rules []rule
}

type ValidationBuilder struct {
	fields []*FieldValidator
}

func NewValidator() *ValidationBuilder {
	return &ValidationBuilder{}
}

func (v *ValidationBuilder) Field(name string, value any) *FieldValidator {
	fv := &FieldValidator{name: name, value: value}
	v.fields = append(v.fields, fv)
	return fv
}

func (fv *FieldValidator) add(r rule) *FieldValidator {
	fv.rules = append(fv.rules, r)
	return fv
}

// Required rejects empty strings and zero amounts. Later rules for the field are skipped once it fails.
func (fv *FieldValidator) Required() *FieldValidator {
	return fv.add(func(value any) (string, errors.ErrorCode) {
		switch v := value.(type) {
		case string:
			if v == "" {
				return fmt.Sprintf("%s is required", fv.name), errors.ErrCodeValidationFailed
			}
		case int64:
			if v == 0 {
				return fmt.Sprintf("%s is required", fv.name), errors.ErrCodeValidationFailed
			}
		}
		return "", ""
	})
}

func (fv *FieldValidator) MinInt(min int64, code errors.ErrorCode) *FieldValidator {
	return fv.add(func(value any) (string, errors.ErrorCode) {
		if v, ok := value.(int64); ok && v < min {
			return fmt.Sprintf("%s must be at least %d", fv.name, min), code
		}
		return "", ""
	})
}

func (fv *FieldValidator) MaxLength(max int, code errors.ErrorCode) *FieldValidator {
	return fv.add(func(value any) (string, errors.ErrorCode) {
		if v, ok := value.(string); ok && utf8.RuneCountInString(v) > max {
			return fmt.Sprintf("%s must not exceed %d characters", fv.name, max), code
		}
		return "", ""
	})
}

// Pattern rejects non-empty strings that don't match re.
func (fv *FieldValidator) Pattern(re *regexp.Regexp, code errors.ErrorCode) *FieldValidator {
	return fv.add(func(value any) (string, errors.ErrorCode) {
		if v, ok := value.(string); ok && v != "" && !re.MatchString(v) {
			return fmt.Sprintf("%s has an invalid format", fv.name), code
		}
		return "", ""
	})
}

// Validate reports the first failing rule of every field in one error.
func (v *ValidationBuilder) Validate() *errors.AppError {
	var failures []errors.ValidationError
	for _, field := range v.fields {
		for _, r := range field.rules {
			if message, code := r(field.value); message != "" {
				failures = append(failures, errors.ValidationError{Field: field.name, Message: message, Code: string(code)})
				break
			}
		}
	}
	if len(failures) == 0 {
		return nil
	}

	appErr := errors.NewValidationError(failures[0].Message, errors.ErrorCode(failures[0].Code))
	if len(failures) > 1 {
		appErr = errors.NewValidationError("Validation failed", errors.ErrCodeValidationFailed)
	}
	return appErr.WithDetails(errors.ValidationErrors{Errors: failures})
}

func (v *ValidationBuilder) reference(reference string) *FieldValidator {
	return v.Field("reference", reference).
		Required().
		MaxLength(MaxReferenceLength, errors.ErrCodeInvalidReference).
		Pattern(referencePattern, errors.ErrCodeInvalidReference)
}

// ValidateReference checks a payment reference as supplied by operators, webhooks or the gateway.
func ValidateReference(reference string) *errors.AppError {
	v := NewValidator()
	v.reference(reference)
	return v.Validate()
}

// ValidateNewIntent checks a payment intent before it is stored. An empty reference is
// allowed; the caller generates one.
func ValidateNewIntent(reference, accountID string, amount int64, currency string) *errors.AppError {
	v := NewValidator()
	if reference != "" {
		v.reference(reference)
	}
	v.Field("account_id", accountID).Required().MaxLength(MaxAccountIDLength, errors.ErrCodeValidationFailed)
	v.Field("amount", amount).Required().MinInt(1, errors.ErrCodeInvalidAmount)
	v.Field("currency", currency).Required().Pattern(currencyPattern, errors.ErrCodeInvalidCurrency)
	return v.Validate()
}
