package policy

import (
	"errors"
	"math"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func eventValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("policy_kind", func(fl validator.FieldLevel) bool {
			return Kind(fl.Field().String()).Valid()
		})
		_ = v.RegisterValidation("finite", func(fl validator.FieldLevel) bool {
			f := fl.Field().Float()
			return !math.IsNaN(f) && !math.IsInf(f, 0)
		})
		validate = v
	})
	return validate
}

// Validate checks an inbound event before any persistence work. Every error it
// returns matches ErrInvalidEvent.
func (e OutcomeEvent) Validate() error {
	if err := eventValidator().Struct(e); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ValidationError{Field: fe.Field(), Reason: describe(fe)}
		}
		return &ValidationError{Reason: err.Error()}
	}
	if strings.TrimSpace(e.IdempotencyKey) == "" {
		return &ValidationError{Field: "idempotency_key", Reason: "must not be blank"}
	}
	if strings.TrimSpace(e.PolicyID) == "" {
		return &ValidationError{Field: "policy_id", Reason: "must not be blank"}
	}
	if e.OccurredAt.IsZero() {
		return &ValidationError{Field: "occurred_at", Reason: "is required"}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "exceeds " + fe.Param() + " characters"
	case "policy_kind":
		return "unknown policy kind " + fe.Value().(Kind).String()
	case "finite":
		return "must be a finite number"
	}
	return "failed " + fe.Tag()
}
