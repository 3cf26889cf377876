package model

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"
)

// Rule checks one aspect of a measurement's values.
type Rule func(values map[string]any) error

// Schema defines when a measurement is valid: every required key must be
// present and every rule must pass.
type Schema struct {
	// Name identifies the schema in error messages.
	Name string

	// Required lists keys that must be present.
	Required []string

	// Rules are evaluated in order after the required keys.
	Rules []Rule
}

// Check returns nil when values satisfy the schema. All failures are joined.
func (s *Schema) Check(values map[string]any) error {
	var errs []error
	for _, key := range s.Required {
		if _, ok := values[key]; !ok {
			errs = append(errs, fmt.Errorf("%w: %s.%s", ErrMissingKey, s.Name, key))
		}
	}
	for _, rule := range s.Rules {
		if err := rule(values); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NonEmpty requires key to be a non-empty string.
func NonEmpty(key string) Rule {
	return func(values map[string]any) error {
		v, ok := values[key]
		if !ok {
			return nil
		}
		s, isString := v.(string)
		if !isString {
			return fmt.Errorf("%w: %s is %T", ErrValueType, key, v)
		}
		if s == "" {
			return fmt.Errorf("%w: %s is empty", ErrValidation, key)
		}
		return nil
	}
}

// Range requires key to be numeric within [min, max]. Strings holding a
// decimal number are accepted.
func Range(key string, min, max float64) Rule {
	return func(values map[string]any) error {
		v, ok := values[key]
		if !ok {
			return nil
		}
		var f float64
		switch tv := v.(type) {
		case float64:
			f = tv
		case int:
			f = float64(tv)
		case string:
			parsed, err := strconv.ParseFloat(tv, 64)
			if err != nil {
				return fmt.Errorf("%w: %s=%q is not a number", ErrValueType, key, tv)
			}
			f = parsed
		default:
			return fmt.Errorf("%w: %s is %T", ErrValueType, key, v)
		}
		if f < min || f > max {
			return fmt.Errorf("%w: %s=%v not in [%v, %v]", ErrValueOutOfRange, key, f, min, max)
		}
		return nil
	}
}

// OneOf requires key to be one of the listed strings.
func OneOf(key string, options ...string) Rule {
	return func(values map[string]any) error {
		v, ok := values[key]
		if !ok {
			return nil
		}
		s, _ := v.(string)
		if !slices.Contains(options, s) {
			return fmt.Errorf("%w: %s=%v", ErrValidation, key, v)
		}
		return nil
	}
}

// NonZeroTime requires key to hold a time.Time that is not the zero time.
func NonZeroTime(key string) Rule {
	return func(values map[string]any) error {
		v, ok := values[key]
		if !ok {
			return nil
		}
		t, isTime := v.(time.Time)
		if !isTime {
			return fmt.Errorf("%w: %s is %T", ErrValueType, key, v)
		}
		if t.IsZero() {
			return fmt.Errorf("%w: %s is unset", ErrValidation, key)
		}
		return nil
	}
}
