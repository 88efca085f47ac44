package models

import (
	"errors"
	"strings"
)

// Transform is a named string transformation applied to mapped external query
// results. Transforms compose left-to-right over the already-mapped value.
type Transform string

const (
	TransformUppercase           Transform = "UPPERCASE"
	TransformLowercase           Transform = "LOWERCASE"
	TransformTitlecase           Transform = "TITLECASE"
	TransformTruncateFirstSpace  Transform = "TRUNCATE_FIRST_SPACE"
	TransformTruncateSecondSpace Transform = "TRUNCATE_SECOND_SPACE"
)

// ErrUnknownTransform is returned when a configured transform name is not recognized.
var ErrUnknownTransform = errors.New("unknown transform")

// IsValidTransform checks if the given transform name is supported.
func IsValidTransform(t Transform) bool {
	switch t {
	case TransformUppercase, TransformLowercase, TransformTitlecase,
		TransformTruncateFirstSpace, TransformTruncateSecondSpace:
		return true
	default:
		return false
	}
}

// Apply runs the transform over the value. Unknown transforms return the
// value unchanged along with ErrUnknownTransform.
func (t Transform) Apply(value string) (string, error) {
	switch t {
	case TransformUppercase:
		return strings.ToUpper(value), nil
	case TransformLowercase:
		return strings.ToLower(value), nil
	case TransformTitlecase:
		return titlecase(value), nil
	case TransformTruncateFirstSpace:
		if idx := strings.IndexByte(value, ' '); idx >= 0 {
			return value[:idx], nil
		}
		return value, nil
	case TransformTruncateSecondSpace:
		fields := strings.SplitN(value, " ", 3)
		if len(fields) > 2 {
			return fields[0] + " " + fields[1], nil
		}
		return value, nil
	default:
		return value, ErrUnknownTransform
	}
}

// ApplyTransforms composes the transforms left-to-right. The first unknown
// transform stops the chain and reports the error.
func ApplyTransforms(value string, transforms []Transform) (string, error) {
	for _, t := range transforms {
		next, err := t.Apply(value)
		if err != nil {
			return value, err
		}
		value = next
	}
	return value, nil
}

func titlecase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevSpace := true
	for _, r := range s {
		if prevSpace {
			b.WriteString(strings.ToUpper(string(r)))
		} else {
			b.WriteString(strings.ToLower(string(r)))
		}
		prevSpace = r == ' '
	}
	return b.String()
}
