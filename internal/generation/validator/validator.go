// Package validator rejects records that would render into a broken
// document even though every placeholder is present.
package validator

import (
	"unicode/utf8"

	"github.com/cristim67/diploma-generator/internal/generation"
	apperrors "github.com/cristim67/diploma-generator/pkg/errors"
)

type Validator struct {
	mandatory      []string
	maxValueLength int
}

// New builds a Validator. maxValueLength <= 0 disables the length check.
func New(schema generation.Schema, maxValueLength int) *Validator {
	return &Validator{mandatory: schema.Mandatory(), maxValueLength: maxValueLength}
}

// Validate returns an error wrapping ErrInvalidRecord, or nil.
func (v *Validator) Validate(rec generation.FieldRecord) error {
	for _, f := range v.mandatory {
		if val, ok := rec.Get(f); !ok || val == "" {
			return apperrors.Newf(apperrors.ErrInvalidRecord, 0, "row %d: mandatory field %q is empty", rec.Row, f)
		}
	}
	for _, k := range rec.Keys {
		val := rec.Values[k]
		if !utf8.ValidString(val) {
			return apperrors.Newf(apperrors.ErrInvalidRecord, 0, "row %d: field %q is not valid UTF-8", rec.Row, k)
		}
		if v.maxValueLength > 0 && utf8.RuneCountInString(val) > v.maxValueLength {
			return apperrors.Newf(apperrors.ErrInvalidRecord, 0, "row %d: field %q exceeds %d characters", rec.Row, k, v.maxValueLength)
		}
		for _, r := range val {
			if !xmlChar(r) {
				return apperrors.Newf(apperrors.ErrInvalidRecord, 0, "row %d: field %q contains control character %U", rec.Row, k, r)
			}
		}
	}
	return nil
}

// xmlChar reports whether r may appear in an XML 1.0 document.
func xmlChar(r rune) bool {
	switch {
	case r == 0x09 || r == 0x0A || r == 0x0D:
		return true
	case r >= 0x20 && r <= 0xD7FF:
		return true
	case r >= 0xE000 && r <= 0xFFFD:
		return true
	case r >= 0x10000 && r <= 0x10FFFF:
		return true
	}
	return false
}
