package parser

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate runs the field's validators over value as one tag chain, so a
// leading omitempty lets an absent optional value pass.
func Validate(spec FieldSpec, value string) error {
	tags := make([]string, 0, len(spec.Validators))
	for _, tag := range spec.Validators {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	if len(tags) == 0 {
		return nil
	}
	chain := strings.Join(tags, ",")
	if err := validate.Var(value, chain); err != nil {
		return fmt.Errorf("field %q failed %q: %w", spec.Name, chain, err)
	}
	return nil
}

// CheckRecord returns the names of fields whose value fails validation.
// Fields missing from values are checked against the empty string.
func CheckRecord(specs []FieldSpec, values map[string]string) []string {
	var failed []string
	for _, spec := range specs {
		if err := Validate(spec, values[spec.Name]); err != nil {
			failed = append(failed, spec.Name)
		}
	}
	return failed
}
