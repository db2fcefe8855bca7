// Package parser turns declarative field specs into values pulled from HTML nodes.
package parser

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrComputedField is returned when a field without selectors is passed to Extract.
var ErrComputedField = errors.New("parser: field has no selectors")

// FieldSpec describes how to extract one named value from a markup node.
type FieldSpec struct {
	Name       string
	Selectors  []string
	Attribute  string
	Required   bool
	Remove     *regexp.Regexp
	Validators []string
}

// Computed reports whether the field is filled by the crawler rather than extracted.
func (f FieldSpec) Computed() bool {
	return len(f.Selectors) == 0
}

// MissingValueError reports a required field that no selector matched.
type MissingValueError struct {
	Field     string
	Selectors []string
}

func (e *MissingValueError) Error() string {
	return fmt.Sprintf("missing value for %q: no match for %s", e.Field, strings.Join(e.Selectors, " | "))
}

// Extract returns the value of spec within sel.
//
// Selectors are tried in order and the first match wins. A required field
// with no match fails with *MissingValueError; an optional one yields "".
// The node is never modified, so repeated calls return the same result.
func Extract(sel *goquery.Selection, spec FieldSpec) (string, error) {
	if spec.Computed() {
		return "", fmt.Errorf("%w: %s", ErrComputedField, spec.Name)
	}

	value, found := "", false
	for _, query := range spec.Selectors {
		match := sel.Find(query).First()
		if match.Length() == 0 {
			continue
		}
		if spec.Attribute != "" {
			attr, ok := match.Attr(spec.Attribute)
			if !ok {
				continue
			}
			value, found = attr, true
			break
		}
		value, found = strings.TrimSpace(match.Text()), true
		break
	}

	if !found {
		if spec.Required {
			return "", &MissingValueError{Field: spec.Name, Selectors: spec.Selectors}
		}
		return "", nil
	}

	if spec.Remove != nil {
		value = spec.Remove.ReplaceAllString(value, "")
	}
	return value, nil
}
