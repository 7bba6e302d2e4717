package definitions

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxNameLength    = 255
	MaxContentLength = 2044
)

// ValidateEdit checks a name/content pair before it reaches the store.
// Returns an error wrapping ErrInvalid when the pair is rejected.
func ValidateEdit(e Edit) error {
	if err := validateName(e.Name); err != nil {
		return fmt.Errorf("%w: name %w", ErrInvalid, err)
	}
	if err := validateContent(e.Content); err != nil {
		return fmt.Errorf("%w: content %w", ErrInvalid, err)
	}
	return nil
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("cannot be empty")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("length %d exceeds maximum of %d bytes", len(name), MaxNameLength)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("must be valid UTF-8")
	}
	// The engine receives the name verbatim in undeploy messages.
	if strings.TrimSpace(name) != name {
		return fmt.Errorf("%q has leading or trailing whitespace", name)
	}
	return nil
}

func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("cannot be empty")
	}
	if len(content) > MaxContentLength {
		return fmt.Errorf("length %d exceeds maximum of %d bytes", len(content), MaxContentLength)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("must be valid UTF-8")
	}
	return nil
}
