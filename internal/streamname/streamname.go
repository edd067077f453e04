// Package streamname checks data stream names against the Elasticsearch
// naming rules.
package streamname

import (
	"fmt"
	"strings"
)

// MaxBytes is the longest data stream name Elasticsearch accepts.
const MaxBytes = 255

var (
	invalidStartCharacters = []string{"-", "_", "+", "."}
	invalidCharacters      = []string{"\\", "/", "*", "?", "\"", "<", ">", "|", " ", ",", "#", ":"}
)

// ValidationResult is the outcome of checking a candidate data stream name.
type ValidationResult int

const (
	Valid ValidationResult = iota
	InvalidStart
	InvalidDots
	InvalidCharacters
	InvalidCase
	TooLong
)

func (r ValidationResult) String() string {
	switch r {
	case Valid:
		return "valid"
	case InvalidStart:
		return "invalid_start"
	case InvalidDots:
		return "invalid_dots"
	case InvalidCharacters:
		return "invalid_characters"
	case InvalidCase:
		return "invalid_case"
	case TooLong:
		return "too_long"
	default:
		return "unknown"
	}
}

// Name is a data stream name that passed Validate.
type Name string

func (n Name) String() string { return string(n) }

// PolicyID returns the id of the lifecycle policy attached to the stream.
func (n Name) PolicyID() string { return string(n) + "_policy" }

// IndexPattern returns the glob matched by the stream's index template.
func (n Name) IndexPattern() string { return string(n) + "*" }

// Error reports why a data stream name was rejected.
type Error struct {
	Name   string
	Result ValidationResult
}

func (e *Error) Error() string {
	switch e.Result {
	case InvalidStart:
		return fmt.Sprintf("'data_stream_name' must not start with %s: <%s>", strings.Join(invalidStartCharacters, ","), e.Name)
	case InvalidDots:
		return fmt.Sprintf("'data_stream_name' must not be . or ..: <%s>", e.Name)
	case InvalidCharacters:
		return fmt.Sprintf("'data_stream_name' must not contain invalid characters %s: <%s>", strings.Join(invalidCharacters, ","), e.Name)
	case InvalidCase:
		return fmt.Sprintf("'data_stream_name' must be lowercase only: <%s>", e.Name)
	case TooLong:
		return fmt.Sprintf("'data_stream_name' must not be longer than %d bytes: <%s>", MaxBytes, e.Name)
	default:
		return fmt.Sprintf("'data_stream_name' is invalid: <%s>", e.Name)
	}
}

// Validate checks name against the Elasticsearch data stream naming
// rules. Every rule is evaluated; when several fail, the start rule wins,
// then characters, then case, then length.
func Validate(name string) ValidationResult {
	lowercase := lowercaseOnly(name)
	chars := validCharacters(name)
	start := startsWithValidCharacter(name)
	dots := notDots(name)
	length := lengthOK(name)

	if lowercase && chars && start && dots && length {
		return Valid
	}

	switch {
	case !start && dots:
		return InvalidStart
	case !start || !dots:
		return InvalidDots
	case !chars:
		return InvalidCharacters
	case !lowercase:
		return InvalidCase
	default:
		return TooLong
	}
}

// Parse validates name and returns it as a Name.
func Parse(name string) (Name, error) {
	if r := Validate(name); r != Valid {
		return "", &Error{Name: name, Result: r}
	}
	return Name(name), nil
}

func lowercaseOnly(name string) bool {
	return strings.ToLower(name) == name
}

func validCharacters(name string) bool {
	for _, c := range invalidCharacters {
		if strings.Contains(name, c) {
			return false
		}
	}
	return true
}

func startsWithValidCharacter(name string) bool {
	for _, c := range invalidStartCharacters {
		if strings.HasPrefix(name, c) {
			return false
		}
	}
	return true
}

func notDots(name string) bool {
	return name != "." && name != ".."
}

func lengthOK(name string) bool {
	return len(name) <= MaxBytes
}
