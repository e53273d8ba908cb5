package events

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/omnisearch/omnisearch/abengine/internal/experiment"
)

// Type discriminates the event payload
type Type string

const (
	TypeSearch     Type = "search"
	TypeClick      Type = "click"
	TypeImpression Type = "impression"
)

// ParseType maps a wire name to a Type
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeSearch, TypeClick, TypeImpression:
		return Type(s), nil
	}
	return "", fmt.Errorf("%w: unknown event type %q", ErrValidation, s)
}

// UnknownRank marks a click whose result position was not reported
const UnknownRank = -1

// Search is a query execution
type Search struct {
	Query        string  `json:"query"`
	ResultsCount int     `json:"results_count"`
	SearchTimeMs float64 `json:"search_time_ms"`
}

// Click is a result selection
type Click struct {
	ProductID    string `json:"product_id"`
	ProductTitle string `json:"product_title,omitempty"`
	Rank         int    `json:"rank"`
	Query        string `json:"query,omitempty"`
	Source       string `json:"source,omitempty"`
}

// Impression is a result shown to the identity
type Impression struct {
	ProductID string `json:"product_id"`
	Rank      int    `json:"rank"`
	Visible   bool   `json:"visible"`
}

// Event is one immutable interaction record. Exactly one payload is set, matching Type.
type Event struct {
	ID         string             `json:"event_id"`
	Type       Type               `json:"event_type"`
	IdentityID string             `json:"identity_id"`
	Variant    experiment.Variant `json:"variant"`
	SessionID  string             `json:"session_id,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`

	Search     *Search     `json:"search,omitempty"`
	Click      *Click      `json:"click,omitempty"`
	Impression *Impression `json:"impression,omitempty"`
}

// Check reports whether e is structurally sound: a known type with its payload
func (e Event) Check() error {
	if e.ID == "" || e.IdentityID == "" {
		return fmt.Errorf("%w: event id and identity id are required", ErrValidation)
	}
	if _, err := experiment.ParseVariant(string(e.Variant)); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	ok := false
	switch e.Type {
	case TypeSearch:
		ok = e.Search != nil
	case TypeClick:
		ok = e.Click != nil
	case TypeImpression:
		ok = e.Impression != nil
	}
	if !ok {
		return fmt.Errorf("%w: event %s has no %q payload", ErrValidation, e.ID, e.Type)
	}
	return nil
}

// SearchInput is a search to record
type SearchInput struct {
	IdentityID   string  `json:"user_id" validate:"required"`
	SessionID    string  `json:"session_id"`
	Query        string  `json:"query" validate:"required"`
	ResultsCount *int    `json:"results_count" validate:"required,gte=0"`
	SearchTimeMs float64 `json:"search_time_ms" validate:"gte=0"`
}

// ClickInput is a click to record. Rank is UnknownRank when the position is not known.
type ClickInput struct {
	IdentityID   string `json:"user_id" validate:"required"`
	SessionID    string `json:"session_id"`
	ProductID    string `json:"product_id" validate:"required"`
	ProductTitle string `json:"product_title"`
	Rank         int    `json:"rank" validate:"gte=-1"`
	Query        string `json:"query"`
	Source       string `json:"source" validate:"omitempty,oneof=search_results recommendations featured other"`
}

// ImpressionInput is a result display to record
type ImpressionInput struct {
	IdentityID string `json:"user_id" validate:"required"`
	SessionID  string `json:"session_id"`
	ProductID  string `json:"product_id" validate:"required"`
	Rank       int    `json:"rank" validate:"gte=0"`
	Visible    bool   `json:"visible"`
}

// ErrValidation is wrapped by every input rejection
var ErrValidation = errors.New("validation failed")

// FieldError describes one rejected input field
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

func (f FieldError) String() string {
	return fmt.Sprintf("%s failed %s", f.Field, f.Rule)
}

// ValidationError lists the fields an input was rejected for
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report wire names, not Go field names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks an input struct against its tags
func Validate(input interface{}) error {
	err := validate.Struct(input)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	out := &ValidationError{Fields: make([]FieldError, 0, len(verrs))}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{Field: fe.Field(), Rule: fe.Tag()})
	}
	return out
}
