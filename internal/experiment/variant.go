package experiment

import (
	"errors"
	"fmt"
	"time"
)

// Variant identifies one competing search implementation
type Variant string

const (
	// SearchV1 ranks purely by vector similarity
	SearchV1 Variant = "search_v1"
	// SearchV2 reranks with the multi-factor scorer
	SearchV2 Variant = "search_v2"
)

var (
	ErrInvalidSplitRatio = errors.New("split ratio must be within [0,1]")
	ErrUnknownVariant    = errors.New("unknown variant")
	ErrEmptyIdentity     = errors.New("identity id is required")
	ErrResetNotConfirmed = errors.New("reset requires explicit confirmation")
)

// Variants lists every known variant in assignment order
func Variants() []Variant {
	return []Variant{SearchV1, SearchV2}
}

// ParseVariant maps a wire name to a Variant
func ParseVariant(s string) (Variant, error) {
	switch Variant(s) {
	case SearchV1, SearchV2:
		return Variant(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownVariant, s)
}

func (v Variant) String() string { return string(v) }

// Assignment binds an identity to a variant. It is never modified after creation.
type Assignment struct {
	IdentityID string            `json:"identity_id"`
	Variant    Variant           `json:"variant"`
	AssignedAt time.Time         `json:"assigned_at"`
	Metadata   map[string]string `json:"metadata"`
}

func (a Assignment) clone() Assignment {
	if a.Metadata != nil {
		md := make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			md[k] = v
		}
		a.Metadata = md
	}
	return a
}

// ValidateSplitRatio rejects ratios outside [0,1]
func ValidateSplitRatio(ratio float64) error {
	// NaN fails both comparisons, so test the accepted range
	if !(ratio >= 0 && ratio <= 1) {
		return fmt.Errorf("%w: got %v", ErrInvalidSplitRatio, ratio)
	}
	return nil
}
