package models

// RecipientKind identifies which address space a recipient comes from.
// Each kind has its own cursor on the campaign.
type RecipientKind string

// Recipient kinds, in the order a segment covering both is dispatched
const (
	RecipientSubscriber RecipientKind = "subscriber"
	RecipientUser       RecipientKind = "user"
)

// IsValidRecipientKind checks if the recipient kind is valid
func IsValidRecipientKind(kind string) bool {
	return RecipientKind(kind) == RecipientSubscriber || RecipientKind(kind) == RecipientUser
}

// Recipient is one deliverable address. IDs are ascending within a kind.
type Recipient struct {
	ID      int64         `json:"id"`
	Address string        `json:"address"`
	Kind    RecipientKind `json:"kind"`
}

// Segment is a named audience: the recipient sources it draws from, in
// dispatch order, and an optional any-match tag predicate
type Segment struct {
	Name    string          `json:"name" yaml:"name"`
	Sources []RecipientKind `json:"sources" yaml:"sources"`
	Tags    []string        `json:"tags,omitempty" yaml:"tags"`
}

// Validate performs basic validation on a segment definition
func (s *Segment) Validate() error {
	if s.Name == "" {
		return ErrInvalidInput("segment name is required")
	}
	if len(s.Sources) == 0 {
		return ErrInvalidInput("segment " + s.Name + " has no sources")
	}
	seen := make(map[RecipientKind]bool, len(s.Sources))
	for _, src := range s.Sources {
		if !IsValidRecipientKind(string(src)) {
			return ErrInvalidInput("segment " + s.Name + " has invalid source " + string(src))
		}
		if seen[src] {
			return ErrInvalidInput("segment " + s.Name + " lists source " + string(src) + " twice")
		}
		seen[src] = true
	}
	return nil
}

// SegmentQuery is what the subscriber directory needs to produce one page
type SegmentQuery struct {
	Kind RecipientKind
	Tags []string
}
