package domain

import "time"

// Details is the typed detail record attached 1:1 to a ticket. The only
// implementations are *TestingDetails and *SupportDetails.
type Details interface {
	TicketType() TicketType
	clone() Details
}

// SupportCategory classifies support tickets.
type SupportCategory string

const (
	SupportCategoryProject SupportCategory = "project"
	SupportCategoryFeature SupportCategory = "feature"
	SupportCategoryTesting SupportCategory = "testing"
	SupportCategoryOther   SupportCategory = "other"
)

// Valid reports whether c is a known category.
func (c SupportCategory) Valid() bool {
	switch c {
	case SupportCategoryProject, SupportCategoryFeature, SupportCategoryTesting, SupportCategoryOther:
		return true
	}
	return false
}

// TestingDetails carries the fields of a testing ticket.
type TestingDetails struct {
	TicketID     string
	FeatureID    string
	Deadline     time.Time
	ValidationID *string
}

// TicketType implements Details.
func (d *TestingDetails) TicketType() TicketType { return TicketTypeTesting }

func (d *TestingDetails) clone() Details {
	out := *d
	out.ValidationID = cloneString(d.ValidationID)
	return &out
}

// SupportDetails carries the fields of a support ticket.
type SupportDetails struct {
	TicketID        string
	Category        SupportCategory
	ProjectID       *string
	FeatureID       *string
	AIResponse      *string
	ResolutionNotes *string
}

// TicketType implements Details.
func (d *SupportDetails) TicketType() TicketType { return TicketTypeSupport }

func (d *SupportDetails) clone() Details {
	out := *d
	out.ProjectID = cloneString(d.ProjectID)
	out.FeatureID = cloneString(d.FeatureID)
	out.AIResponse = cloneString(d.AIResponse)
	out.ResolutionNotes = cloneString(d.ResolutionNotes)
	return &out
}
