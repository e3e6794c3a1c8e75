package prescription

import (
	"errors"
	"strings"
)

const (
	// FillIncome is earned for every fill that is not returned
	FillIncome = 5
	// ReturnPenalty is charged for every returned fill
	ReturnPenalty = 1
)

var (
	ErrBlankPatientName = errors.New("patient name must not be blank")
	ErrBlankDrugName    = errors.New("drug name must not be blank")
)

// Prescription tracks the lifecycle of one (patient, drug) pair
type Prescription struct {
	patient     string
	drug        string
	created     bool
	fillCount   int
	returnCount int
}

// NewPrescription creates a prescription in the not-created state
func NewPrescription(patient, drug string) (*Prescription, error) {
	if strings.TrimSpace(patient) == "" {
		return nil, ErrBlankPatientName
	}
	if strings.TrimSpace(drug) == "" {
		return nil, ErrBlankDrugName
	}
	return &Prescription{patient: patient, drug: drug}, nil
}

// Patient returns the owning patient's name
func (p *Prescription) Patient() string { return p.patient }

// Drug returns the drug name
func (p *Prescription) Drug() string { return p.drug }

// Created reports whether a created event has been seen
func (p *Prescription) Created() bool { return p.created }

// FillCount returns the number of accepted fills
func (p *Prescription) FillCount() int { return p.fillCount }

// ReturnCount returns the number of accepted returns
func (p *Prescription) ReturnCount() int { return p.returnCount }

// MarkCreated is idempotent
func (p *Prescription) MarkCreated() {
	p.created = true
}

// Fill records a fill. Fills before creation are discarded and report false.
func (p *Prescription) Fill() bool {
	return p.fill() == Applied
}

// ReturnFill records the return of an outstanding fill.
// It reports false when the prescription is not created or nothing is left to return.
func (p *Prescription) ReturnFill() bool {
	return p.returnFill() == Applied
}

// Apply dispatches an event type and returns the detailed outcome
func (p *Prescription) Apply(t EventType) Outcome {
	switch t {
	case EventCreated:
		p.MarkCreated()
		return Applied
	case EventFilled:
		return p.fill()
	case EventReturned:
		return p.returnFill()
	case EventUnknown:
		return Ignored
	}
	return Ignored
}

func (p *Prescription) fill() Outcome {
	if !p.created {
		return RejectedNotCreated
	}
	p.fillCount++
	return Applied
}

func (p *Prescription) returnFill() Outcome {
	if !p.created {
		return RejectedNotCreated
	}
	if p.fillCount <= p.returnCount {
		return RejectedNoFillToReturn
	}
	p.returnCount++
	return Applied
}

// NetFills is the number of fills still standing
func (p *Prescription) NetFills() int {
	return p.fillCount - p.returnCount
}

// Income may be negative when returns outweigh standing fills
func (p *Prescription) Income() int {
	return p.NetFills()*FillIncome - p.returnCount*ReturnPenalty
}
