package prescription

import (
	"sort"
	"strings"
)

// Patient owns the prescriptions of one named individual, keyed by drug name
type Patient struct {
	name          string
	prescriptions map[string]*Prescription
}

// NewPatient fails when the name is blank after trimming
func NewPatient(name string) (*Patient, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrBlankPatientName
	}
	return &Patient{
		name:          name,
		prescriptions: make(map[string]*Prescription),
	}, nil
}

// Name returns the patient name
func (p *Patient) Name() string { return p.name }

// GetOrCreatePrescription returns the prescription for drug, creating it
// in the not-created state on first use. Repeated calls return the same instance.
func (p *Patient) GetOrCreatePrescription(drug string) (*Prescription, error) {
	if rx, ok := p.prescriptions[drug]; ok {
		return rx, nil
	}
	rx, err := NewPrescription(p.name, drug)
	if err != nil {
		return nil, err
	}
	p.prescriptions[drug] = rx
	return rx, nil
}

// Prescription looks up a prescription without creating it
func (p *Patient) Prescription(drug string) (*Prescription, bool) {
	rx, ok := p.prescriptions[drug]
	return rx, ok
}

// Drugs returns the held drug names in lexical order
func (p *Patient) Drugs() []string {
	drugs := make([]string, 0, len(p.prescriptions))
	for drug := range p.prescriptions {
		drugs = append(drugs, drug)
	}
	sort.Strings(drugs)
	return drugs
}

// TotalFills sums net fills over all prescriptions
func (p *Patient) TotalFills() int {
	total := 0
	for _, rx := range p.prescriptions {
		total += rx.NetFills()
	}
	return total
}

// TotalIncome sums income over all prescriptions
func (p *Patient) TotalIncome() int {
	total := 0
	for _, rx := range p.prescriptions {
		total += rx.Income()
	}
	return total
}

// HasCreatedPrescriptions reports whether any prescription reached the created state
func (p *Patient) HasCreatedPrescriptions() bool {
	for _, rx := range p.prescriptions {
		if rx.Created() {
			return true
		}
	}
	return false
}
