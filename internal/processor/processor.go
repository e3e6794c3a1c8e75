// Package processor applies pharmacy lifecycle events to patients and
// prescriptions and produces the per-patient financial report.
//
// An EventProcessor holds all state for one run. It is not safe for concurrent
// use; hosts that process several batches at once give each batch its own
// instance.
package processor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/drfirst/rxledger/internal/domain/prescription"
)

// ErrMalformedLine marks a non-blank input line that is not exactly three tokens
var ErrMalformedLine = errors.New("malformed event line")

// LineError carries the offending input of a malformed line
type LineError struct {
	Line int
	Raw  string
}

func (e *LineError) Error() string {
	return fmt.Sprintf("%s %d: %q (want: <patient> <drug> <event>)", ErrMalformedLine, e.Line, e.Raw)
}

func (e *LineError) Unwrap() error { return ErrMalformedLine }

// maxLineBytes bounds a single input line read by ProcessLines
const maxLineBytes = 1 << 20

// EventProcessor sequences events into prescription state transitions
type EventProcessor struct {
	patients map[string]*prescription.Patient
	journal  []*prescription.Event
	lineNo   int
	logger   *zap.Logger
}

// New creates an empty processor for a single run
func New(logger *zap.Logger) *EventProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventProcessor{
		patients: make(map[string]*prescription.Patient),
		logger:   logger,
	}
}

// Replay rebuilds a processor from a recorded journal, in sequence order
func Replay(events []*prescription.Event, logger *zap.Logger) (*EventProcessor, error) {
	p := New(logger)
	for _, e := range events {
		if _, err := p.ProcessEvent(e.Patient, e.Drug, e.Name); err != nil {
			return nil, fmt.Errorf("replay event %d: %w", e.Sequence, err)
		}
	}
	return p, nil
}

// ProcessEvent resolves the patient and prescription and applies the event.
// Business-rule rejections are reported through the Outcome only; the error is
// reserved for blank patient or drug names.
func (p *EventProcessor) ProcessEvent(patientName, drugName, eventName string) (prescription.Outcome, error) {
	patient, err := p.patient(patientName)
	if err != nil {
		return prescription.Ignored, err
	}
	rx, err := patient.GetOrCreatePrescription(drugName)
	if err != nil {
		return prescription.Ignored, err
	}

	event := prescription.NewEvent(len(p.journal)+1, patientName, drugName, eventName)
	event.Outcome = rx.Apply(event.Type)
	p.journal = append(p.journal, event)

	if event.Outcome != prescription.Applied {
		p.logger.Debug("event discarded",
			zap.String("patient", patientName),
			zap.String("drug", drugName),
			zap.String("event", eventName),
			zap.String("outcome", event.Outcome.String()))
	}
	return event.Outcome, nil
}

// ProcessLine parses "<patient> <drug> <event>" and applies it.
// Blank lines are skipped. Any other line that does not split into exactly
// three tokens returns a *LineError; the caller must abort the run.
func (p *EventProcessor) ProcessLine(raw string) error {
	p.lineNo++
	line := strings.TrimSpace(raw)
	if line == "" {
		return nil
	}
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return &LineError{Line: p.lineNo, Raw: raw}
	}
	_, err := p.ProcessEvent(fields[0], fields[1], fields[2])
	return err
}

// ProcessLines reads r line by line and stops at the first error
func (p *EventProcessor) ProcessLines(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if err := p.ProcessLine(scanner.Text()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read events: %w", err)
	}
	return nil
}

// Patient returns a known patient without creating one
func (p *EventProcessor) Patient(name string) (*prescription.Patient, bool) {
	patient, ok := p.patients[name]
	return patient, ok
}

// PatientCount returns the number of patients referenced so far
func (p *EventProcessor) PatientCount() int { return len(p.patients) }

// Journal returns the applied events in order
func (p *EventProcessor) Journal() []*prescription.Event {
	out := make([]*prescription.Event, len(p.journal))
	copy(out, p.journal)
	return out
}

func (p *EventProcessor) patient(name string) (*prescription.Patient, error) {
	if patient, ok := p.patients[name]; ok {
		return patient, nil
	}
	patient, err := prescription.NewPatient(name)
	if err != nil {
		return nil, err
	}
	p.patients[name] = patient
	return patient, nil
}
