package prescription

import (
	"errors"
	"testing"
)

func newCreated(t *testing.T) *Prescription {
	t.Helper()
	rx, err := NewPrescription("Mark", "B")
	if err != nil {
		t.Fatalf("NewPrescription: %v", err)
	}
	rx.MarkCreated()
	return rx
}

func TestNewPrescriptionValidation(t *testing.T) {
	tests := []struct {
		name    string
		patient string
		drug    string
		want    error
	}{
		{"blank patient", "  ", "B", ErrBlankPatientName},
		{"empty drug", "Mark", "", ErrBlankDrugName},
		{"blank drug", "Mark", "\t", ErrBlankDrugName},
		{"valid", "Mark", "B", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPrescription(tt.patient, tt.drug)
			if !errors.Is(err, tt.want) {
				t.Errorf("NewPrescription(%q, %q) error = %v, want %v", tt.patient, tt.drug, err, tt.want)
			}
		})
	}
}

func TestMarkCreatedIdempotent(t *testing.T) {
	for n := 1; n <= 5; n++ {
		rx, _ := NewPrescription("Nick", "A")
		for i := 0; i < n; i++ {
			rx.MarkCreated()
		}
		if !rx.Created() {
			t.Fatalf("n=%d: expected created", n)
		}
		if rx.FillCount() != 0 || rx.ReturnCount() != 0 || rx.Income() != 0 {
			t.Errorf("n=%d: MarkCreated changed counters: fills=%d returns=%d income=%d",
				n, rx.FillCount(), rx.ReturnCount(), rx.Income())
		}
	}
}

func TestFillBeforeCreateDiscarded(t *testing.T) {
	rx, _ := NewPrescription("Paul", "D")
	for i := 0; i < 3; i++ {
		if rx.Fill() {
			t.Fatal("Fill() = true before creation")
		}
	}
	if rx.NetFills() != 0 {
		t.Errorf("NetFills() = %d, want 0", rx.NetFills())
	}
	if got := rx.Apply(EventFilled); got != RejectedNotCreated {
		t.Errorf("Apply(filled) = %v, want %v", got, RejectedNotCreated)
	}
}

func TestReturnBeforeCreateDiscarded(t *testing.T) {
	rx, _ := NewPrescription("Paul", "D")
	if rx.ReturnFill() {
		t.Fatal("ReturnFill() = true before creation")
	}
	if rx.ReturnCount() != 0 {
		t.Errorf("ReturnCount() = %d, want 0", rx.ReturnCount())
	}
}

func TestReturnGating(t *testing.T) {
	for a := 0; a <= 4; a++ {
		for b := 0; b <= 6; b++ {
			rx := newCreated(t)
			for i := 0; i < a; i++ {
				rx.Fill()
			}
			ok := 0
			for i := 0; i < b; i++ {
				if rx.ReturnFill() {
					ok++
				}
			}
			want := min(a, b)
			if ok != want {
				t.Errorf("a=%d b=%d: successful returns = %d, want %d", a, b, ok, want)
			}
			if rx.NetFills() != a-want {
				t.Errorf("a=%d b=%d: NetFills() = %d, want %d", a, b, rx.NetFills(), a-want)
			}
			if rx.ReturnCount() > rx.FillCount() {
				t.Errorf("a=%d b=%d: returnCount %d exceeds fillCount %d", a, b, rx.ReturnCount(), rx.FillCount())
			}
		}
	}
}

func TestOverReturnOutcome(t *testing.T) {
	rx := newCreated(t)
	if got := rx.Apply(EventReturned); got != RejectedNoFillToReturn {
		t.Errorf("Apply(returned) = %v, want %v", got, RejectedNoFillToReturn)
	}
}

func TestIncomeFormula(t *testing.T) {
	for f := 0; f <= 5; f++ {
		for r := 0; r <= f; r++ {
			rx := newCreated(t)
			for i := 0; i < f; i++ {
				rx.Fill()
			}
			for i := 0; i < r; i++ {
				rx.ReturnFill()
			}
			want := (f-r)*5 - r
			if got := rx.Income(); got != want {
				t.Errorf("f=%d r=%d: Income() = %d, want %d", f, r, got, want)
			}
		}
	}
}

func TestApplyUnknownIgnored(t *testing.T) {
	rx := newCreated(t)
	rx.Fill()
	if got := rx.Apply(EventUnknown); got != Ignored {
		t.Errorf("Apply(unknown) = %v, want %v", got, Ignored)
	}
	if rx.FillCount() != 1 || rx.ReturnCount() != 0 {
		t.Errorf("unknown event changed state: fills=%d returns=%d", rx.FillCount(), rx.ReturnCount())
	}
}

func TestCanonicalDrugB(t *testing.T) {
	rx, _ := NewPrescription("Mark", "B")
	for _, name := range []string{"created", "filled", "returned", "filled", "filled"} {
		rx.Apply(ParseEventType(name))
	}
	if rx.FillCount() != 3 || rx.ReturnCount() != 1 {
		t.Fatalf("fills=%d returns=%d, want 3 and 1", rx.FillCount(), rx.ReturnCount())
	}
	if rx.NetFills() != 2 || rx.Income() != 9 {
		t.Errorf("NetFills()=%d Income()=%d, want 2 and 9", rx.NetFills(), rx.Income())
	}
}
