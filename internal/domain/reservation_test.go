package domain

import (
	"testing"
	"time"
)

func TestValidateWindow(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		start   time.Time
		end     time.Time
		wantErr bool
	}{
		{"one hour", base, base.Add(time.Hour), false},
		{"exactly minimum", base, base.Add(MinReservationWindow), false},
		{"below minimum", base, base.Add(10 * time.Minute), true},
		{"end equals start", base, base, true},
		{"end before start", base, base.Add(-time.Hour), true},
	}

	for _, tt := range tests {
		err := ValidateWindow(tt.start, tt.end)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%s: ValidateWindow() err = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestOverlaps(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	win := func(startOff, endOff time.Duration) *Reservation {
		return &Reservation{StartDate: base.Add(startOff), EndDate: base.Add(endOff)}
	}

	r := win(0, 2*time.Hour)

	tests := []struct {
		name  string
		other *Reservation
		want  bool
	}{
		{"identical", win(0, 2*time.Hour), true},
		{"starts inside", win(time.Hour, 3*time.Hour), true},
		{"ends inside", win(-time.Hour, time.Hour), true},
		{"contains", win(-time.Hour, 3*time.Hour), true},
		{"contained", win(30*time.Minute, 90*time.Minute), true},
		{"touching end", win(2*time.Hour, 4*time.Hour), true},
		{"after", win(3*time.Hour, 4*time.Hour), false},
		{"before", win(-2*time.Hour, -time.Hour), false},
	}

	for _, tt := range tests {
		if got := r.Overlaps(tt.other); got != tt.want {
			t.Fatalf("%s: Overlaps() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestProgress(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r := &Reservation{
		Status:    ReservationActive,
		StartDate: base,
		EndDate:   base.Add(2 * time.Hour),
	}

	if got := r.Progress(base); got != 0 {
		t.Fatalf("Progress at start = %d, want 0", got)
	}
	if got := r.Progress(base.Add(time.Hour)); got != 50 {
		t.Fatalf("Progress at midpoint = %d, want 50", got)
	}
	if got := r.Progress(base.Add(3 * time.Hour)); got != 100 {
		t.Fatalf("Progress past end = %d, want 100", got)
	}

	r.Status = ReservationCancelled
	if got := r.Progress(base); got != 100 {
		t.Fatalf("Progress for terminal = %d, want 100", got)
	}
}

func TestResourceMapFits(t *testing.T) {
	limit := ResourceMap{"cpu": 8, "memory": 16}

	tests := []struct {
		name string
		load ResourceMap
		want bool
	}{
		{"within", ResourceMap{"cpu": 4, "memory": 8}, true},
		{"exact", ResourceMap{"cpu": 8, "memory": 16}, true},
		{"cpu over", ResourceMap{"cpu": 9, "memory": 1}, false},
		{"unknown dimension", ResourceMap{"gpu": 1}, false},
		{"empty", ResourceMap{}, true},
	}

	for _, tt := range tests {
		if got := tt.load.Fits(limit); got != tt.want {
			t.Fatalf("%s: Fits() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestResourceMapPlus(t *testing.T) {
	a := ResourceMap{"cpu": 2, "memory": 4}
	b := ResourceMap{"cpu": 1, "disk": 10}

	sum := a.Plus(b)
	if sum["cpu"] != 3 || sum["memory"] != 4 || sum["disk"] != 10 {
		t.Fatalf("Plus() = %v", sum)
	}
	if a["cpu"] != 2 || len(b) != 2 {
		t.Fatalf("operands mutated: a=%v b=%v", a, b)
	}
}

func TestWorkstationTarget(t *testing.T) {
	w := &Workstation{IPAddress: "10.0.0.5"}
	if got := w.Target(); got != "10.0.0.5:5900" {
		t.Fatalf("Target() = %q, want default VNC port", got)
	}
	w.Port = 3389
	if got := w.Target(); got != "10.0.0.5:3389" {
		t.Fatalf("Target() = %q", got)
	}
}
