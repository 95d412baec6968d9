package tracker

import (
	"testing"
	"time"
)

func TestPacer_NextWait(t *testing.T) {
	const interval = time.Second

	tests := []struct {
		name    string
		batches []int
		want    time.Duration
	}{
		{"no history", nil, interval},
		{"idle", []int{0, 0, 0}, interval},
		{"backlog", []int{0, 10}, 0},
		{"half full", []int{5, 5}, interval / 2},
		{"mixed", []int{10, 0}, interval / 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPacer(interval, 10, 4)
			if err != nil {
				t.Fatal(err)
			}
			for _, b := range tt.batches {
				p.Observe(b, time.Second)
			}
			if got := p.NextWait(); got != tt.want {
				t.Errorf("NextWait() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPacer_ThroughputAndETA(t *testing.T) {
	p, err := NewPacer(time.Second, 100, 4)
	if err != nil {
		t.Fatal(err)
	}

	if p.ETA(50) != 0 {
		t.Error("ETA without throughput should be unknown (zero)")
	}

	p.Observe(10, time.Second)
	p.Observe(30, time.Second)
	p.Observe(0, time.Second) // idle cycles do not dilute the rate

	if got := p.Throughput(); got != 20 {
		t.Errorf("Throughput() = %v, want 20", got)
	}
	if got := p.ETA(100); got != 5*time.Second {
		t.Errorf("ETA(100) = %v, want 5s", got)
	}
	if got := p.ETA(0); got != 0 {
		t.Errorf("ETA(0) = %v, want 0", got)
	}
}
