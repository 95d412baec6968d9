package tracker

import (
	"time"

	"github.com/dd0wney/cluso-shardsync/pkg/history"
)

const defaultPacerWindow = 10

// Pacer decides how long to wait before the next poll. Full batches mean a
// backlog, so the next poll is immediate; empty polls fall back to the
// configured interval; partly filled batches wait proportionally.
type Pacer struct {
	interval  time.Duration
	batchSize int
	batches   *history.Bounded[int]
	rates     *history.Bounded[float64]
}

func NewPacer(interval time.Duration, batchSize, window int) (*Pacer, error) {
	if window <= 0 {
		window = defaultPacerWindow
	}
	batches, err := history.New[int](window)
	if err != nil {
		return nil, err
	}
	rates, err := history.New[float64](window)
	if err != nil {
		return nil, err
	}
	return &Pacer{interval: interval, batchSize: max(batchSize, 1), batches: batches, rates: rates}, nil
}

// Observe records one cycle that applied units in elapsed.
func (p *Pacer) Observe(units int, elapsed time.Duration) {
	p.batches.Add(units)
	if units > 0 && elapsed > 0 {
		p.rates.Add(float64(units) / elapsed.Seconds())
	}
}

func (p *Pacer) NextWait() time.Duration {
	last, err := p.batches.Last()
	if err != nil || history.AllZero(p.batches) {
		return p.interval
	}
	if last >= p.batchSize {
		return 0
	}
	fill := min(history.Average(p.batches)/float64(p.batchSize), 1)
	return time.Duration(float64(p.interval) * (1 - fill))
}

// Throughput is the recent average of units applied per second.
func (p *Pacer) Throughput() float64 {
	return history.Average(p.rates)
}

// ETA estimates how long catching up on remaining units takes. It is zero
// when there is nothing left or no throughput has been observed yet.
func (p *Pacer) ETA(remaining int64) time.Duration {
	rate := p.Throughput()
	if remaining <= 0 || rate <= 0 {
		return 0
	}
	return time.Duration(float64(remaining) / rate * float64(time.Second))
}
