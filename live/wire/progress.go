package wire

import (
	"sync"

	"github.com/ValentinKolb/dSync/lib/subject"
)

// ProgressState is a snapshot of a transfer
type ProgressState struct {
	Total   int
	Current int
	Done    bool
}

// Ratio returns the transferred fraction between 0 and 1
func (s ProgressState) Ratio() float64 {
	if s.Done {
		return 1
	}
	if s.Total == 0 {
		return 0
	}
	return float64(s.Current) / float64(s.Total)
}

// Progress follows the transfer of one message. Observers get a state on
// start, after every chunk and once done, after which the stream completes.
type Progress struct {
	*subject.Stream[ProgressState]

	mu    sync.Mutex
	state ProgressState
}

// NewProgress creates a progress at 0
func NewProgress() *Progress {
	return &Progress{Stream: subject.NewStream(ProgressState{}, nil)}
}

func (p *Progress) setStart(total int) {
	p.mu.Lock()
	p.state.Total = total
	s := p.state
	p.mu.Unlock()
	p.Next(s)
}

func (p *Progress) addBatch(n int) {
	p.mu.Lock()
	p.state.Current += n
	s := p.state
	p.mu.Unlock()
	p.Next(s)
}

func (p *Progress) setDone() {
	p.mu.Lock()
	if p.state.Done {
		p.mu.Unlock()
		return
	}
	p.state.Done = true
	s := p.state
	p.mu.Unlock()
	p.Next(s)
	p.Complete()
}
