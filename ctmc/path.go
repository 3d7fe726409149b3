package ctmc

import "fmt"

// Segment is one piece of an evolutionary path: a state and the time
// spent in it.
type Segment struct {
	State    int
	Duration float64
}

// Path is an explicit evolutionary trajectory along one branch for
// one site: an ordered sequence of states with waiting times.
type Path struct {
	segments []Segment
}

// AddSegment appends a state visit. Consecutive visits to the same
// state are merged.
func (p *Path) AddSegment(state int, duration float64) {
	if n := len(p.segments); n > 0 && p.segments[n-1].State == state {
		p.segments[n-1].Duration += duration
		return
	}
	p.segments = append(p.segments, Segment{State: state, Duration: duration})
}

// IsEmpty returns true if no segment was recorded.
func (p *Path) IsEmpty() bool {
	return len(p.segments) == 0
}

// FirstState returns the state of the first segment.
func (p *Path) FirstState() int {
	return p.segments[0].State
}

// LastState returns the state of the last segment.
func (p *Path) LastState() int {
	return p.segments[len(p.segments)-1].State
}

// NSegments returns the number of segments.
func (p *Path) NSegments() int {
	return len(p.segments)
}

// Segments returns the recorded segments.
func (p *Path) Segments() []Segment {
	return p.segments
}

// TotalTime returns the summed duration of all segments.
func (p *Path) TotalTime() (t float64) {
	for _, s := range p.segments {
		t += s.Duration
	}
	return
}

// PathStatistics accumulates sufficient statistics of sampled paths
// for one rate category: initial-state counts, per-state sojourn
// times and state-pair transition counts. It grows monotonically
// across sampling calls within one Monte-Carlo sweep; use Reset
// between sweeps.
type PathStatistics struct {
	nStates       int
	initialCounts []float64
	sojournTimes  []float64
	transCounts   [][]float64
}

// NewPathStatistics creates an empty accumulator for the given
// alphabet size.
func NewPathStatistics(nStates int) *PathStatistics {
	s := &PathStatistics{
		nStates:       nStates,
		initialCounts: make([]float64, nStates),
		sojournTimes:  make([]float64, nStates),
		transCounts:   make([][]float64, nStates),
	}
	for i := range s.transCounts {
		s.transCounts[i] = make([]float64, nStates)
	}
	return s
}

// NStates returns the alphabet size.
func (s *PathStatistics) NStates() int {
	return s.nStates
}

// AddInitial folds one root state observation into the accumulator.
func (s *PathStatistics) AddInitial(state int) {
	s.initialCounts[state]++
}

// AddSojourn folds time spent in a state into the accumulator.
func (s *PathStatistics) AddSojourn(state int, time float64) {
	s.sojournTimes[state] += time
}

// AddTransition folds one observed state change into the accumulator.
func (s *PathStatistics) AddTransition(from, to int) {
	if from == to {
		panic(fmt.Sprintf("self-transition %d -> %d", from, to))
	}
	s.transCounts[from][to]++
}

// InitialCount returns the validated integral count of initial states.
func (s *PathStatistics) InitialCount(state int) int {
	return CheckInt(s.initialCounts[state])
}

// SojournTime returns the accumulated time in a state.
func (s *PathStatistics) SojournTime(state int) float64 {
	return s.sojournTimes[state]
}

// TransitionCount returns the validated integral count of from->to
// transitions.
func (s *PathStatistics) TransitionCount(from, to int) int {
	return CheckInt(s.transCounts[from][to])
}

// Reset zeroes all accumulated statistics.
func (s *PathStatistics) Reset() {
	for i := 0; i < s.nStates; i++ {
		s.initialCounts[i] = 0
		s.sojournTimes[i] = 0
		for j := 0; j < s.nStates; j++ {
			s.transCounts[i][j] = 0
		}
	}
}
