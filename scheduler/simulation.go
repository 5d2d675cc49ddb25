package scheduler

// Simulation records prediction sequence. While it is active scheduler executes no I/O.
type Simulation struct {
	host  Host
	seq   PredictionSequence
	steps uint64
}

// NewSimulation creates simulation algorithm.
func NewSimulation() *Simulation {
	return &Simulation{}
}

// Name returns the name of the algorithm.
func (a *Simulation) Name() string {
	return SimulationName
}

// Simulating returns true.
func (a *Simulation) Simulating() bool {
	return true
}

// Attach starts recording.
func (a *Simulation) Attach(h Host) {
	a.host = h
}

// Detach stops recording. Recorded sequence is kept.
func (a *Simulation) Detach() {
	a.host = nil
}

// Timestep records the operation.
func (a *Simulation) Timestep(op Op, id BlockID) {
	if a.host == nil {
		return
	}
	a.seq = append(a.seq, Event{Op: op, ID: id, Time: a.host.Time()})
}

// ExplicitTimestep counts the step boundary.
func (a *Simulation) ExplicitTimestep() {
	if a.host != nil {
		a.steps++
	}
}

// Timesteps returns the number of step boundaries marked while recording.
func (a *Simulation) Timesteps() uint64 {
	return a.steps
}

// Acquired does nothing.
func (a *Simulation) Acquired(BlockID) {}

// Released does nothing.
func (a *Simulation) Released(BlockID, bool) {}

// Removed does nothing.
func (a *Simulation) Removed(BlockID) {}

// Victim returns nothing, simulation never evicts.
func (a *Simulation) Victim() (BlockID, bool) {
	return NoBlock, false
}

// PredictionSequence returns copy of the recorded sequence.
func (a *Simulation) PredictionSequence() PredictionSequence {
	return append(PredictionSequence(nil), a.seq...)
}
