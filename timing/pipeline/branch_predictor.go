package pipeline

// BranchPredictorStats holds statistics for the branch predictor.
type BranchPredictorStats struct {
	// Predictions is the total number of branches resolved.
	Predictions uint64
	// Correct is the number of correct predictions.
	Correct uint64
	// Mispredictions is the number of incorrect predictions.
	Mispredictions uint64
}

// Accuracy returns the prediction accuracy as a percentage.
func (s BranchPredictorStats) Accuracy() float64 {
	if s.Predictions == 0 {
		return 0
	}
	return float64(s.Correct) / float64(s.Predictions) * 100
}

// PredictorChange is the predictor state a Resolve replaced.
type PredictorChange struct {
	PC      uint64
	Seen    bool
	Old     bool
	OldStat BranchPredictorStats
}

// BranchPredictor remembers the last resolved direction of every
// conditional branch site. Unseen sites predict not taken.
type BranchPredictor struct {
	last    map[uint64]bool
	penalty uint64

	// Statistics
	stats BranchPredictorStats
}

// NewBranchPredictor creates a predictor charging penalty cycles per
// misprediction.
func NewBranchPredictor(penalty uint64) *BranchPredictor {
	return &BranchPredictor{
		last:    make(map[uint64]bool),
		penalty: penalty,
	}
}

// Predict returns the predicted direction for the branch at pc without
// changing any state.
func (bp *BranchPredictor) Predict(pc uint64) bool {
	return bp.last[pc]
}

// Resolve records the actual direction of the branch at pc and returns
// the misprediction penalty in cycles, 0 when the prediction was right.
func (bp *BranchPredictor) Resolve(pc uint64, taken bool) (uint64, PredictorChange) {
	old, seen := bp.last[pc]
	change := PredictorChange{PC: pc, Seen: seen, Old: old, OldStat: bp.stats}

	bp.stats.Predictions++
	bp.last[pc] = taken

	if old == taken {
		bp.stats.Correct++
		return 0, change
	}
	bp.stats.Mispredictions++
	return bp.penalty, change
}

// Revert undoes a Resolve. An entry created by it is removed again.
func (bp *BranchPredictor) Revert(change PredictorChange) {
	if change.Seen {
		bp.last[change.PC] = change.Old
	} else {
		delete(bp.last, change.PC)
	}
	bp.stats = change.OldStat
}

// Entries returns the number of branch sites seen.
func (bp *BranchPredictor) Entries() int {
	return len(bp.last)
}

// Stats returns the branch predictor statistics.
func (bp *BranchPredictor) Stats() BranchPredictorStats {
	return bp.stats
}
