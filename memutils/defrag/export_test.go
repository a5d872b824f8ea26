package defrag

var RankOperations = rankOperations

// ScoreChunks runs the defragger's scan stage against the provided snapshots and returns each
// chunk's score in snapshot order
func (d *Defragger) ScoreChunks(snapshots []ChunkSnapshot) []float64 {
	d.plannerMutex.Lock()
	defer d.plannerMutex.Unlock()

	chunks := d.planner.scan(snapshots)
	scores := make([]float64, len(chunks))
	for i, chunk := range chunks {
		scores[i] = chunk.score
	}
	return scores
}
