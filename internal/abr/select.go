package abr

// SelectLevel picks the video level for estimate from ascending per-level
// bandwidths, where bandwidths[0] belongs to the audio track and is ignored.
// The scan starts at level 1 and advances while the estimate is strictly
// greater than the next level's requirement, so ties stay on the lower level.
// It returns 0 when the ladder has no video level.
func SelectLevel(estimate float64, bandwidths []uint64) int {
	return SelectPlayableLevel(estimate, bandwidths, func(int) bool { return true })
}

// SelectPlayableLevel is SelectLevel over the levels for which playable
// reports true; the others are stepped over. It returns 0 when no level is
// playable.
func SelectPlayableLevel(estimate float64, bandwidths []uint64, playable func(level int) bool) int {
	level := 0
	for i := 1; i < len(bandwidths); i++ {
		if !playable(i) {
			continue
		}
		if level != 0 && estimate <= float64(bandwidths[i]) {
			break
		}
		level = i
	}
	return level
}
