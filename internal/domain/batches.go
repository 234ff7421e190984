package domain

// SplitStars divides starsTotal into transfer-sized chunks. Full
// maxPerBatch chunks are emitted first; the final chunk holds the
// remainder. The split is deterministic and sums to starsTotal.
func SplitStars(starsTotal, maxPerBatch int) []int {
	if starsTotal <= 0 || maxPerBatch <= 0 {
		return nil
	}
	if starsTotal <= maxPerBatch {
		return []int{starsTotal}
	}

	batches := make([]int, 0, (starsTotal+maxPerBatch-1)/maxPerBatch)
	remaining := starsTotal
	for remaining > 0 {
		size := remaining
		if size > maxPerBatch {
			size = maxPerBatch
		}
		batches = append(batches, size)
		remaining -= size
	}
	return batches
}
