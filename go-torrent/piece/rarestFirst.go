package piece

import (
	"math/rand"
	"sort"
)

var jitter = func() float64 {
	return rand.Float64() * 0.1
}

// RarestFirst returns the unverified pieces in the order they should be
// requested. Each piece scores its block progress (0 once every block is
// acquired, so it is not selected again), plus rarity, the fraction of peers
// lacking it, plus a small random jitter.
func RarestFirst(st Store, rarity func(pieceIndex int) float64) []int {
	type candidate struct {
		piece int
		score float64
	}
	candidates := []candidate{}
	for i := 0; i < st.Torrent().NumPieces(); i++ {
		if st.IsVerified(i) {
			continue
		}
		progress := st.BlockProgress(i)
		if progress >= 1 {
			progress = 0
		}
		candidates = append(candidates, candidate{piece: i, score: progress + rarity(i) + jitter()})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	pieces := make([]int, len(candidates))
	for i, c := range candidates {
		pieces[i] = c.piece
	}
	return pieces
}
