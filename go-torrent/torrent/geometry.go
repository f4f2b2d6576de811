package torrent

func numPieces(totalLength, pieceLength int64) int {
	if pieceLength <= 0 {
		return 0
	}
	return int((totalLength + pieceLength - 1) / pieceLength)
}

func (t *Torrent) NumPieces() int {
	return len(t.Pieces)
}

// PieceSize is PieceLength for every piece but the last, which holds the
// remainder. Out of range indices have size 0.
func (t *Torrent) PieceSize(index int) int {
	n := t.NumPieces()
	if index < 0 || index >= n {
		return 0
	}
	if index == n-1 {
		if rem := t.Length % t.PieceLength; rem != 0 {
			return int(rem)
		}
	}
	return int(t.PieceLength)
}

func (t *Torrent) PieceOffset(index int) int64 {
	return int64(index) * t.PieceLength
}

func (t *Torrent) BlockCount(index int) int {
	return (t.PieceSize(index) + BLOCK_SIZE - 1) / BLOCK_SIZE
}

func (t *Torrent) BlockSize(index, block int) int {
	count := t.BlockCount(index)
	if block < 0 || block >= count {
		return 0
	}
	if block == count-1 {
		if rem := t.PieceSize(index) % BLOCK_SIZE; rem != 0 {
			return rem
		}
	}
	return BLOCK_SIZE
}

func (t *Torrent) PieceHash(index int) [HASH_SIZE]byte {
	return t.Pieces[index]
}
