package core

import (
	"crypto/sha256"
	"encoding/binary"
)

// StateHasher chains SHA-256 digests over committed state. The chain tip
// starts at the zero hash, so the first envelope carries an all-zero
// PrevHash; each commit then produces hash(prev || sequence || state digest).
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{}
}

// ComputeHash advances the chain by one envelope and returns the new tip.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	buf := make([]byte, 0, len(h.prevHash)+8+len(stateDigest))
	buf = append(buf, h.prevHash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(sequence))
	buf = append(buf, stateDigest...)

	h.prevHash = sha256.Sum256(buf)
	return h.prevHash
}

func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash restores the chain tip, from a snapshot or a replayed envelope.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}
