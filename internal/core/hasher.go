package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "LotLedger:genesis:v1"

// StateHasher chains a hash over every emitted event.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: GenesisHash(),
	}
}

// GenesisHash is the chain tip before the first event.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
// and advances the tip.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hash := chainHash(h.prevHash, sequence, stateDigest)
	h.prevHash = hash
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash moves the tip, used when restoring from a snapshot.
func (h *StateHasher) SetPrevHash(tip [32]byte) {
	h.prevHash = tip
}

func chainHash(prev [32]byte, sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(prev[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}
