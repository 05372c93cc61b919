package crypto

import (
	"encoding/binary"
)

const labelStoreKey = "mercury:store:v1"

// BuildAAD binds a sealed record to the store it belongs to and the record
// kind inside it.
func BuildAAD(kind string, owner []byte) []byte {
	kindBytes := []byte(kind)
	buf := make([]byte, 0, 2+len(kindBytes)+2+len(owner))
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(kindBytes)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, kindBytes...)
	binary.BigEndian.PutUint16(tmp[:], uint16(len(owner)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, owner...)
	return buf
}

// StoreKey derives the sealing key of a local store from the owner's seed.
func StoreKey(seed []byte) []byte {
	return KDF(labelStoreKey, seed)
}
