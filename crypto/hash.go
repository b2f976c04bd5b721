package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/types"
)

// Info labels for seed derivation
var (
	ringSeedInfo = []byte("ringbus/ring-seed/v1")
	keySeedInfo  = []byte("ringbus/surrogate-key/v1")
)

// Hash256 computes SHA-256 hash of data
func Hash256(data []byte) types.Hash {
	return sha256.Sum256(data)
}

// HashConcat computes hash of concatenated byte slices
func HashConcat(parts ...[]byte) types.Hash {
	h := sha256.New()
	for _, part := range parts {
		h.Write(part)
	}
	var hash types.Hash
	copy(hash[:], h.Sum(nil))
	return hash
}

// HashUint64 computes hash of a uint64
func HashUint64(n uint64) types.Hash {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return Hash256(buf)
}

// CombineHashes combines multiple hashes into one
func CombineHashes(hashes ...types.Hash) types.Hash {
	h := sha256.New()
	for _, hash := range hashes {
		h.Write(hash[:])
	}
	var result types.Hash
	copy(result[:], h.Sum(nil))
	return result
}

// MerkleRoot computes the Merkle root of a list of hashes
func MerkleRoot(hashes []types.Hash) types.Hash {
	if len(hashes) == 0 {
		return types.EmptyHash
	}
	if len(hashes) == 1 {
		return hashes[0]
	}

	current := make([]types.Hash, len(hashes))
	copy(current, hashes)

	for len(current) > 1 {
		if len(current)%2 == 1 {
			current = append(current, current[len(current)-1])
		}
		next := make([]types.Hash, len(current)/2)
		for i := range next {
			next[i] = CombineHashes(current[i*2], current[i*2+1])
		}
		current = next
	}

	return current[0]
}

// BatchRoot commits to the requests released at one exit
func BatchRoot(batch []*types.PaymentRequest) types.Hash {
	hashes := make([]types.Hash, len(batch))
	for i, req := range batch {
		hashes[i] = req.Hash()
	}
	return MerkleRoot(hashes)
}

// HashToHex converts a hash to hex string
func HashToHex(hash types.Hash) string {
	return hex.EncodeToString(hash[:])
}

// HexToHash converts a hex string to hash
func HexToHash(s string) (types.Hash, error) {
	var hash types.Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return hash, err
	}
	if len(b) != 32 {
		return hash, ErrInvalidSeed
	}
	copy(hash[:], b)
	return hash, nil
}

// CampaignSeed expands an integer campaign seed into the 32-byte value that
// stands in for a future block hash
func CampaignSeed(seed int64) types.Hash {
	return HashUint64(uint64(seed))
}

// DeriveSeed derives an independent 32-byte seed for one ring from the
// campaign seed; rings never share generator state
func DeriveSeed(master types.Hash, ringID int) types.Hash {
	salt := make([]byte, 8)
	binary.BigEndian.PutUint64(salt, uint64(ringID))
	return expand(master[:], salt, ringSeedInfo)
}

// DeriveKeySeed derives the seed of one user's surrogate key
func DeriveKeySeed(ringSeed types.Hash, user types.UserID) types.Hash {
	salt := make([]byte, 8)
	binary.BigEndian.PutUint64(salt, uint64(user))
	return expand(ringSeed[:], salt, keySeedInfo)
}

func expand(secret, salt, info []byte) types.Hash {
	var out types.Hash
	r := hkdf.New(sha256.New, secret, salt, info)
	if _, err := io.ReadFull(r, out[:]); err != nil {
		// hkdf only fails past 255*HashLen bytes
		panic(err)
	}
	return out
}

// SeedWords splits a 32-byte seed into the two words a PCG generator takes
func SeedWords(seed types.Hash) (uint64, uint64) {
	return binary.BigEndian.Uint64(seed[0:8]) ^ binary.BigEndian.Uint64(seed[16:24]),
		binary.BigEndian.Uint64(seed[8:16]) ^ binary.BigEndian.Uint64(seed[24:32])
}
