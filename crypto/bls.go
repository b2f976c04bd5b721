// Package crypto provides the primitives behind surrogate identities: BLS12-381
// surrogate keys that sign payment requests, seed derivation for per-ring
// generators, and the seeded shuffle used by ring formation.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"math/big"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"

	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/types"
)

var (
	// ErrInvalidSignature is returned when signature verification fails
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrInvalidPublicKey is returned when a public key is invalid
	ErrInvalidPublicKey = errors.New("invalid public key")

	// ErrHashToCurveFailed is returned when hash-to-curve operation fails
	ErrHashToCurveFailed = errors.New("hash-to-curve operation failed")

	// Domain separation tag for request signatures
	dst = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_RINGBUS")
)

// SurrogateKeyPair is the pseudonymous key pair a user signs requests with
type SurrogateKeyPair struct {
	SecretKey types.SecretKey
	PublicKey types.PublicKey
}

// G1Generator returns the generator point for G1
func G1Generator() bls12381.G1Affine {
	_, _, g1, _ := bls12381.Generators()
	return g1
}

// GenerateSurrogateKeyPair generates a fresh surrogate key pair
func GenerateSurrogateKeyPair() (*SurrogateKeyPair, error) {
	return GenerateSurrogateKeyPairWithReader(rand.Reader)
}

// GenerateSurrogateKeyPairWithReader generates a surrogate key pair from a
// specific random source; a seeded reader makes the population reproducible
func GenerateSurrogateKeyPairWithReader(reader io.Reader) (*SurrogateKeyPair, error) {
	var skBytes [32]byte
	if _, err := io.ReadFull(reader, skBytes[:]); err != nil {
		return nil, err
	}
	var sk fr.Element
	sk.SetBytes(skBytes[:])
	return keyPairFromScalar(sk), nil
}

// GenerateDeterministicKeyPair generates a deterministic key pair from a seed
func GenerateDeterministicKeyPair(seed []byte) *SurrogateKeyPair {
	h := sha256.Sum256(seed)

	var sk fr.Element
	sk.SetBytes(h[:])
	return keyPairFromScalar(sk)
}

// GenerateNKeyPairs generates n key pairs deterministically for testing
func GenerateNKeyPairs(n int) []*SurrogateKeyPair {
	pairs := make([]*SurrogateKeyPair, n)
	for i := 0; i < n; i++ {
		seed := make([]byte, 8)
		binary.BigEndian.PutUint64(seed, uint64(i))
		pairs[i] = GenerateDeterministicKeyPair(seed)
	}
	return pairs
}

func keyPairFromScalar(sk fr.Element) *SurrogateKeyPair {
	// pk = sk * G1
	g1 := G1Generator()
	var pk bls12381.G1Affine
	pk.ScalarMultiplication(&g1, sk.BigInt(new(big.Int)))

	var secretKey types.SecretKey
	skBytes := sk.Bytes()
	copy(secretKey[:], skBytes[:])

	var publicKey types.PublicKey
	pkBytes := pk.Bytes()
	copy(publicKey[:], pkBytes[:])

	return &SurrogateKeyPair{
		SecretKey: secretKey,
		PublicKey: publicKey,
	}
}

// secretKeyToScalar converts our SecretKey type to fr.Element
func secretKeyToScalar(sk types.SecretKey) fr.Element {
	var scalar fr.Element
	scalar.SetBytes(sk[:])
	return scalar
}

// publicKeyToG1 converts our PublicKey type to G1Affine
func publicKeyToG1(pk types.PublicKey) (bls12381.G1Affine, error) {
	var g1 bls12381.G1Affine
	if _, err := g1.SetBytes(pk[:]); err != nil {
		return g1, ErrInvalidPublicKey
	}
	return g1, nil
}

// signatureToG2 converts our Signature type to G2Affine
func signatureToG2(sig types.Signature) (bls12381.G2Affine, error) {
	var g2 bls12381.G2Affine
	if _, err := g2.SetBytes(sig[:]); err != nil {
		return g2, ErrInvalidSignature
	}
	return g2, nil
}

func hashToG2(message []byte) (bls12381.G2Affine, error) {
	point, err := bls12381.HashToG2(message, dst)
	if err != nil {
		return bls12381.G2Affine{}, ErrHashToCurveFailed
	}
	return point, nil
}

// Sign signs a message: sig = sk * H(message) with H mapping to G2
func Sign(sk types.SecretKey, message []byte) (types.Signature, error) {
	scalar := secretKeyToScalar(sk)

	msgPoint, err := hashToG2(message)
	if err != nil {
		return types.Signature{}, err
	}

	var sig bls12381.G2Affine
	sig.ScalarMultiplication(&msgPoint, scalar.BigInt(new(big.Int)))

	var signature types.Signature
	sigBytes := sig.Bytes()
	copy(signature[:], sigBytes[:])
	return signature, nil
}

// Verify checks e(pk, H(msg)) == e(G1, sig)
func Verify(pk types.PublicKey, message []byte, sig types.Signature) bool {
	if sig == (types.Signature{}) {
		return false
	}

	pkPoint, err := publicKeyToG1(pk)
	if err != nil {
		return false
	}
	sigPoint, err := signatureToG2(sig)
	if err != nil {
		return false
	}
	msgPoint, err := hashToG2(message)
	if err != nil {
		return false
	}

	g1 := G1Generator()
	var g1Neg bls12381.G1Affine
	g1Neg.Neg(&g1)

	// e(pk, H(msg)) * e(-G1, sig) == 1
	ok, err := bls12381.PairingCheck(
		[]bls12381.G1Affine{pkPoint, g1Neg},
		[]bls12381.G2Affine{msgPoint, sigPoint},
	)
	if err != nil {
		return false
	}
	return ok
}

// SignRequest binds a payment request to the originator's surrogate key
func SignRequest(sk types.SecretKey, req *types.PaymentRequest) error {
	sig, err := Sign(sk, req.SigningMessage())
	if err != nil {
		return err
	}
	req.Signature = sig
	return nil
}

// VerifyRequest checks the request signature against its surrogate key
func VerifyRequest(req *types.PaymentRequest) bool {
	return Verify(req.SurrogateKey, req.SigningMessage(), req.Signature)
}

// PublicKeyFromSecret derives a public key from a secret key
func PublicKeyFromSecret(sk types.SecretKey) types.PublicKey {
	return keyPairFromScalar(secretKeyToScalar(sk)).PublicKey
}
