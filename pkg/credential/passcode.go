package credential

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	sha256 "github.com/minio/sha256-simd"
)

// Passcode constants.
const (
	// PasscodeLength is the number of digits in a passcode.
	PasscodeLength = 6

	// PasscodeMax is the maximum passcode value (999999).
	PasscodeMax = 999999

	// HashLength is the length of a hex-encoded passcode hash.
	HashLength = sha256.Size * 2
)

// Passcode errors.
var (
	ErrInvalidPasscode = errors.New("invalid passcode")
	ErrInvalidHash     = errors.New("invalid passcode hash")
)

// Passcode is a 6-digit numeric passcode.
type Passcode uint32

// GeneratePasscode generates a random passcode.
func GeneratePasscode() (Passcode, error) {
	max := big.NewInt(PasscodeMax + 1)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return 0, fmt.Errorf("failed to generate random passcode: %w", err)
	}
	return Passcode(n.Uint64()), nil
}

// ParsePasscode parses a 6-digit string into a Passcode.
func ParsePasscode(s string) (Passcode, error) {
	s = strings.TrimSpace(s)
	if len(s) != PasscodeLength {
		return 0, fmt.Errorf("%w: must be %d digits", ErrInvalidPasscode, PasscodeLength)
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: non-digit %q", ErrInvalidPasscode, c)
		}
	}

	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPasscode, err)
	}
	return Passcode(n), nil
}

// String returns the passcode as a 6-digit string with leading zeros.
func (p Passcode) String() string {
	return fmt.Sprintf("%06d", uint32(p))
}

// Validate checks if the passcode is in range.
func (p Passcode) Validate() error {
	if p > PasscodeMax {
		return fmt.Errorf("%w: exceeds maximum value", ErrInvalidPasscode)
	}
	return nil
}

// Hash returns the transmittable digest of the passcode.
func (p Passcode) Hash() string {
	return HashPasscode(p.String())
}

// HashPasscode returns the hex-encoded SHA-256 digest of a passcode string.
// This is the only form of the passcode that is ever sent to the relay.
func HashPasscode(passcode string) string {
	sum := sha256.Sum256([]byte(passcode))
	return hex.EncodeToString(sum[:])
}

// VerifyPasscode reports whether passcode matches the given hex digest.
// The comparison is constant time.
func VerifyPasscode(passcode, hash string) bool {
	want, err := hex.DecodeString(strings.ToLower(hash))
	if err != nil || len(want) != sha256.Size {
		return false
	}
	got := sha256.Sum256([]byte(passcode))
	return subtle.ConstantTimeCompare(got[:], want) == 1
}

// ValidateHash checks that hash looks like a passcode digest.
func ValidateHash(hash string) error {
	if len(hash) != HashLength {
		return fmt.Errorf("%w: want %d hex characters, got %d", ErrInvalidHash, HashLength, len(hash))
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	return nil
}
