package services

import (
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"
	"ticket-mint/internal/status"

	"github.com/zeebo/blake3"
)

var (
	identityPattern = regexp.MustCompile(`^[0-9]{12}$`)
	addressPattern  = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	hexDigest       = regexp.MustCompile(`^[a-fA-F0-9]{32,128}$`)
)

// Recognized image reference schemes. The part after the prefix is opaque.
var imageSchemes = []string{"ipfs://", "ar://", "https://", "blake3:", "sha256:"}

// ValidateIdentity accepts exactly twelve ASCII digits.
func ValidateIdentity(id string) error {
	if !identityPattern.MatchString(id) {
		return fmt.Errorf("%w: identity must be exactly 12 digits", status.ErrInvalidFormat)
	}
	return nil
}

// ValidateImageHash accepts a bare hex digest or a reference with one of the
// recognized scheme prefixes followed by a non-empty body.
func ValidateImageHash(hash string) error {
	if hash == "" {
		return fmt.Errorf("%w: image hash is empty", status.ErrInvalidFormat)
	}
	if strings.ContainsAny(hash, " \t\r\n") {
		return fmt.Errorf("%w: image hash contains whitespace", status.ErrInvalidFormat)
	}
	if hexDigest.MatchString(hash) {
		return nil
	}

	lower := strings.ToLower(hash)
	for _, scheme := range imageSchemes {
		if strings.HasPrefix(lower, scheme) {
			if len(hash) == len(scheme) {
				return fmt.Errorf("%w: image reference %q has no body", status.ErrInvalidFormat, scheme)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: unrecognized image hash scheme", status.ErrInvalidFormat)
}

// ValidateAddress checks a wallet address and returns it lower-cased.
func ValidateAddress(address string) (string, error) {
	if !addressPattern.MatchString(address) {
		return "", fmt.Errorf("%w: address must be 0x followed by 40 hex digits", status.ErrInvalidFormat)
	}
	return strings.ToLower(address), nil
}

// HashImage hashes picture bytes into a blake3 image reference.
func HashImage(r io.Reader) (string, error) {
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", fmt.Errorf("hash image: %w", err)
	}
	if n == 0 {
		return "", fmt.Errorf("%w: image is empty", status.ErrInvalidFormat)
	}
	return "blake3:" + hex.EncodeToString(h.Sum(nil)), nil
}
