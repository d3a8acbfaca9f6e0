// Package hashid implements the identity hash codec: a reversible mapping
// from internal document ids to opaque public hashes, salted per document type.
package hashid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	"regexp"

	"github.com/clinicdesk/backend/internal/domain/numbering"
	"github.com/clinicdesk/backend/internal/domain/shared"
	"github.com/speps/go-hashids/v2"
)

const (
	// DefaultMinLength is the minimum hash length
	DefaultMinLength = 20

	// tokenBytes random bytes give a 30-char hex token
	tokenBytes = 15
)

var opaqueTokenPattern = regexp.MustCompile(`^[0-9a-f]{30}$`)

// Config configures the codec
type Config struct {
	Salt      string
	MinLength int
}

// Codec encodes and decodes document ids, one hashids instance per type
type Codec struct {
	byType map[numbering.DocumentType]*hashids.HashID
}

// NewCodec builds a codec with a distinct salt context per document type
func NewCodec(cfg Config) (*Codec, error) {
	minLength := cfg.MinLength
	if minLength <= 0 {
		minLength = DefaultMinLength
	}
	c := &Codec{byType: make(map[numbering.DocumentType]*hashids.HashID)}
	for _, t := range numbering.AllDocumentTypes() {
		hd := hashids.NewData()
		hd.Salt = cfg.Salt + ":" + string(t)
		hd.MinLength = minLength
		h, err := hashids.NewWithData(hd)
		if err != nil {
			return nil, fmt.Errorf("failed to build hash codec for %s: %w", t, err)
		}
		c.byType[t] = h
	}
	return c, nil
}

// Encode returns the deterministic hash of id within docType
func (c *Codec) Encode(docType numbering.DocumentType, id uint64) (string, error) {
	h, err := c.instance(docType)
	if err != nil {
		return "", err
	}
	if id > math.MaxInt64 {
		return "", fmt.Errorf("%w: id %d out of range", shared.ErrInvalidInput, id)
	}
	hash, err := h.EncodeInt64([]int64{int64(id)})
	if err != nil {
		return "", fmt.Errorf("failed to encode id %d: %w", id, err)
	}
	return hash, nil
}

// Decode returns the id a hash encodes. The decoded value must be a single
// non-negative number that re-encodes to exactly the input.
func (c *Codec) Decode(docType numbering.DocumentType, hash string) (uint64, error) {
	h, err := c.instance(docType)
	if err != nil {
		return 0, err
	}
	if hash == "" {
		return 0, fmt.Errorf("%w: empty hash", shared.ErrDecodeFailure)
	}
	numbers, err := h.DecodeInt64WithError(hash)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", shared.ErrDecodeFailure, err)
	}
	if len(numbers) != 1 || numbers[0] < 0 {
		return 0, fmt.Errorf("%w: hash %q does not encode a single id", shared.ErrDecodeFailure, hash)
	}
	again, err := h.EncodeInt64(numbers)
	if err != nil || again != hash {
		return 0, fmt.Errorf("%w: hash %q does not round-trip", shared.ErrDecodeFailure, hash)
	}
	return uint64(numbers[0]), nil
}

// Verify checks that hash decodes to ownerID
func (c *Codec) Verify(docType numbering.DocumentType, hash string, ownerID uint64) error {
	return numbering.VerifyHash(c, docType, hash, ownerID)
}

// RandomToken returns a fresh 30-char lowercase hex token. Tokens are not
// reversible and are only used when the deterministic hash is taken.
func (c *Codec) RandomToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// IsOpaqueToken reports whether hash has the random token format
func (c *Codec) IsOpaqueToken(hash string) bool {
	return opaqueTokenPattern.MatchString(hash)
}

func (c *Codec) instance(docType numbering.DocumentType) (*hashids.HashID, error) {
	h, ok := c.byType[docType]
	if !ok {
		return nil, fmt.Errorf("%w: unknown document type %q", shared.ErrInvalidInput, docType)
	}
	return h, nil
}

var _ numbering.HashVerifier = (*Codec)(nil)
