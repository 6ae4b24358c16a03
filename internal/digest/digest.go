// Package digest computes the content fingerprints used as identity and
// deduplication keys.
package digest

import (
	"crypto/sha1"
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"io"
)

// Size is the length of a Digest in bytes.
const Size = sha1.Size

// Digest is a SHA-1 fingerprint of a byte buffer or a path string.
type Digest [Size]byte

// Sum returns the digest of b.
func Sum(b []byte) Digest {
	return Digest(sha1.Sum(b))
}

// SumString returns the digest of the UTF-8 bytes of s.
func SumString(s string) Digest {
	return Sum([]byte(s))
}

// SumReader hashes everything read from r.
func SumReader(r io.Reader) (Digest, error) {
	h := sha1.New()
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, err
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}

// Parse decodes a 40 character hex string.
func Parse(s string) (Digest, error) {
	var d Digest
	if len(s) != hex.EncodedLen(Size) {
		return d, fmt.Errorf("digest: invalid length %d", len(s))
	}
	if _, err := hex.Decode(d[:], []byte(s)); err != nil {
		return d, fmt.Errorf("digest: %w", err)
	}
	return d, nil
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns the first 12 hex characters, for log lines.
func (d Digest) Short() string {
	return d.String()[:12]
}

func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Value stores the digest as lowercase hex.
func (d Digest) Value() (driver.Value, error) {
	return d.String(), nil
}

// Scan implements sql.Scanner.
func (d *Digest) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	case nil:
		*d = Digest{}
		return nil
	default:
		return fmt.Errorf("digest: cannot scan %T", src)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Digest) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
