package otp

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"strings"
	"time"
)

// Default parameters used by virtually every authenticator app.
const (
	DefaultDigits    = 6
	DefaultPeriod    = 30 * time.Second
	DefaultAlgorithm = "SHA1"
)

var (
	// ErrEmptySecret is returned when no shared secret is on file.
	ErrEmptySecret = errors.New("empty totp secret")
	// ErrInvalidSecret is returned when the secret is not valid base32.
	ErrInvalidSecret = errors.New("invalid totp secret")
	// ErrUnsupportedAlgorithm is returned for hash names other than SHA1/256/512.
	ErrUnsupportedAlgorithm = errors.New("unsupported totp algorithm")
	// ErrInvalidParameters is returned by Validate for unusable digits or periods.
	ErrInvalidParameters = errors.New("invalid totp parameters")
)

// Generator derives time-based one-time codes (RFC 6238). The zero value
// uses the defaults above.
type Generator struct {
	Digits    int           `yaml:"digits" json:"digits"`
	Period    time.Duration `yaml:"period" json:"period"`
	Algorithm string        `yaml:"algorithm" json:"algorithm"`
}

func (g Generator) digits() int {
	if g.Digits <= 0 {
		return DefaultDigits
	}
	return g.Digits
}

// period falls back to the default for anything shorter than a second,
// which Validate rejects but the counter math cannot handle.
func (g Generator) period() time.Duration {
	if g.Period < time.Second {
		return DefaultPeriod
	}
	return g.Period
}

// Validate checks explicitly configured parameters; zero values mean the
// defaults and are always valid.
func (g Generator) Validate() error {
	if g.Digits != 0 && (g.Digits < 6 || g.Digits > 10) {
		return fmt.Errorf("%w: digits must be between 6 and 10, got %d", ErrInvalidParameters, g.Digits)
	}
	if g.Period != 0 && (g.Period < time.Second || g.Period%time.Second != 0) {
		return fmt.Errorf("%w: period must be a whole number of seconds, got %s", ErrInvalidParameters, g.Period)
	}
	if _, err := hmacFunc(g.Algorithm); err != nil {
		return fmt.Errorf("%w: %q", err, g.Algorithm)
	}
	return nil
}

// Window returns the effective window length.
func (g Generator) Window() time.Duration {
	return g.period()
}

// DecodeSecret normalises and decodes a base32 secret as typed by humans:
// spaces and dashes are ignored, case does not matter, padding is optional.
func DecodeSecret(secret string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '\t', '\n':
			return -1
		}
		return r
	}, strings.ToUpper(secret))
	cleaned = strings.TrimRight(cleaned, "=")
	if cleaned == "" {
		return nil, ErrEmptySecret
	}

	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return raw, nil
}

// Counter returns the time-step counter for t.
func (g Generator) Counter(t time.Time) int64 {
	return t.Unix() / int64(g.period()/time.Second)
}

// Code returns the code valid in the window containing t.
func (g Generator) Code(secret string, t time.Time) (string, error) {
	raw, err := DecodeSecret(secret)
	if err != nil {
		return "", err
	}
	return hotpCode(raw, g.Counter(t), g.digits(), g.Algorithm)
}

// Candidates returns the codes for the windows t-period, t and t+period in
// that order, with duplicates removed.
func (g Generator) Candidates(secret string, t time.Time) ([]string, error) {
	raw, err := DecodeSecret(secret)
	if err != nil {
		return nil, err
	}

	base := g.Counter(t)
	seen := make(map[string]bool, 3)
	out := make([]string, 0, 3)
	for _, step := range []int64{-1, 0, 1} {
		counter := base + step
		if counter < 0 {
			continue
		}
		code, err := hotpCode(raw, counter, g.digits(), g.Algorithm)
		if err != nil {
			return nil, err
		}
		if seen[code] {
			continue
		}
		seen[code] = true
		out = append(out, code)
	}
	return out, nil
}

// Verify reports whether code is valid at t within ±skew windows.
func (g Generator) Verify(secret, code string, t time.Time, skew int) (bool, error) {
	trimmed := strings.TrimSpace(code)
	if len(trimmed) != g.digits() {
		return false, nil
	}
	raw, err := DecodeSecret(secret)
	if err != nil {
		return false, err
	}

	base := g.Counter(t)
	for step := -skew; step <= skew; step++ {
		counter := base + int64(step)
		if counter < 0 {
			continue
		}
		generated, err := hotpCode(raw, counter, g.digits(), g.Algorithm)
		if err != nil {
			return false, err
		}
		if subtle.ConstantTimeCompare([]byte(generated), []byte(trimmed)) == 1 {
			return true, nil
		}
	}
	return false, nil
}

// NextWindow returns the start of the window after the one containing t.
func (g Generator) NextWindow(t time.Time) time.Time {
	step := int64(g.period() / time.Second)
	return time.Unix((g.Counter(t)+1)*step, 0).In(t.Location())
}

func hotpCode(secret []byte, counter int64, digits int, algorithm string) (string, error) {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	hf, err := hmacFunc(algorithm)
	if err != nil {
		return "", err
	}
	mac := hmac.New(hf, secret)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)

	mod := 1
	for i := 0; i < digits; i++ {
		mod *= 10
	}

	return fmt.Sprintf("%0*d", digits, bin%mod), nil
}

func hmacFunc(algorithm string) (func() hash.Hash, error) {
	switch strings.ToUpper(algorithm) {
	case "", "SHA1":
		return sha1.New, nil
	case "SHA256":
		return sha256.New, nil
	case "SHA512":
		return sha512.New, nil
	default:
		return nil, ErrUnsupportedAlgorithm
	}
}
