package catalog

import (
	"errors"
	"fmt"
	"strconv"
)

// Kind prefixes used in short identifiers.
const (
	prefixExecutable = 'A'
	prefixStatic     = 'B'
)

// ErrBadShortID reports a malformed short identifier.
var ErrBadShortID = errors.New("malformed short id")

// ShortID is a compact display identifier: a kind prefix followed by a
// per-kind sequence number, e.g. "A001" or "B042".
type ShortID struct {
	Kind Kind
	Seq  int
}

// NewShortID builds a ShortID for the given kind and sequence.
func NewShortID(kind Kind, seq int) (ShortID, error) {
	if !kind.Valid() {
		return ShortID{}, fmt.Errorf("short id: unknown kind %q", kind)
	}
	if seq <= 0 {
		return ShortID{}, fmt.Errorf("short id: sequence must be > 0, got %d", seq)
	}
	return ShortID{Kind: kind, Seq: seq}, nil
}

// ParseShortID parses a display identifier like "A001".
func ParseShortID(s string) (ShortID, error) {
	if len(s) < 2 {
		return ShortID{}, fmt.Errorf("%w: %q", ErrBadShortID, s)
	}
	var kind Kind
	switch s[0] {
	case prefixExecutable:
		kind = KindExecutable
	case prefixStatic:
		kind = KindStatic
	default:
		return ShortID{}, fmt.Errorf("%w: unknown prefix in %q", ErrBadShortID, s)
	}
	seq, err := strconv.Atoi(s[1:])
	if err != nil || seq <= 0 {
		return ShortID{}, fmt.Errorf("%w: bad sequence in %q", ErrBadShortID, s)
	}
	return ShortID{Kind: kind, Seq: seq}, nil
}

func (id ShortID) prefix() byte {
	if id.Kind == KindExecutable {
		return prefixExecutable
	}
	return prefixStatic
}

// String renders the display form with a 3-digit zero-padded sequence.
// Sequences above 999 widen naturally and stay parseable.
func (id ShortID) String() string {
	return fmt.Sprintf("%c%03d", id.prefix(), id.Seq)
}

// ImageFileName renders the preview image name with a 5-digit sequence,
// e.g. "A00001.png".
func (id ShortID) ImageFileName() string {
	return fmt.Sprintf("%c%05d.png", id.prefix(), id.Seq)
}

// IsZero reports whether the identifier is unset.
func (id ShortID) IsZero() bool {
	return id.Kind == "" && id.Seq == 0
}

// MarshalText implements encoding.TextMarshaler so entries serialize the
// display form in JSON.
func (id ShortID) MarshalText() ([]byte, error) {
	if id.IsZero() {
		return []byte(""), nil
	}
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ShortID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*id = ShortID{}
		return nil
	}
	parsed, err := ParseShortID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
