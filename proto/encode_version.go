package proto

import "github.com/pkg/errors"

// The Machine payload is JSON, and JSON ignores four whitespace characters
// between tokens. Each of them can carry 2 bits, so a version number can ride
// in front of the payload without confusing a plain JSON decoder.

var crumbs = [4]byte{' ', '\t', '\r', '\n'}

// maxCrumbs is enough whitespace for any uint32.
const maxCrumbs = 16

// versionPrefix encodes version as whitespace, least significant crumb first.
// Version 0 encodes as nothing.
func versionPrefix(version uint32) []byte {
	var out []byte
	for version > 0 {
		out = append(out, crumbs[version&0x3])
		version >>= 2
	}
	return out
}

// splitVersionPrefix decodes the leading whitespace of data as a version and
// returns the remainder.
func splitVersionPrefix(data []byte) (uint32, []byte, error) {
	n := 0
	for n < len(data) && isJSONWhitespace(data[n]) {
		n++
	}
	if n > maxCrumbs {
		return 0, nil, errors.Errorf("version prefix too long: %d bytes", n)
	}
	var version uint32
	for i := n - 1; i >= 0; i-- {
		version = version<<2 | uint32(crumbValue(data[i]))
	}
	return version, data[n:], nil
}

func crumbValue(c byte) byte {
	for i, w := range crumbs {
		if w == c {
			return byte(i)
		}
	}
	panic("not a crumb")
}

func isJSONWhitespace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}
