package version

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrInvalidValue = errors.New("invalid version")
	ErrNoVersion    = errors.New("no version found")
)

var (
	versionRe = regexp.MustCompile(`^(\d+)(?:\.(\d+))?(?:\.(\d+))?$`)
	bannerRe  = regexp.MustCompile(`(?i)version\s+(\d+(?:\.\d+){0,2})`)
)

// Version is a qemu release number.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Micro int `json:"micro"`
}

// Parse accepts "X", "X.Y" and "X.Y.Z". Missing parts are zero.
func Parse(s string) (*Version, error) {
	m := versionRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidValue, s)
	}

	var parts [3]int

	for i, x := range m[1:] {
		if x == "" {
			continue
		}
		n, err := strconv.Atoi(x)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %s", ErrInvalidValue, s, err)
		}
		parts[i] = n
	}

	return &Version{Major: parts[0], Minor: parts[1], Micro: parts[2]}, nil
}

// MustParse is like Parse but returns a zero version on error.
func MustParse(s string) *Version {
	v, err := Parse(s)
	if err != nil {
		return &Version{}
	}

	return v
}

// FromBanner extracts the version from the output of "qemu -version",
// e.g. "QEMU emulator version 6.2.0 (Debian 1:6.2+dfsg-2ubuntu6)".
func FromBanner(banner string) (*Version, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(banner), "\n")

	m := bannerRe.FindStringSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoVersion, line)
	}

	return Parse(m[1])
}

func (v Version) Int() int {
	return v.Major*10000 + v.Minor*100 + v.Micro
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Micro)
}

// AtLeast reports whether v is the same as or newer than the given version string.
func (v Version) AtLeast(s string) bool {
	o, err := Parse(s)
	if err != nil {
		return false
	}

	return v.Int() >= o.Int()
}
