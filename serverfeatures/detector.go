// Package serverfeatures parses the server_version and
// standard_conforming_strings ParameterStatus values a Connector receives
// during startup into a set of capability flags, so higher layers never
// need to string-compare a raw version themselves (spec.md §4.6).
package serverfeatures

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a parsed PostgreSQL server_version, down to major.minor.patch.
// A component missing from the string (e.g. "10" vs "9.6.1") is zero.
type Version struct {
	Major, Minor, Patch int
}

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater than
// other, comparing Major/Minor/Patch in turn.
func (v Version) Compare(other Version) int {
	if v.Major != other.Major {
		return cmpInt(v.Major, other.Major)
	}
	if v.Minor != other.Minor {
		return cmpInt(v.Minor, other.Minor)
	}
	return cmpInt(v.Patch, other.Patch)
}

func (v Version) atLeast(other Version) bool { return v.Compare(other) >= 0 }
func (v Version) less(other Version) bool    { return v.Compare(other) < 0 }

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// ParseVersion trims raw to its leading `[0-9.]+` run (server_version may
// carry a suffix such as "9.6.1 (Debian 9.6.1-1)") and parses up to three
// dot-separated components.
func ParseVersion(raw string) (Version, error) {
	end := 0
	for end < len(raw) && (raw[end] == '.' || (raw[end] >= '0' && raw[end] <= '9')) {
		end++
	}
	run := raw[:end]
	if run == "" {
		return Version{}, fmt.Errorf("serverfeatures: no version number found in %q", raw)
	}

	parts := strings.Split(run, ".")
	nums := make([]int, 0, 3)
	for _, p := range parts {
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return Version{}, fmt.Errorf("serverfeatures: invalid version component %q in %q: %w", p, raw, err)
		}
		nums = append(nums, n)
	}
	v := Version{}
	if len(nums) > 0 {
		v.Major = nums[0]
	}
	if len(nums) > 1 {
		v.Minor = nums[1]
	}
	if len(nums) > 2 {
		v.Patch = nums[2]
	}
	return v, nil
}

// Features is the set of capability flags derived from a server's reported
// version and standard_conforming_strings setting.
type Features struct {
	ServerVersion Version

	SupportsSavepoint              bool
	SupportsExtraFloatDigits       bool
	SupportsExtraFloatDigits3      bool
	SupportsApplicationName        bool
	SupportsDiscard                bool
	SupportsSSLRenegotiationLimit  bool
	SupportsEStringPrefix          bool
	SupportsHexByteFormat          bool
	SupportsRangeTypes             bool

	// UseConformantStrings tracks standard_conforming_strings (on/off);
	// absent entirely on servers old enough not to send it, in which case
	// it defaults to false (escape-string semantics).
	UseConformantStrings bool
}

var (
	v7_4  = Version{7, 4, 0}
	v8_0  = Version{8, 0, 0}
	v8_1  = Version{8, 1, 0}
	v8_3  = Version{8, 3, 0}
	v8_4_3 = Version{8, 4, 3}
	v9_0  = Version{9, 0, 0}
	v9_0_4 = Version{9, 0, 4}
	v9_1  = Version{9, 1, 0}
	v9_2  = Version{9, 2, 0}
)

// Detect parses serverVersion and computes the capability set. Callers
// update UseConformantStrings separately via SetConformantStrings whenever
// standard_conforming_strings arrives (it may change, in principle, on a
// RESET or role change mid-session, unlike server_version).
func Detect(serverVersion string) (*Features, error) {
	v, err := ParseVersion(serverVersion)
	if err != nil {
		return nil, err
	}

	f := &Features{ServerVersion: v}
	f.SupportsSavepoint = v.atLeast(v8_0)
	f.SupportsExtraFloatDigits = v.atLeast(v7_4)
	f.SupportsExtraFloatDigits3 = v.atLeast(v9_0)
	f.SupportsApplicationName = v.atLeast(v9_0)
	f.SupportsDiscard = v.atLeast(v8_3)
	f.SupportsSSLRenegotiationLimit = (v.atLeast(v8_4_3) && v.less(v9_0)) ||
		(v.atLeast(v9_0_4) && v.less(v9_1)) ||
		v.atLeast(v9_1)
	f.SupportsEStringPrefix = v.atLeast(v8_1)
	f.SupportsHexByteFormat = v.atLeast(v9_0)
	f.SupportsRangeTypes = v.atLeast(v9_2)
	return f, nil
}

// SetConformantStrings updates UseConformantStrings from a
// standard_conforming_strings ParameterStatus value ("on" or "off").
func (f *Features) SetConformantStrings(value string) {
	f.UseConformantStrings = value == "on"
}
