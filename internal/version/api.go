package version

import (
	"fmt"
	"strconv"
	"strings"
)

// API is an NMOS API version such as v1.3.
type API struct {
	Major int
	Minor int
}

// Known IS-04 API versions, oldest first.
var (
	V1_0 = API{1, 0}
	V1_1 = API{1, 1}
	V1_2 = API{1, 2}
	V1_3 = API{1, 3}
)

// PagingSince is the first Query API version that implements paging.
var PagingSince = V1_3

// ParseAPI reads a "vMAJOR.MINOR" string.
func ParseAPI(s string) (API, error) {
	major, minor, ok := strings.Cut(strings.TrimPrefix(s, "v"), ".")
	if !ok || !strings.HasPrefix(s, "v") {
		return API{}, fmt.Errorf("%w: api version %q", ErrMalformed, s)
	}
	ma, err := strconv.Atoi(major)
	if err != nil || ma < 0 {
		return API{}, fmt.Errorf("%w: api version %q", ErrMalformed, s)
	}
	mi, err := strconv.Atoi(minor)
	if err != nil || mi < 0 {
		return API{}, fmt.Errorf("%w: api version %q", ErrMalformed, s)
	}
	return API{Major: ma, Minor: mi}, nil
}

func (a API) String() string {
	return fmt.Sprintf("v%d.%d", a.Major, a.Minor)
}

// CompareAPI returns -1, 0 or +1.
func CompareAPI(a, b API) int {
	switch {
	case a.Major != b.Major:
		if a.Major < b.Major {
			return -1
		}
		return 1
	case a.Minor < b.Minor:
		return -1
	case a.Minor > b.Minor:
		return 1
	}
	return 0
}

// AtLeast reports whether a >= b.
func (a API) AtLeast(b API) bool {
	return CompareAPI(a, b) >= 0
}
