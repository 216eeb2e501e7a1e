// Package version implements the "seconds:nanoseconds" resource version
// tokens used for update ordering and paging cursors, plus API version
// strings such as "v1.3".
package version

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformed is returned when a token cannot be parsed.
var ErrMalformed = errors.New("malformed version")

// Version is a TAI timestamp with nanosecond precision.
type Version struct {
	Seconds uint64
	Nanos   uint64
}

// Zero is the lowest possible version ("0:0").
var Zero = Version{}

// Parse reads a "seconds:nanoseconds" token.
func Parse(s string) (Version, error) {
	secs, nanos, ok := strings.Cut(s, ":")
	if !ok || secs == "" || nanos == "" {
		return Version{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	sec, err := strconv.ParseUint(secs, 10, 64)
	if err != nil {
		return Version{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	ns, err := strconv.ParseUint(nanos, 10, 64)
	if err != nil || ns >= 1e9 {
		return Version{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	return Version{Seconds: sec, Nanos: ns}, nil
}

// MustParse is like Parse but panics on malformed input.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String formats the version as "seconds:nanoseconds".
func (v Version) String() string {
	return strconv.FormatUint(v.Seconds, 10) + ":" + strconv.FormatUint(v.Nanos, 10)
}

// Compare returns -1, 0 or +1 comparing seconds first, then nanoseconds.
func Compare(a, b Version) int {
	switch {
	case a.Seconds < b.Seconds:
		return -1
	case a.Seconds > b.Seconds:
		return 1
	case a.Nanos < b.Nanos:
		return -1
	case a.Nanos > b.Nanos:
		return 1
	}
	return 0
}

// Less reports whether v sorts before o.
func (v Version) Less(o Version) bool {
	return Compare(v, o) < 0
}

// CompareStrings parses both tokens and compares them.
func CompareStrings(a, b string) (int, error) {
	va, err := Parse(a)
	if err != nil {
		return 0, err
	}
	vb, err := Parse(b)
	if err != nil {
		return 0, err
	}
	return Compare(va, vb), nil
}

// utcLeap maps UTC seconds to (TAI seconds - 1) at each leap second, newest
// first. Values are Unix epoch seconds.
var utcLeap = [][2]int64{
	{1483228800, 1483228836}, // 1 Jan 2017, 37 leap seconds
	{1435708800, 1435708835}, // 1 Jul 2015
	{1341100800, 1341100834}, // 1 Jul 2012
	{1230768000, 1230768033}, // 1 Jan 2009
	{1136073600, 1136073632}, // 1 Jan 2006
	{915148800, 915148831},   // 1 Jan 1999
	{867715200, 867715230},   // 1 Jul 1997
	{820454400, 820454429},   // 1 Jan 1996
	{773020800, 773020828},   // 1 Jul 1994
	{741484800, 741484827},   // 1 Jul 1993
	{709948800, 709948826},   // 1 Jul 1992
	{662688000, 662688025},   // 1 Jan 1991
	{631152000, 631152024},   // 1 Jan 1990
	{567993600, 567993623},   // 1 Jan 1988
	{489024000, 489024022},   // 1 Jul 1985
	{425865600, 425865621},   // 1 Jul 1983
	{394329600, 394329620},   // 1 Jul 1982
	{362793600, 362793619},   // 1 Jul 1981
	{315532800, 315532818},   // 1 Jan 1980
	{283996800, 283996817},   // 1 Jan 1979
	{252460800, 252460816},   // 1 Jan 1978
	{220924800, 220924815},   // 1 Jan 1977
	{189302400, 189302414},   // 1 Jan 1976
	{157766400, 157766413},   // 1 Jan 1975
	{126230400, 126230412},   // 1 Jan 1974
	{94694400, 94694411},     // 1 Jan 1973
	{78796800, 78796810},     // 1 Jul 1972
	{63072000, 63072009},     // 1 Jan 1972
}

// FromTime converts a UTC wall-clock time into a TAI version.
func FromTime(t time.Time) Version {
	secs := t.Unix()
	var leap int64
	for _, row := range utcLeap {
		if secs >= row[0] {
			leap = (row[1] + 1) - row[0]
			break
		}
	}
	if secs < 0 {
		return Zero
	}
	return Version{Seconds: uint64(secs + leap), Nanos: uint64(t.Nanosecond())}
}

// Now returns the current TAI time as a version. It is the default upper
// bound for paging queries.
func Now() Version {
	return FromTime(time.Now())
}
