package model

import (
	"strconv"
	"strings"
)

// Segment identifies one exchange/market combination with its own token
// numbering space. Numeric values match the vendor API codes, which are the
// same codes carried on the UDP feeds and in the contract master.
type Segment int

const (
	SegUnknown Segment = 0
	SegNSECM   Segment = 1  // NSE Cash Market
	SegNSEFO   Segment = 2  // NSE Futures & Options
	SegNSECD   Segment = 3  // NSE Currency Derivatives
	SegBSECM   Segment = 11 // BSE Cash Market
	SegBSEFO   Segment = 12 // BSE Futures & Options
)

// Segments lists every segment the process knows how to index.
func Segments() []Segment {
	return []Segment{SegNSECM, SegNSEFO, SegNSECD, SegBSECM, SegBSEFO}
}

func (s Segment) String() string {
	switch s {
	case SegNSECM:
		return "NSECM"
	case SegNSEFO:
		return "NSEFO"
	case SegNSECD:
		return "NSECD"
	case SegBSECM:
		return "BSECM"
	case SegBSEFO:
		return "BSEFO"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(s)) + ")"
	}
}

// ParseSegment parses a segment key like "NSEFO" or a numeric code like "2".
// Keys are matched case-insensitively; they arrive from env config.
func ParseSegment(v string) Segment {
	switch strings.ToUpper(v) {
	case "NSECM":
		return SegNSECM
	case "NSEFO":
		return SegNSEFO
	case "NSECD":
		return SegNSECD
	case "BSECM":
		return SegBSECM
	case "BSEFO":
		return SegBSEFO
	}
	if n, err := strconv.Atoi(v); err == nil {
		return SegmentFromInt(n)
	}
	return SegUnknown
}

// SegmentFromInt converts a raw vendor/UDP segment code to a Segment.
func SegmentFromInt(code int) Segment {
	switch code {
	case 1, 2, 3, 11, 12:
		return Segment(code)
	default:
		return SegUnknown
	}
}

// IsDerivative reports whether instruments on this segment carry open interest.
func (s Segment) IsDerivative() bool {
	return s == SegNSEFO || s == SegNSECD || s == SegBSEFO
}

// IsBSE reports whether this segment broadcasts over the BSE NFCAST protocol
// rather than the NSE TRIMM stream.
func (s Segment) IsBSE() bool {
	return s == SegBSECM || s == SegBSEFO
}
