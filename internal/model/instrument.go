package model

import (
	"strconv"
	"time"
)

// InstrumentID is the stable identity of one tradable instrument: the exchange
// segment plus the exchange-assigned token. The pair is unique for the life of
// a trading session and survives contract-master reloads (slots do not).
type InstrumentID struct {
	Segment Segment
	Token   uint32
}

// Key returns the canonical string form "NSEFO:49543", used for map keys and
// wire channel names.
func (id InstrumentID) Key() string {
	return id.Segment.String() + ":" + strconv.FormatUint(uint64(id.Token), 10)
}

// ParseInstrumentKey parses the form produced by Key. Returns false on any
// malformed input.
func ParseInstrumentKey(key string) (InstrumentID, bool) {
	for i := 0; i < len(key); i++ {
		if key[i] != ':' {
			continue
		}
		seg := ParseSegment(key[:i])
		if seg == SegUnknown {
			return InstrumentID{}, false
		}
		tok, err := strconv.ParseUint(key[i+1:], 10, 32)
		if err != nil {
			return InstrumentID{}, false
		}
		return InstrumentID{Segment: seg, Token: uint32(tok)}, true
	}
	return InstrumentID{}, false
}

// Instrument is one contract-master row: the identity plus the static metadata
// needed for display, filtering, and option-chain enumeration.
type Instrument struct {
	ID            InstrumentID
	TradingSymbol string    // e.g. "NIFTY24SEP24000CE"
	Name          string    // underlying name, e.g. "NIFTY"
	Series        string    // e.g. "EQ", "OPTIDX", "FUTSTK"
	Expiry        time.Time // zero for cash instruments
	Strike        int64     // paise; 0 for non-options
	OptionType    string    // "CE", "PE", "FUT", "" for cash
	LotSize       int
	TickSize      int64 // minimum price movement in paise
}
