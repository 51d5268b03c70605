// Package classify maps raw feed transcodes to update kinds. The mapping is
// protocol-specific configuration data: the same logical kind arrives under
// several transcodes (standard and "enhanced" 64-bit variants on NSE, separate
// LTP and OI codes on the vendor WebSocket), and some transcodes carry more
// than one kind's fields in a single message.
package classify

import "marketdata-corev1/internal/model"

// NSE TRIMM broadcast transaction codes.
const (
	NSEBcastMBOMBPUpdate   = 7200  // touchline + 5-level depth
	NSEBcastMWRoundRobin   = 7201  // market watch round robin
	NSEBcastTickerAndIndex = 7202  // ticker with OI (32-bit)
	NSEBcastOnlyMBP        = 7208  // market by price
	NSEBcastEnhancedMW     = 17201 // enhanced market watch (64-bit OI)
	NSEBcastEnhancedTicker = 17202 // enhanced ticker (64-bit OI)
)

// BSE NFCAST message types.
const (
	BSEMarketPicture        = 2020 // LTP, OHLC, 5-level depth (32-bit token)
	BSEMarketPictureComplex = 2021 // same payload, 64-bit token support
	BSEOpenInterest         = 2015 // OI for derivatives
)

// Vendor WebSocket message codes (XTS-style market data API).
const (
	WSTouchline    = 1501
	WSMarketDepth  = 1502
	WSSnapshot     = 1507
	WSOpenInterest = 1510
	WSLTP          = 1512
)

// Classifier resolves (protocol, transcode) to the update kinds the message
// carries. Zero value is unusable; construct with NewDefault or New.
type Classifier struct {
	tables map[model.FeedProtocol]map[uint16][]model.UpdateKind
}

// New returns an empty classifier. Every transcode must be registered before
// Classify sees it; unregistered codes classify as KindUnknown.
func New() *Classifier {
	return &Classifier{tables: make(map[model.FeedProtocol]map[uint16][]model.UpdateKind)}
}

// NewDefault returns a classifier seeded with the NSE broadcast, BSE broadcast
// and vendor WebSocket transcode tables.
func NewDefault() *Classifier {
	c := New()

	// NSE: 7200 carries touchline fields and the full book in one message,
	// dispatched as two logical updates (matching the exchange's own spec,
	// which documents it as the combined MBO/MBP broadcast).
	c.Register(model.ProtoNSEBcast, NSEBcastMBOMBPUpdate, model.KindTouchline, model.KindDepth)
	c.Register(model.ProtoNSEBcast, NSEBcastOnlyMBP, model.KindTouchline, model.KindDepth)
	c.Register(model.ProtoNSEBcast, NSEBcastMWRoundRobin, model.KindTouchline)
	c.Register(model.ProtoNSEBcast, NSEBcastEnhancedMW, model.KindTouchline)
	c.Register(model.ProtoNSEBcast, NSEBcastTickerAndIndex, model.KindTradeTick)
	c.Register(model.ProtoNSEBcast, NSEBcastEnhancedTicker, model.KindTradeTick)

	c.Register(model.ProtoBSEBcast, BSEMarketPicture, model.KindFullSnapshot)
	c.Register(model.ProtoBSEBcast, BSEMarketPictureComplex, model.KindFullSnapshot)
	c.Register(model.ProtoBSEBcast, BSEOpenInterest, model.KindTradeTick)

	c.Register(model.ProtoVendorWS, WSTouchline, model.KindTouchline)
	c.Register(model.ProtoVendorWS, WSMarketDepth, model.KindDepth)
	c.Register(model.ProtoVendorWS, WSSnapshot, model.KindFullSnapshot)
	c.Register(model.ProtoVendorWS, WSOpenInterest, model.KindTradeTick)
	c.Register(model.ProtoVendorWS, WSLTP, model.KindTradeTick)

	return c
}

// Register binds a transcode to the kinds it carries, replacing any previous
// binding. Not safe for concurrent use with Classify; register at startup.
func (c *Classifier) Register(proto model.FeedProtocol, transcode uint16, kinds ...model.UpdateKind) {
	t, ok := c.tables[proto]
	if !ok {
		t = make(map[uint16][]model.UpdateKind)
		c.tables[proto] = t
	}
	t[transcode] = kinds
}

// Classify returns the primary kind for a transcode, KindUnknown if the code
// is not registered.
func (c *Classifier) Classify(proto model.FeedProtocol, transcode uint16) model.UpdateKind {
	if kinds := c.tables[proto][transcode]; len(kinds) > 0 {
		return kinds[0]
	}
	return model.KindUnknown
}

// Kinds returns every kind a transcode carries, in dispatch order. Most codes
// map to exactly one kind; the combined NSE book broadcasts map to two.
func (c *Classifier) Kinds(proto model.FeedProtocol, transcode uint16) []model.UpdateKind {
	return c.tables[proto][transcode]
}

// FieldsFor returns the record field groups a kind may merge.
func FieldsFor(kind model.UpdateKind) model.FieldMask {
	return kind.ValidFields()
}
