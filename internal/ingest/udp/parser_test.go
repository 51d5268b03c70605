package udp

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"marketdata-corev1/internal/classify"
	"marketdata-corev1/internal/model"
)

var now = time.Date(2026, 2, 10, 10, 30, 0, 0, time.UTC)

// frame wraps messages in the datagram envelope: net id + message count.
func frame(msgs ...[]byte) []byte {
	pkt := make([]byte, 4)
	binary.BigEndian.PutUint16(pkt[2:], uint16(len(msgs)))
	for _, m := range msgs {
		pkt = append(pkt, m...)
	}
	return pkt
}

// uncompressed prefixes a broadcast body with the 10-byte message prefix
// (compression length zero).
func uncompressed(body []byte) []byte {
	msg := make([]byte, msgPrefixLen+len(body))
	copy(msg[msgPrefixLen:], body)
	return msg
}

func compressed(payload []byte) []byte {
	msg := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(msg, uint16(len(payload)))
	copy(msg[2:], payload)
	return msg
}

// body allocates a broadcast body with transcode and length stamped into the
// header.
func body(transcode uint16, size int) []byte {
	b := make([]byte, size)
	binary.BigEndian.PutUint16(b[offTranscode:], transcode)
	binary.BigEndian.PutUint16(b[offMsgLen:], uint16(size))
	return b
}

func put32(b []byte, off int, v uint32) { binary.BigEndian.PutUint32(b[off:], v) }
func put16(b []byte, off int, v uint16) { binary.BigEndian.PutUint16(b[off:], v) }

func mbombpBody(token uint32) []byte {
	b := body(classify.NSEBcastMBOMBPUpdate, mbombpBodyLen)
	put32(b, 40, token)
	put32(b, 48, 123456) // volume
	put32(b, 52, 10050)  // ltp
	put32(b, 61, 75)     // ltq
	put32(b, 65, 845_000_000)
	put32(b, 69, 10010) // atp
	for i := 0; i < 10; i++ {
		off := 275 + 10*i
		put32(b, off, uint32(100+i))    // qty
		put32(b, off+4, uint32(9990+i)) // price
		put16(b, off+8, uint16(1+i))    // orders
	}
	binary.LittleEndian.PutUint64(b[375:], math.Float64bits(5500))
	binary.LittleEndian.PutUint64(b[383:], math.Float64bits(4200))
	put32(b, 393, 9900)  // prev close
	put32(b, 397, 9950)  // open
	put32(b, 401, 10100) // high
	put32(b, 405, 9875)  // low
	return b
}

func tickerBody(records ...uint32) []byte {
	b := body(classify.NSEBcastTickerAndIndex, 42+len(records)*tickerRecordLen)
	put16(b, 40, uint16(len(records)))
	for i, token := range records {
		off := 42 + i*tickerRecordLen
		put32(b, off, token)
		put32(b, off+6, 20000+uint32(i))   // fill price
		put32(b, off+10, 1000*uint32(i+1)) // fill volume
		put32(b, off+14, 7000)             // oi
		put32(b, off+18, 7500)             // day high oi
		put32(b, off+22, 6500)             // day low oi
	}
	return b
}

func TestParse_CombinedBookBroadcast(t *testing.T) {
	p := NewParser(model.SegNSEFO)

	ticks, err := p.Parse(frame(uncompressed(mbombpBody(49543))), now)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(ticks) != 1 {
		t.Fatalf("ticks = %d, want 1", len(ticks))
	}

	raw := ticks[0]
	if raw.ID != (model.InstrumentID{Segment: model.SegNSEFO, Token: 49543}) {
		t.Fatalf("id = %+v", raw.ID)
	}
	if raw.Transcode != classify.NSEBcastMBOMBPUpdate {
		t.Fatalf("transcode = %d", raw.Transcode)
	}
	if raw.LTP != 10050 || raw.LTQ != 75 || raw.Volume != 123456 || raw.ATP != 10010 {
		t.Fatalf("touchline fields: %+v", raw)
	}
	if raw.Open != 9950 || raw.High != 10100 || raw.Low != 9875 || raw.PrevClose != 9900 {
		t.Fatalf("ohlc fields: %+v", raw)
	}
	if raw.Bids[0] != (model.DepthLevel{Price: 9990, Qty: 100, Orders: 1}) {
		t.Fatalf("bid[0] = %+v", raw.Bids[0])
	}
	if raw.Asks[4] != (model.DepthLevel{Price: 9999, Qty: 109, Orders: 10}) {
		t.Fatalf("ask[4] = %+v", raw.Asks[4])
	}
	if raw.TotalBuyQty != 5500 || raw.TotalSellQty != 4200 {
		t.Fatalf("aggregate qtys = %d/%d", raw.TotalBuyQty, raw.TotalSellQty)
	}
	want := model.FieldLTP | model.FieldVolume | model.FieldOHLC | model.FieldPrevClose | model.FieldATP | model.FieldTopOfBook | model.FieldDepth
	if raw.Fields != want {
		t.Fatalf("fields = %b, want %b", raw.Fields, want)
	}
	if !raw.ReceivedAt.Equal(now) {
		t.Fatalf("received at = %v", raw.ReceivedAt)
	}
}

func TestParse_TickerRecords(t *testing.T) {
	p := NewParser(model.SegNSEFO)

	ticks, err := p.Parse(frame(uncompressed(tickerBody(111, 222, 333))), now)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(ticks) != 3 {
		t.Fatalf("ticks = %d, want 3", len(ticks))
	}
	for i, raw := range ticks {
		if raw.Fields != model.FieldLTP|model.FieldVolume|model.FieldOI {
			t.Fatalf("record %d fields = %b", i, raw.Fields)
		}
		if raw.Volume != int64(1000*(i+1)) {
			t.Fatalf("record %d volume = %d", i, raw.Volume)
		}
	}
	if ticks[1].ID.Token != 222 || ticks[1].OpenInterest != 7000 || ticks[1].OIDayLow != 6500 {
		t.Fatalf("record 1 = %+v", ticks[1])
	}
}

func mwBody(records ...uint32) []byte {
	b := body(classify.NSEBcastMWRoundRobin, 42+len(records)*mwRecordLen)
	put16(b, 40, uint16(len(records)))
	for i, token := range records {
		off := 42 + i*mwRecordLen
		put32(b, off, token)
		// Normal-market block only; auction and odd-lot stay zero.
		put32(b, off+4+2, 150)            // buy volume
		put32(b, off+4+6, 10045)          // buy price
		put32(b, off+4+10, 80)            // sell volume
		put32(b, off+4+14, 10055)         // sell price
		put32(b, off+4+3*mwInfoLen, 9000) // oi
	}
	return b
}

func TestParse_MarketWatchRoundRobin(t *testing.T) {
	p := NewParser(model.SegNSEFO)

	ticks, err := p.Parse(frame(uncompressed(mwBody(111, 222))), now)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(ticks) != 2 {
		t.Fatalf("ticks = %d, want 2", len(ticks))
	}
	for i, raw := range ticks {
		if raw.Fields != model.FieldTopOfBook|model.FieldOI {
			t.Fatalf("record %d fields = %b", i, raw.Fields)
		}
		if raw.Transcode != classify.NSEBcastMWRoundRobin {
			t.Fatalf("record %d transcode = %d", i, raw.Transcode)
		}
		if raw.Bids[0] != (model.DepthLevel{Price: 10045, Qty: 150}) {
			t.Fatalf("record %d bid = %+v", i, raw.Bids[0])
		}
		if raw.Asks[0] != (model.DepthLevel{Price: 10055, Qty: 80}) {
			t.Fatalf("record %d ask = %+v", i, raw.Asks[0])
		}
		if raw.OpenInterest != 9000 {
			t.Fatalf("record %d oi = %d", i, raw.OpenInterest)
		}
	}
	if ticks[1].ID.Token != 222 {
		t.Fatalf("record 1 token = %d", ticks[1].ID.Token)
	}
}

func TestParse_EnhancedMarketWatch64BitOI(t *testing.T) {
	p := NewParser(model.SegNSEFO)

	b := body(classify.NSEBcastEnhancedMW, 42+enhMWRecordLen)
	put16(b, 40, 1)
	put32(b, 42, 777)
	put32(b, 42+4+6, 10045)
	binary.BigEndian.PutUint64(b[42+4+3*mwInfoLen:], 6_000_000_000)

	ticks, err := p.Parse(frame(uncompressed(b)), now)
	if err != nil || len(ticks) != 1 {
		t.Fatalf("ticks=%d err=%v", len(ticks), err)
	}
	if ticks[0].OpenInterest != 6_000_000_000 {
		t.Fatalf("oi = %d", ticks[0].OpenInterest)
	}
	if ticks[0].Bids[0].Price != 10045 {
		t.Fatalf("bid = %+v", ticks[0].Bids[0])
	}
}

func TestParse_EnhancedTicker64BitOI(t *testing.T) {
	p := NewParser(model.SegNSEFO)

	b := body(classify.NSEBcastEnhancedTicker, 42+enhTickerRecordLen)
	put16(b, 40, 1)
	put32(b, 42, 555)
	put32(b, 42+6, 20000)
	put32(b, 42+10, 300)
	binary.BigEndian.PutUint64(b[42+14:], 5_000_000_000) // beyond uint32
	binary.BigEndian.PutUint64(b[42+22:], 5_100_000_000)
	binary.BigEndian.PutUint64(b[42+30:], 4_900_000_000)

	ticks, err := p.Parse(frame(uncompressed(b)), now)
	if err != nil || len(ticks) != 1 {
		t.Fatalf("ticks=%d err=%v", len(ticks), err)
	}
	if ticks[0].OpenInterest != 5_000_000_000 {
		t.Fatalf("oi = %d", ticks[0].OpenInterest)
	}
}

func TestParse_SkipsCompressedBlocks(t *testing.T) {
	p := NewParser(model.SegNSEFO)

	pkt := frame(compressed(make([]byte, 120)), uncompressed(mbombpBody(42)))
	ticks, err := p.Parse(pkt, now)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(ticks) != 1 || ticks[0].ID.Token != 42 {
		t.Fatalf("ticks = %+v", ticks)
	}
	if st := p.Stats(); st.Compressed != 1 {
		t.Fatalf("compressed = %d, want 1", st.Compressed)
	}
}

func TestParse_UnknownTranscodeSkipped(t *testing.T) {
	p := NewParser(model.SegNSEFO)

	ticks, err := p.Parse(frame(uncompressed(body(7305, 80))), now)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(ticks) != 0 {
		t.Fatalf("ticks = %d, want 0", len(ticks))
	}
	if st := p.Stats(); st.Skipped != 1 {
		t.Fatalf("skipped = %d, want 1", st.Skipped)
	}
}

func TestParse_TruncatedKeepsLeadingTicks(t *testing.T) {
	p := NewParser(model.SegNSEFO)

	good := uncompressed(mbombpBody(42))
	truncated := uncompressed(mbombpBody(43))[:200]
	pkt := frame(good, truncated)

	ticks, err := p.Parse(pkt, now)
	if err == nil {
		t.Fatal("want truncation error")
	}
	if len(ticks) != 1 || ticks[0].ID.Token != 42 {
		t.Fatalf("leading ticks lost: %+v", ticks)
	}
}

func TestParse_ShortPacket(t *testing.T) {
	p := NewParser(model.SegNSEFO)
	if _, err := p.Parse([]byte{0x01}, now); err == nil {
		t.Fatal("want error for short packet")
	}
}
