// Package master loads the contract master: parsing the pipe-separated rows
// the vendor API serves, and persisting them to SQLite so the process can
// start offline with yesterday's contracts.
package master

import (
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"marketdata-corev1/internal/model"
)

// Minimum columns of a cash-market row; derivative rows carry the expiry,
// strike and option type columns beyond this.
const (
	colSegment   = 0
	colToken     = 1
	colName      = 3
	colSeries    = 5
	colTickSize  = 11
	colLotSize   = 12
	colExpiry    = 16
	colStrike    = 17
	colOptType   = 18
	colDisplayNm = 19

	minColumns   = 13
	derivColumns = 20
)

// expiry timestamps in the master are local exchange time without a zone.
const expiryLayout = "2006-01-02T15:04:05"

// Parse decodes contract-master text, one pipe-separated row per line. Rows
// that fail to parse are skipped and counted, not fatal: the vendor master
// routinely carries a few malformed rows. An empty result is an error.
func Parse(text string) ([]model.Instrument, int, error) {
	var (
		instruments []model.Instrument
		skipped     int
	)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		ins, err := parseRow(line)
		if err != nil {
			skipped++
			continue
		}
		instruments = append(instruments, ins)
	}
	if len(instruments) == 0 {
		return nil, skipped, fmt.Errorf("master: no parseable rows (%d skipped)", skipped)
	}
	if skipped > 0 {
		log.Printf("[master] parsed %d instruments, skipped %d rows", len(instruments), skipped)
	}
	return instruments, skipped, nil
}

// ParseFile reads a previously saved master dump.
func ParseFile(path string) ([]model.Instrument, int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("master: read %s: %w", path, err)
	}
	return Parse(string(b))
}

func parseRow(line string) (model.Instrument, error) {
	f := strings.Split(line, "|")
	if len(f) < minColumns {
		return model.Instrument{}, fmt.Errorf("short row: %d columns", len(f))
	}

	seg := model.ParseSegment(f[colSegment])
	if seg == model.SegUnknown {
		return model.Instrument{}, fmt.Errorf("unknown segment %q", f[colSegment])
	}
	token, err := strconv.ParseUint(f[colToken], 10, 32)
	if err != nil {
		return model.Instrument{}, fmt.Errorf("bad token %q: %w", f[colToken], err)
	}

	ins := model.Instrument{
		ID:            model.InstrumentID{Segment: seg, Token: uint32(token)},
		TradingSymbol: f[colName],
		Name:          f[colName],
		Series:        f[colSeries],
	}
	if ts, err := strconv.ParseFloat(f[colTickSize], 64); err == nil {
		ins.TickSize = toPaise(ts)
	}
	if ls, err := strconv.Atoi(f[colLotSize]); err == nil {
		ins.LotSize = ls
	}

	if len(f) >= derivColumns {
		if exp, err := time.Parse(expiryLayout, f[colExpiry]); err == nil {
			ins.Expiry = exp
		}
		if strike, err := strconv.ParseFloat(f[colStrike], 64); err == nil && strike > 0 {
			ins.Strike = toPaise(strike)
		}
		ins.OptionType = optionType(f[colOptType], ins.Series)
		if f[colDisplayNm] != "" {
			ins.TradingSymbol = f[colDisplayNm]
		}
	}
	return ins, nil
}

// optionType normalizes the master's option type column: the vendor writes
// numeric codes (3 call, 4 put) on some segments and strings on others.
func optionType(raw, series string) string {
	switch raw {
	case "3", "CE":
		return "CE"
	case "4", "PE":
		return "PE"
	}
	if strings.HasPrefix(series, "FUT") {
		return "FUT"
	}
	return ""
}

func toPaise(rupees float64) int64 {
	return int64(math.Round(rupees * 100))
}
