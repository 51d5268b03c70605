package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"marketdata-corev1/internal/model"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Vendor API credentials (market data session + contract master)
	XTSAppKey    string
	XTSSecretKey string
	XTSBaseURL   string

	// Exchange multicast groups, comma-separated "SEGMENT:group:port" entries,
	// e.g. "NSEFO:233.1.2.5:34330,NSECM:233.1.2.6:34330". Empty disables the
	// broadcast receivers (WebSocket-only mode).
	MulticastGroups string
	MulticastIface  string

	// Segments to download the contract master for
	Segments string

	// Vendor WebSocket subscriptions, comma-separated "SEGMENT:token" entries.
	// Empty disables the vendor feed.
	WSSubscribe string

	// AlwaysOn skips market-hours gating; the feeds run immediately and
	// continuously. For bench and off-hours replay setups.
	AlwaysOn bool

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	MasterDBPath  string
	CandleDBPath  string
	MetricsAddr   string
	GatewayAddr   string

	// Greeks recalculation: "perfeed" or "throttle"
	GreeksPolicy     string
	GreeksThrottleMs int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		XTSAppKey:    mustEnv("XTS_APP_KEY"),
		XTSSecretKey: mustEnv("XTS_SECRET_KEY"),
		XTSBaseURL:   getEnv("XTS_BASE_URL", ""),

		MulticastGroups: getEnv("MCAST_GROUPS", ""),
		MulticastIface:  getEnv("MCAST_IFACE", ""),

		Segments: getEnv("SEGMENTS", "NSECM,NSEFO"),

		WSSubscribe: getEnv("WS_SUBSCRIBE", ""),
		AlwaysOn:    strings.EqualFold(getEnv("ALWAYS_ON", "false"), "true"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		MasterDBPath:  getEnv("MASTER_DB_PATH", "data/master.db"),
		CandleDBPath:  getEnv("CANDLE_DB_PATH", "data/bars.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		GatewayAddr:   getEnv("GATEWAY_ADDR", ":8084"),

		GreeksPolicy:     getEnv("GREEKS_TRIGGER_POLICY", "perfeed"),
		GreeksThrottleMs: getEnvInt("GREEKS_THROTTLE_MS", 250),
	}
}

// MulticastGroup is one parsed MCAST_GROUPS entry.
type MulticastGroup struct {
	Segment model.Segment
	Addr    string // "233.1.2.5:34330"
}

// ParseMulticastGroups parses the MCAST_GROUPS entries. Malformed entries are
// an error: a silently dropped feed is worse than a failed start.
func (c *Config) ParseMulticastGroups() ([]MulticastGroup, error) {
	if strings.TrimSpace(c.MulticastGroups) == "" {
		return nil, nil
	}
	var groups []MulticastGroup
	for _, entry := range strings.Split(c.MulticastGroups, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("config: bad multicast entry %q", entry)
		}
		seg := model.ParseSegment(parts[0])
		if seg == model.SegUnknown {
			return nil, fmt.Errorf("config: unknown segment in multicast entry %q", entry)
		}
		groups = append(groups, MulticastGroup{Segment: seg, Addr: parts[1]})
	}
	return groups, nil
}

// ParseWSSubscribe parses the WS_SUBSCRIBE entries. As with multicast groups,
// malformed entries fail the start.
func (c *Config) ParseWSSubscribe() ([]model.InstrumentID, error) {
	if strings.TrimSpace(c.WSSubscribe) == "" {
		return nil, nil
	}
	var ids []model.InstrumentID
	for _, entry := range strings.Split(c.WSSubscribe, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, ok := model.ParseInstrumentKey(entry)
		if !ok {
			return nil, fmt.Errorf("config: bad subscription entry %q", entry)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ParseSegments parses the SEGMENTS list.
func (c *Config) ParseSegments() []model.Segment {
	var segs []model.Segment
	for _, p := range strings.Split(c.Segments, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		seg := model.ParseSegment(p)
		if seg == model.SegUnknown {
			log.Printf("[config] skipping unknown segment: %q", p)
			continue
		}
		segs = append(segs, seg)
	}
	return segs
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] bad integer for %s: %q, using %d", key, v, fallback)
		return fallback
	}
	return n
}
