// Package config reads process settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"matchcore/domain/executor"
	"matchcore/domain/orderbook"
	entrywal "matchcore/infra/wal/entry"
)

type Config struct {
	Engine    Engine
	WAL       WAL
	Snapshot  Snapshot
	Outbox    Outbox
	Kafka     Kafka
	GRPCAddr  string
	AdminAddr string
	Log       Log
}

type Engine struct {
	QueueSize      int
	ViewDepth      int
	AllowSelfTrade bool
	FeeAccount     uint64
	Fees           executor.FeeSchedule
}

type WAL struct {
	Dir          string
	SegmentSize  int64
	Mode         entrywal.Mode
	SyncEvery    int
	SyncInterval time.Duration
	QueueSize    int
}

type Snapshot struct {
	Dir      string
	Interval time.Duration
}

type Outbox struct {
	Dir             string
	QueueSize       int
	BatchSize       int
	BatchInterval   time.Duration
	PublishInterval time.Duration
}

type Kafka struct {
	// Client is "sarama" or "kafka-go".
	Client  string
	Brokers []string
	Topic   string
}

// Enabled reports whether outbox rows should be published at all.
func (k Kafka) Enabled() bool { return len(k.Brokers) > 0 }

type Log struct {
	Level  string
	Pretty bool
}

// Load reads the given .env files (default ".env"; missing files are fine)
// and then the environment. Variables already set win over file values.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	e := &env{}
	cfg := Config{
		Engine: Engine{
			QueueSize:      e.int("ENGINE_QUEUE_SIZE", 4096),
			ViewDepth:      e.int("ENGINE_VIEW_DEPTH", 50),
			AllowSelfTrade: e.bool("ENGINE_ALLOW_SELF_TRADE", false),
			FeeAccount:     e.uint("ENGINE_FEE_ACCOUNT", 0),
		},
		WAL: WAL{
			Dir:          e.str("WAL_DIR", "./data/wal"),
			SegmentSize:  int64(e.int("WAL_SEGMENT_BYTES", 64<<20)),
			SyncEvery:    e.int("WAL_SYNC_EVERY", 64),
			SyncInterval: e.duration("WAL_SYNC_INTERVAL", 5*time.Millisecond),
			QueueSize:    e.int("WAL_QUEUE_SIZE", 1024),
		},
		Snapshot: Snapshot{
			Dir:      e.str("SNAPSHOT_DIR", "./data/snapshots"),
			Interval: e.duration("SNAPSHOT_INTERVAL", time.Minute),
		},
		Outbox: Outbox{
			Dir:             e.str("OUTBOX_DIR", "./data/outbox"),
			QueueSize:       e.int("OUTBOX_QUEUE_SIZE", 8192),
			BatchSize:       e.int("OUTBOX_BATCH_SIZE", 256),
			BatchInterval:   e.duration("OUTBOX_BATCH_INTERVAL", 50*time.Millisecond),
			PublishInterval: e.duration("OUTBOX_PUBLISH_INTERVAL", 250*time.Millisecond),
		},
		Kafka: Kafka{
			Client:  e.str("KAFKA_CLIENT", "sarama"),
			Brokers: e.list("KAFKA_BROKERS"),
			Topic:   e.str("KAFKA_TOPIC", "matchcore.events"),
		},
		GRPCAddr:  e.str("GRPC_ADDR", ":50051"),
		AdminAddr: e.str("ADMIN_ADDR", ":8080"),
		Log: Log{
			Level:  e.str("LOG_LEVEL", "info"),
			Pretty: e.str("APP_ENV", "development") != "production",
		},
	}

	mode, err := entrywal.ParseMode(e.str("WAL_SYNC_MODE", "batch"))
	if err != nil {
		e.errs = append(e.errs, err)
	}
	cfg.WAL.Mode = mode

	cfg.Engine.Fees, err = parseFees(
		e.str("FEE_MAKER", "0"),
		e.str("FEE_TAKER", "0"),
		e.str("FEE_PAIRS", ""),
	)
	if err != nil {
		e.errs = append(e.errs, err)
	}

	switch cfg.Kafka.Client {
	case "sarama", "kafka-go":
	default:
		e.errs = append(e.errs, fmt.Errorf("KAFKA_CLIENT: unknown client %q", cfg.Kafka.Client))
	}

	if len(e.errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(e.errs...))
	}
	return cfg, nil
}

// parseFees reads the default maker/taker rates and per-pair overrides in
// the form "BTC/USD=0.001:0.002,ETH/USD=0:0.001" (maker:taker).
func parseFees(maker, taker, pairs string) (executor.FeeSchedule, error) {
	def, err := parseRates(maker, taker)
	if err != nil {
		return executor.FeeSchedule{}, err
	}
	fs := executor.FeeSchedule{Default: def}
	if strings.TrimSpace(pairs) == "" {
		return fs, nil
	}

	fs.Pairs = make(map[orderbook.Pair]executor.Rates)
	for _, item := range strings.Split(pairs, ",") {
		name, rates, ok := strings.Cut(strings.TrimSpace(item), "=")
		if !ok {
			return fs, fmt.Errorf("FEE_PAIRS: malformed entry %q", item)
		}
		p, err := orderbook.ParsePair(name)
		if err != nil {
			return fs, fmt.Errorf("FEE_PAIRS: %w", err)
		}
		m, t, ok := strings.Cut(rates, ":")
		if !ok {
			return fs, fmt.Errorf("FEE_PAIRS: %s: want maker:taker, got %q", name, rates)
		}
		r, err := parseRates(m, t)
		if err != nil {
			return fs, fmt.Errorf("FEE_PAIRS: %s: %w", name, err)
		}
		fs.Pairs[p] = r
	}
	return fs, nil
}

func parseRates(maker, taker string) (executor.Rates, error) {
	m, err := decimal.NewFromString(strings.TrimSpace(maker))
	if err != nil {
		return executor.Rates{}, fmt.Errorf("maker fee %q: %w", maker, err)
	}
	t, err := decimal.NewFromString(strings.TrimSpace(taker))
	if err != nil {
		return executor.Rates{}, fmt.Errorf("taker fee %q: %w", taker, err)
	}
	one := decimal.NewFromInt(1)
	if m.IsNegative() || t.IsNegative() || m.GreaterThan(one) || t.GreaterThan(one) {
		return executor.Rates{}, fmt.Errorf("fee rates must be within [0, 1], got %s:%s", m, t)
	}
	return executor.Rates{Maker: m, Taker: t}, nil
}

// env collects parse errors so Load can report all of them at once.
type env struct {
	errs []error
}

func (e *env) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func (e *env) int(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (e *env) uint(key string, def uint64) uint64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (e *env) bool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (e *env) list(key string) []string {
	v := e.str(key, "")
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
