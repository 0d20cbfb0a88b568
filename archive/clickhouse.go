package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/ClickHouse/clickhouse-go/v2"
)

// DefaultBatchSize is the number of records buffered before an insert.
const DefaultBatchSize = 2000

const columnList = "run, event, channel, good_vertices, charge, added_charge, charge_response, energy, rec_hit_time, flag_word, aux_word"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ErrBadTableName is returned for table names that are not plain identifiers.
var ErrBadTableName = errors.New("archive: invalid table name")

// ClickHouseOption configures a ClickHouse archive.
type ClickHouseOption func(*ClickHouse)

// WithBatchSize sets how many records Append buffers before inserting.
func WithBatchSize(n int) ClickHouseOption {
	return func(c *ClickHouse) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// ClickHouse stores records in a ClickHouse table through database/sql.
type ClickHouse struct {
	db        *sql.DB
	table     string
	batchSize int
	pending   []ChannelChargeMix
	ownsDB    bool
}

var (
	_ Writer       = (*ClickHouse)(nil)
	_ RangeScanner = (*ClickHouse)(nil)
)

// NewClickHouse wraps an open connection pool. The caller keeps ownership of db.
func NewClickHouse(db *sql.DB, table string, opts ...ClickHouseOption) (*ClickHouse, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("%w: %q", ErrBadTableName, table)
	}

	c := &ClickHouse{db: db, table: table, batchSize: DefaultBatchSize}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.pending = make([]ChannelChargeMix, 0, c.batchSize)

	return c, nil
}

// OpenClickHouse connects to dsn, checks the connection, and returns an
// archive that closes the pool on Close.
func OpenClickHouse(ctx context.Context, dsn, table string, opts ...ClickHouseOption) (*ClickHouse, error) {
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: clickhouse open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive: clickhouse ping: %w", err)
	}

	c, err := NewClickHouse(db, table, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	c.ownsDB = true

	return c, nil
}

// CreateTableStatement returns the DDL of the archive table.
func (c *ClickHouse) CreateTableStatement() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	run Int64,
	event Int64,
	channel UInt32,
	good_vertices Int32,
	charge Array(Float32),
	added_charge Array(Float32),
	charge_response Float32,
	energy Float64,
	rec_hit_time Float64,
	flag_word UInt32,
	aux_word UInt32
) ENGINE = MergeTree ORDER BY (channel, run, event)`, c.table)
}

// Init creates the archive table if it does not exist.
func (c *ClickHouse) Init(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, c.CreateTableStatement()); err != nil {
		return fmt.Errorf("archive: init schema: %w", err)
	}
	return nil
}

// Append buffers rec and inserts the buffer once it is full.
func (c *ClickHouse) Append(ctx context.Context, rec *ChannelChargeMix) error {
	if c.db == nil {
		return ErrClosed
	}

	c.pending = append(c.pending, *rec)
	if len(c.pending) >= c.batchSize {
		return c.Flush(ctx)
	}
	return nil
}

// Flush inserts all buffered records with a single multi-row statement.
func (c *ClickHouse) Flush(ctx context.Context) error {
	if len(c.pending) == 0 {
		return nil
	}

	q, args := c.insertStatement(c.pending)
	if _, err := c.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("archive: insert %d records: %w", len(c.pending), err)
	}

	c.pending = c.pending[:0]
	return nil
}

// Close flushes pending records. It closes the pool if the archive opened it.
func (c *ClickHouse) Close() error {
	if c.db == nil {
		return nil
	}

	err := c.Flush(context.Background())
	if c.ownsDB {
		if cerr := c.db.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("archive: clickhouse close: %w", cerr)
		}
	}
	c.db = nil

	return err
}

// Scan implements Scanner.
func (c *ClickHouse) Scan(ctx context.Context, fn func(*ChannelChargeMix) error) error {
	q := fmt.Sprintf("SELECT %s FROM %s ORDER BY channel, run, event", columnList, c.table)
	return c.query(ctx, fn, q)
}

// ScanChannels implements RangeScanner.
func (c *ClickHouse) ScanChannels(ctx context.Context, lo, hi uint32, fn func(*ChannelChargeMix) error) error {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE channel >= ? AND channel < ? ORDER BY channel, run, event", columnList, c.table)
	return c.query(ctx, fn, q, lo, hi)
}

func (c *ClickHouse) query(ctx context.Context, fn func(*ChannelChargeMix) error, q string, args ...any) error {
	if c.db == nil {
		return ErrClosed
	}

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("archive: query: %w", err)
	}
	defer rows.Close()

	var (
		rec         ChannelChargeMix
		charge      []float32
		addedCharge []float32
	)
	for rows.Next() {
		if err := rows.Scan(
			&rec.Run, &rec.Event, &rec.Channel, &rec.GoodVertices,
			&charge, &addedCharge, &rec.ChargeResponse,
			&rec.Energy, &rec.RecHitTime, &rec.FlagWord, &rec.AuxWord,
		); err != nil {
			return fmt.Errorf("archive: scan row: %w", err)
		}
		if len(charge) != len(rec.Charge) || len(addedCharge) != len(rec.AddedCharge) {
			return fmt.Errorf("%w: channel %d has %d/%d slices", ErrTruncated, rec.Channel, len(charge), len(addedCharge))
		}
		copy(rec.Charge[:], charge)
		copy(rec.AddedCharge[:], addedCharge)

		if err := fn(&rec); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}

	return rows.Err()
}

func (c *ClickHouse) insertStatement(recs []ChannelChargeMix) (string, []any) {
	values := make([]string, 0, len(recs))
	args := make([]any, 0, len(recs)*11)
	for i := range recs {
		r := &recs[i]
		values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			r.Run, r.Event, r.Channel, r.GoodVertices,
			append([]float32(nil), r.Charge[:]...),
			append([]float32(nil), r.AddedCharge[:]...),
			r.ChargeResponse, r.Energy, r.RecHitTime, r.FlagWord, r.AuxWord,
		)
	}

	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", c.table, columnList, strings.Join(values, ","))
	return q, args
}
