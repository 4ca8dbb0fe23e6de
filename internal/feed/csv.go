package feed

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/newthinker/tradesim/internal/core"
)

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// CSVProvider reads bars from CSV files with the columns
// time,open,high,low,close[,volume]. A header row is optional.
//
// Path is either a single file, used for every symbol, or a directory holding
// one <SYMBOL>.csv per symbol.
type CSVProvider struct {
	path     string
	interval string
}

// NewCSVProvider creates a provider rooted at path. interval is stamped onto
// every bar read.
func NewCSVProvider(path, interval string) *CSVProvider {
	return &CSVProvider{path: path, interval: interval}
}

func (p *CSVProvider) Name() string { return "csv" }

// FetchHistory loads, sorts and filters the bars for symbol
func (p *CSVProvider) FetchHistory(symbol string, start, end time.Time, interval string) ([]core.OHLCV, error) {
	file, err := p.resolve(symbol)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", file, err)
	}
	defer f.Close()

	bars, err := ReadBars(f, symbol, p.interval)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", file, err)
	}

	bars = filter(bars, start, end, interval)
	if len(bars) == 0 {
		return nil, core.WrapError(core.ErrNoData, fmt.Errorf("no bars for %s in range", symbol))
	}
	return bars, nil
}

func (p *CSVProvider) resolve(symbol string) (string, error) {
	info, err := os.Stat(p.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", core.WrapError(core.ErrNoData, err)
		}
		return "", err
	}
	if !info.IsDir() {
		return p.path, nil
	}

	file := filepath.Join(p.path, symbol+".csv")
	if _, err := os.Stat(file); err != nil {
		return "", core.WrapError(core.ErrNoData, fmt.Errorf("no data file for %s: %w", symbol, err))
	}
	return file, nil
}

// ReadBars parses CSV bars from r and returns them sorted by time
func ReadBars(r io.Reader, symbol, interval string) ([]core.OHLCV, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var bars []core.OHLCV
	for line := 1; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, core.WrapError(core.ErrDataInvalid, err)
		}
		if line == 1 && isHeader(record) {
			continue
		}

		bar, err := parseRecord(record)
		if err != nil {
			return nil, core.WrapError(core.ErrDataInvalid, fmt.Errorf("line %d: %w", line, err))
		}
		bar.Symbol = symbol
		bar.Interval = interval
		bars = append(bars, bar)
	}

	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
	return bars, nil
}

func isHeader(record []string) bool {
	if len(record) == 0 {
		return false
	}
	_, err := parseTime(record[0])
	return err != nil
}

func parseRecord(record []string) (core.OHLCV, error) {
	if len(record) < 5 {
		return core.OHLCV{}, fmt.Errorf("expected at least 5 columns, got %d", len(record))
	}

	ts, err := parseTime(record[0])
	if err != nil {
		return core.OHLCV{}, err
	}

	var prices [4]float64
	for i := range prices {
		v, err := strconv.ParseFloat(strings.TrimSpace(record[i+1]), 64)
		if err != nil {
			return core.OHLCV{}, fmt.Errorf("column %d: %w", i+2, err)
		}
		prices[i] = v
	}

	var volume int64
	if len(record) > 5 && strings.TrimSpace(record[5]) != "" {
		v, err := strconv.ParseFloat(strings.TrimSpace(record[5]), 64)
		if err != nil {
			return core.OHLCV{}, fmt.Errorf("volume: %w", err)
		}
		volume = int64(v)
	}

	bar := core.OHLCV{
		Time:   ts,
		Open:   prices[0],
		High:   prices[1],
		Low:    prices[2],
		Close:  prices[3],
		Volume: volume,
	}
	if !bar.IsValid() {
		return core.OHLCV{}, fmt.Errorf("inconsistent bar at %s", ts.Format(time.RFC3339))
	}
	return bar, nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil && sec > 0 {
		return time.Unix(sec, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}
