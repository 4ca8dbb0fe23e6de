package feed

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/newthinker/tradesim/internal/core"
)

// MemoryProvider serves bars held in memory, keyed by symbol
type MemoryProvider struct {
	mu   sync.RWMutex
	bars map[string][]core.OHLCV
}

// NewMemoryProvider creates an empty in-memory provider
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{bars: make(map[string][]core.OHLCV)}
}

func (p *MemoryProvider) Name() string { return "memory" }

// Load replaces the bars for symbol
func (p *MemoryProvider) Load(symbol string, bars []core.OHLCV) {
	sorted := append([]core.OHLCV(nil), bars...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	p.mu.Lock()
	defer p.mu.Unlock()
	p.bars[symbol] = sorted
}

func (p *MemoryProvider) FetchHistory(symbol string, start, end time.Time, interval string) ([]core.OHLCV, error) {
	p.mu.RLock()
	bars, ok := p.bars[symbol]
	p.mu.RUnlock()
	if !ok {
		return nil, core.WrapError(core.ErrNoData, fmt.Errorf("unknown symbol %s", symbol))
	}

	out := filter(bars, start, end, interval)
	if len(out) == 0 {
		return nil, core.WrapError(core.ErrNoData, fmt.Errorf("no bars for %s in range", symbol))
	}
	return out, nil
}
