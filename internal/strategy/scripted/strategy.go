package scripted

import (
	"fmt"
	"strconv"
	"time"

	"github.com/newthinker/tradesim/internal/core"
	"github.com/newthinker/tradesim/internal/strategy"
)

// Scripted replays a fixed list of signals keyed by bar index or bar time.
// It is used for replaying externally generated signals and in tests.
type Scripted struct {
	byIndex map[int]core.Action
	byTime  map[int64]core.Action
}

// New creates a scripted strategy from index keyed actions
func New(actions map[int]core.Action) *Scripted {
	s := &Scripted{
		byIndex: make(map[int]core.Action, len(actions)),
		byTime:  make(map[int64]core.Action),
	}
	for i, a := range actions {
		s.byIndex[i] = a
	}
	return s
}

// Factory builds an empty script
func Factory() strategy.Strategy {
	return New(nil)
}

func (s *Scripted) Name() string { return "scripted" }

func (s *Scripted) Description() string {
	return fmt.Sprintf("Scripted (%d signals)", len(s.byIndex)+len(s.byTime))
}

// Init reads the "signals" param: a map from bar index or RFC3339 bar time
// to an action such as "BUY" or "SELL".
func (s *Scripted) Init(cfg strategy.Config) error {
	raw, ok := cfg.Params["signals"]
	if !ok || raw == nil {
		return nil
	}

	entries, err := toStringMap(raw)
	if err != nil {
		return err
	}
	for key, value := range entries {
		action := core.ParseAction(value)
		if action == core.ActionNone {
			return fmt.Errorf("signal %s: unknown action %q", key, value)
		}
		if i, err := strconv.Atoi(key); err == nil {
			if i < 0 {
				return fmt.Errorf("signal index %d is negative", i)
			}
			s.byIndex[i] = action
			continue
		}
		ts, err := time.Parse(time.RFC3339, key)
		if err != nil {
			return fmt.Errorf("signal key %q is neither a bar index nor an RFC3339 time", key)
		}
		s.byTime[ts.UnixNano()] = action
	}
	return nil
}

func (s *Scripted) Signal(bar core.OHLCV, index int, _ []core.OHLCV) core.Action {
	if a, ok := s.byIndex[index]; ok {
		return a
	}
	return s.byTime[bar.Time.UnixNano()]
}

func toStringMap(raw any) (map[string]string, error) {
	switch v := raw.(type) {
	case map[string]string:
		return v, nil
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, val := range v {
			str, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("signal %s must be a string, got %T", k, val)
			}
			out[k] = str
		}
		return out, nil
	case map[int]core.Action:
		out := make(map[string]string, len(v))
		for k, val := range v {
			out[strconv.Itoa(k)] = string(val)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("signals has unsupported type %T", raw)
	}
}
