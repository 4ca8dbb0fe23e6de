package indicator

// Cross is the direction of a crossover between two series
type Cross int

const (
	NoCross Cross = iota
	CrossAbove
	CrossBelow
)

// Crossover compares the last two points of fast and slow, which must be
// aligned at their ends. A touch followed by a break counts as a cross.
func Crossover(fast, slow []float64) Cross {
	if len(fast) < 2 || len(slow) < 2 {
		return NoCross
	}

	prevFast, currFast := fast[len(fast)-2], fast[len(fast)-1]
	prevSlow, currSlow := slow[len(slow)-2], slow[len(slow)-1]

	switch {
	case prevFast <= prevSlow && currFast > currSlow:
		return CrossAbove
	case prevFast >= prevSlow && currFast < currSlow:
		return CrossBelow
	default:
		return NoCross
	}
}
