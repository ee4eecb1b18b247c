package pairing

// Confirmer counts consecutive passing checks. A single failure resets the
// streak.
type Confirmer struct {
	need   int
	streak int
}

// NewConfirmer requires need consecutive passes. need < 1 is treated as 1.
func NewConfirmer(need int) *Confirmer {
	if need < 1 {
		need = 1
	}
	return &Confirmer{need: need}
}

// Observe records one check and reports whether the streak is long enough.
func (c *Confirmer) Observe(pass bool) bool {
	if !pass {
		c.streak = 0
		return false
	}
	c.streak++
	return c.streak >= c.need
}

// Streak returns the current run of passes.
func (c *Confirmer) Streak() int {
	return c.streak
}
