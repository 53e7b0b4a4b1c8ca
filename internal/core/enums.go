package core

// Mode defines how much tensor detail a probe streams per observation.
type Mode string

const (
	// ModeLight streams metadata and summary statistics only.
	ModeLight Mode = "light"
	// ModeDebug streams full tensor state on every observation.
	ModeDebug Mode = "debug"
	// ModeHybrid streams full state on first observation, then diffs (the default).
	ModeHybrid Mode = "hybrid"
)

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeLight, ModeDebug, ModeHybrid:
		return true
	default:
		return false
	}
}
