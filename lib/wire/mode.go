package wire

import "fmt"

// Mode is the delivery mode carried in every Data header. The zero value is
// not a valid mode on the wire; callers use it to mean "choose for me".
type Mode uint8

const (
	// ModeSilent delivers to the target set along known routes without
	// discovery or confirmation.
	ModeSilent Mode = iota + 1
	// ModeSeek floods towards the targets and records the traversed path so
	// acknowledgements can populate route tables.
	ModeSeek
	// ModeAcknowledge behaves like ModeSeek but the sender waits for one
	// acknowledgement per required redundancy.
	ModeAcknowledge
	// ModeAnyWhere broadcasts to every reachable node.
	ModeAnyWhere

	modeCount
)

// Valid reports whether m is one of the defined modes.
func (m Mode) Valid() bool {
	return m >= ModeSilent && m < modeCount
}

// Traced reports whether relays append themselves to the traversed path and
// targets answer with acknowledgements.
func (m Mode) Traced() bool {
	return m == ModeSeek || m == ModeAcknowledge
}

func (m Mode) String() string {
	switch m {
	case ModeSilent:
		return "silent"
	case ModeSeek:
		return "seek"
	case ModeAcknowledge:
		return "acknowledge"
	case ModeAnyWhere:
		return "anywhere"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}
