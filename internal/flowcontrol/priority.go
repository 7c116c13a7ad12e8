package flowcontrol

// Priority orders queued terminal input. Lower values drain first.
type Priority int

const (
	// Control covers interrupt and line-editing bytes that must reach the
	// remote shell even under load (Ctrl+C, Ctrl+D, Enter, Backspace).
	Control Priority = iota
	// Navigation covers cursor movement and other escape sequences.
	Navigation
	// Normal is ordinary typed input.
	Normal
	// Bulk is large input such as pastes.
	Bulk
)

func (p Priority) String() string {
	switch p {
	case Control:
		return "control"
	case Navigation:
		return "navigation"
	case Normal:
		return "normal"
	case Bulk:
		return "bulk"
	default:
		return "unknown"
	}
}

// bulkThreshold is the payload size above which input is classified Bulk.
const bulkThreshold = 100

// Classify assigns a priority to a chunk of terminal input based on its
// content. Single control bytes and escape sequences classify as Control so
// that an interrupt can overtake a large queued paste.
func Classify(data []byte) Priority {
	if len(data) == 0 {
		return Normal
	}

	if len(data) == 1 {
		switch data[0] {
		case 0x03, // Ctrl+C
			0x04, // Ctrl+D
			0x1a, // Ctrl+Z
			0x0d, // Enter
			0x0a, // Newline
			0x7f, // Backspace (DEL)
			0x08, // Backspace (BS)
			0x09: // Tab
			return Control
		}
	}

	// CSI and SS3 escape sequences (arrow keys, Home/End, function keys).
	if len(data) >= 2 && data[0] == 0x1b && (data[1] == '[' || data[1] == 'O') {
		return Control
	}

	if len(data) > bulkThreshold {
		return Bulk
	}
	return Normal
}
