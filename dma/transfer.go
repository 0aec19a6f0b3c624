// dma/transfer.go
package dma

// Direction selects which side of a transfer advances. Peripheral-side
// addresses stay fixed on the data register; memory sides increment.
type Direction uint8

const (
	// MemoryToMemory advances both source and destination.
	MemoryToMemory Direction = iota
	// MemoryToPeripheral advances the source only.
	MemoryToPeripheral
	// PeripheralToMemory advances the destination only.
	PeripheralToMemory
)

// Width is the transfer element width.
type Width uint8

const (
	Width8 Width = iota
	Width16
	Width32
)

// Bytes returns the element width in bytes.
func (w Width) Bytes() int {
	switch w {
	case Width16:
		return 2
	case Width32:
		return 4
	default:
		return 1
	}
}

func (w Width) bits() uint32 { return uint32(w) }

// Priority is the channel arbitration priority, 0 (highest) to 7 (lowest).
type Priority uint8

// Options configure a single transfer.
type Options struct {
	Width    Width
	Priority Priority

	// Continuous reloads the descriptor on completion, for circular
	// buffers. Continuous transfers never complete on their own; await
	// them only with an external stop condition.
	Continuous bool
}

// DefaultOptions matches the most common case: byte-wide, highest
// priority, one-shot.
func DefaultOptions() Options { return Options{} }
