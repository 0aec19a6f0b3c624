package errcode

// Code is a stable error identifier shared by the peripheral drivers.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK Code = "ok"

	// Configuration errors: detected synchronously at setup, no hardware
	// state changed.
	Unsupported Code = "unsupported_configuration"
	OutOfRange  Code = "out_of_range"

	// Bus/protocol errors: the in-flight operation is aborted and never
	// silently retried.
	AddressNack     Code = "address_nack"
	ArbitrationLoss Code = "arbitration_loss"
	StartStopError  Code = "start_stop_error"
	ReadFail        Code = "read_fail"
	WriteFail       Code = "write_fail"
	BusError        Code = "bus_error"
	Frame           Code = "frame_error"
	Parity          Code = "parity_error"
	Noise           Code = "noise_error"

	// Timeouts are terminal for the call; no partial result is returned.
	Timeout Code = "timeout"

	// Resource errors.
	ChannelInUse Code = "channel_in_use"

	// Hardware sanity failures.
	SeedError Code = "seed_error"

	// eSPI link errors.
	Crc    Code = "crc_error"
	HStall Code = "hstall_error"

	Error Code = "error" // generic fallback
)
