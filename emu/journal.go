package emu

// Journal receives the prior value of every piece of architectural state
// just before it is overwritten. Replaying the records in reverse order
// restores the state that existed when recording began.
type Journal interface {
	RecordReg(reg uint8, old uint64)
	RecordFReg(reg uint8, old uint64)
	RecordFCSR(old uint32)
	// RecordMemory is handed a private copy of the bytes about to change.
	RecordMemory(addr uint64, old []byte)
	RecordLayout(old Layout)
	RecordReservation(old Reservation)
	// RecordSyscall is called before a system call runs. state is the
	// handler's checkpoint, or nil if the handler keeps no state.
	RecordSyscall(num uint64, state []byte)
}

// Checkpointer is implemented by syscall handlers whose internal state
// (file offsets, input position) must follow the emulator on rewind.
type Checkpointer interface {
	Checkpoint() ([]byte, error)
	Restore(state []byte) error
}

// Reservation is the address range claimed by LR and checked by SC.
type Reservation struct {
	Valid bool
	Addr  uint64
	Size  uint8
}
