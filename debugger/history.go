package debugger

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/kil0meters/remu/emu"
	"github.com/kil0meters/remu/timing/core"
)

const historyVersion = 1

type historyHeader struct {
	Version int
	// Start is the PC before the first recorded step.
	Start uint64
	// Dropped is the number of steps before the first recorded one.
	Dropped int
	Steps   int
}

// historyRecord carries one delta. gob drops pointers to zero values, so
// the presence of the two optional scalars travels separately.
type historyRecord struct {
	Delta          *core.Delta
	HasFCSR        bool
	HasReservation bool
}

// Export writes the retained history as a zstd-compressed gob stream.
func (d *Debugger) Export(w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	enc := gob.NewEncoder(zw)

	start := d.core.PC()
	if len(d.history) > 0 {
		start = d.history[0].PC
	}
	header := historyHeader{
		Version: historyVersion,
		Start:   start,
		Dropped: d.dropped,
		Steps:   len(d.history),
	}
	if err := enc.Encode(header); err != nil {
		zw.Close()
		return fmt.Errorf("encode history header: %w", err)
	}
	for i, delta := range d.history {
		rec := historyRecord{
			Delta:          delta,
			HasFCSR:        delta.FCSR != nil,
			HasReservation: delta.Reservation != nil,
		}
		if err := enc.Encode(rec); err != nil {
			zw.Close()
			return fmt.Errorf("encode step %d: %w", d.dropped+i, err)
		}
	}
	return zw.Close()
}

// ReadHistory decodes a stream written by Export.
func ReadHistory(r io.Reader) (start uint64, deltas []*core.Delta, err error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return 0, nil, err
	}
	defer zr.Close()
	dec := gob.NewDecoder(zr)

	var header historyHeader
	if err := dec.Decode(&header); err != nil {
		return 0, nil, fmt.Errorf("decode history header: %w", err)
	}
	if header.Version != historyVersion {
		return 0, nil, fmt.Errorf("unsupported history version %d", header.Version)
	}
	if header.Dropped != 0 {
		return 0, nil, fmt.Errorf("history starts at step %d, not at the beginning of the run", header.Dropped)
	}

	deltas = make([]*core.Delta, 0, header.Steps)
	for i := 0; i < header.Steps; i++ {
		var rec historyRecord
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return 0, nil, fmt.Errorf("decode step %d: %w", i, err)
		}
		delta := rec.Delta
		if delta == nil {
			delta = &core.Delta{}
		}
		if rec.HasFCSR && delta.FCSR == nil {
			delta.FCSR = new(uint32)
		}
		if rec.HasReservation && delta.Reservation == nil {
			delta.Reservation = new(emu.Reservation)
		}
		deltas = append(deltas, delta)
	}
	return header.Start, deltas, nil
}

// Import loads a recorded run for replay. The debugger must be at the
// state the recording started from. Each following step forward is
// compared with the recorded one and a divergence is logged.
func (d *Debugger) Import(r io.Reader) error {
	start, deltas, err := ReadHistory(r)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.history) != 0 || d.dropped != 0 {
		return errors.New("import requires a session with no history")
	}
	if pc := d.core.PC(); pc != start {
		return fmt.Errorf("recording starts at 0x%x but the core is at 0x%x", start, pc)
	}

	d.future = make([]*core.Delta, len(deltas))
	for i, delta := range deltas {
		d.future[len(deltas)-1-i] = delta
	}
	return nil
}

// Pending returns the number of undone or imported steps still waiting to
// be replayed.
func (d *Debugger) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.future)
}
