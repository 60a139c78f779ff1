package vocs

import (
	"testing"

	"github.com/leaudio-go/leaudio/internal/apperr"
	"github.com/leaudio-go/leaudio/internal/gattsurface"
)

func newAttachedPair(t *testing.T) (*Instance, *Client, *gattsurface.Sim, *gattsurface.Sim) {
	t.Helper()
	peripheral, central := gattsurface.NewSimPair("peripheral", "central")

	pool := NewPool(1)
	inst, apiErr := pool.AcquireFree()
	if apiErr != 0 {
		t.Fatalf("AcquireFree: %v", apiErr)
	}
	if apiErr := inst.Init(InitParams{Location: 1}); apiErr != 0 {
		t.Fatalf("Init: %v", apiErr)
	}
	attrs := inst.BuildAttrs(peripheral)
	tree := &gattsurface.ServiceTree{Attrs: attrs}
	if err := peripheral.RegisterService(tree); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}

	cl := NewClient(0)
	cl.Attach(central, central.Conn(), Handles{
		State:       attrs[0].Handle,
		Location:    attrs[1].Handle,
		Control:     attrs[2].Handle,
		Description: attrs[3].Handle,
	}, ClientCallbacks{})

	return inst, cl, peripheral, central
}

func TestSetOffsetExactStore(t *testing.T) {
	inst, _, _, _ := newAttachedPair(t)

	if apiErr := inst.SetOffset(150); apiErr != 0 {
		t.Fatalf("SetOffset: %v", apiErr)
	}
	state, _, _ := inst.Snapshot()
	if state.Offset != 150 {
		t.Fatalf("offset = %d, want 150", state.Offset)
	}
	if state.Counter != 1 {
		t.Fatalf("counter = %d, want 1", state.Counter)
	}
}

func TestSetOffsetOutOfRange(t *testing.T) {
	inst, _, _, _ := newAttachedPair(t)

	buf := []byte{byte(OpSetOffset), 0, 0x00, 0x01} // 0x0100 = 256, little-endian
	attErr := inst.writeControl(nil, buf, 0)
	if byte(attErr) != 0x82 {
		t.Fatalf("attErr = 0x%02x, want 0x82", byte(attErr))
	}
	state, _, _ := inst.Snapshot()
	if state.Offset != 0 || state.Counter != 0 {
		t.Fatalf("state mutated on rejected write: %+v", state)
	}
}

func TestClientWriteOffsetRoundTrip(t *testing.T) {
	inst, cl, _, _ := newAttachedPair(t)

	done := make(chan struct{})
	writeErr := apperr.APIError(-1)
	cl.cb.OnWriteOffset = func(idx int, err apperr.APIError) {
		writeErr = err
		close(done)
	}
	if apiErr := cl.WriteOffset(75); apiErr != 0 {
		t.Fatalf("WriteOffset: %v", apiErr)
	}
	<-done
	if writeErr != 0 {
		t.Fatalf("write err = %v, want 0", writeErr)
	}
	state, _, _ := inst.Snapshot()
	if state.Offset != 75 {
		t.Fatalf("server offset = %d, want 75", state.Offset)
	}
}

func TestClientWriteOffsetSecondMismatchSurfacesError(t *testing.T) {
	inst, cl, _, central := newAttachedPair(t)

	// Drop State notifications at the client so the server-side changes
	// below leave its cached counter stale.
	central.SetNotifyHandler(central.Conn(), cl.handles.State, nil)

	if apiErr := inst.SetOffset(10); apiErr != 0 {
		t.Fatalf("SetOffset: %v", apiErr)
	}

	// Desync a second time from inside the re-read's own OnState delivery,
	// so the retried write still carries a stale counter (spec.md §4.4: a
	// second counter mismatch surfaces as an error, it is not retried).
	resynced := false
	cl.cb.OnState = func(idx int, err apperr.APIError, offset int16) {
		if !resynced {
			resynced = true
			if apiErr := inst.SetOffset(20); apiErr != 0 {
				t.Fatalf("SetOffset: %v", apiErr)
			}
		}
	}

	done := make(chan struct{})
	writeErr := apperr.APIError(-1)
	cl.cb.OnWriteOffset = func(idx int, err apperr.APIError) {
		writeErr = err
		close(done)
	}
	if apiErr := cl.WriteOffset(50); apiErr != 0 {
		t.Fatalf("WriteOffset: %v", apiErr)
	}
	<-done
	if writeErr == 0 {
		t.Fatalf("write err = 0, want an error after a second counter mismatch")
	}
	if cl.Busy() {
		t.Fatalf("client still busy after transaction completed")
	}
}

func TestClientWriteOffsetStaleCounterRetries(t *testing.T) {
	inst, cl, _, central := newAttachedPair(t)

	// Desync the client's cached counter from the server's by performing a
	// server-side change the client never observed: its State notifications
	// are dropped first.
	central.SetNotifyHandler(central.Conn(), cl.handles.State, nil)
	if apiErr := inst.SetOffset(10); apiErr != 0 {
		t.Fatalf("SetOffset: %v", apiErr)
	}

	done := make(chan struct{})
	writeErr := apperr.APIError(-1)
	cl.cb.OnWriteOffset = func(idx int, err apperr.APIError) {
		writeErr = err
		close(done)
	}
	if apiErr := cl.WriteOffset(50); apiErr != 0 {
		t.Fatalf("WriteOffset: %v", apiErr)
	}
	<-done
	if writeErr != 0 {
		t.Fatalf("write err = %v, want success after transparent retry", writeErr)
	}
	state, _, _ := inst.Snapshot()
	if state.Offset != 50 {
		t.Fatalf("server offset = %d, want 50", state.Offset)
	}
	if cl.Busy() {
		t.Fatalf("client still busy after transaction completed")
	}
}
