package aics

import (
	"testing"

	"github.com/leaudio-go/leaudio/internal/apperr"
	"github.com/leaudio-go/leaudio/internal/gattsurface"
)

func newAttachedPair(t *testing.T, p InitParams) (*Instance, *Client, *gattsurface.Sim, *gattsurface.Sim) {
	t.Helper()
	peripheral, central := gattsurface.NewSimPair("peripheral", "central")

	pool := NewPool(1)
	inst, apiErr := pool.AcquireFree()
	if apiErr != 0 {
		t.Fatalf("AcquireFree: %v", apiErr)
	}
	if apiErr := inst.Init(p); apiErr != 0 {
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
		GainSetting: attrs[1].Handle,
		InputType:   attrs[2].Handle,
		InputStatus: attrs[3].Handle,
		Control:     attrs[4].Handle,
		Description: attrs[5].Handle,
	}, ClientCallbacks{})

	return inst, cl, peripheral, central
}

func defaultParams() InitParams {
	return InitParams{
		Gain:         0,
		Mute:         Unmuted,
		Mode:         ModeManual,
		GainSettings: GainSettings{Units: 1, Minimum: -20, Maximum: 20},
		InputType:    InputTypeAnalog,
		Status:       StatusActive,
	}
}

func TestSetGainWithinRange(t *testing.T) {
	inst, _, _, _ := newAttachedPair(t, defaultParams())

	if apiErr := inst.SetGain(10); apiErr != 0 {
		t.Fatalf("SetGain: %v", apiErr)
	}
	state, _, _ := inst.Snapshot()
	if state.Gain != 10 || state.Counter != 1 {
		t.Fatalf("state = %+v, want gain=10 counter=1", state)
	}
}

func TestSetGainOutOfRange(t *testing.T) {
	inst, _, _, _ := newAttachedPair(t, defaultParams())

	buf := []byte{byte(OpSetGain), 0, byte(int8(50))}
	attErr := inst.writeControl(nil, buf, 0)
	if apperr.SvcError(attErr) != ErrOutOfRange {
		t.Fatalf("attErr = %v, want ErrOutOfRange", attErr)
	}
	state, _, _ := inst.Snapshot()
	if state.Gain != 0 || state.Counter != 0 {
		t.Fatalf("state mutated on rejected write: %+v", state)
	}
}

func TestSetGainIgnoredWhenModeNotSettable(t *testing.T) {
	p := defaultParams()
	p.Mode = ModeAutoOnly
	inst, _, _, _ := newAttachedPair(t, p)

	if apiErr := inst.SetGain(5); apiErr != 0 {
		t.Fatalf("SetGain: %v", apiErr)
	}
	state, _, _ := inst.Snapshot()
	if state.Gain != 0 || state.Counter != 0 {
		t.Fatalf("gain changed despite non-settable mode: %+v", state)
	}
}

func TestMuteDisabledRejectsMuteAndUnmute(t *testing.T) {
	p := defaultParams()
	p.Mute = MuteDisabled
	inst, _, _, _ := newAttachedPair(t, p)

	buf := []byte{byte(OpMute), 0}
	attErr := inst.writeControl(nil, buf, 0)
	if apperr.SvcError(attErr) != ErrMuteDisabled {
		t.Fatalf("attErr = %v, want ErrMuteDisabled", attErr)
	}

	buf = []byte{byte(OpUnmute), 0}
	attErr = inst.writeControl(nil, buf, 0)
	if apperr.SvcError(attErr) != ErrMuteDisabled {
		t.Fatalf("Unmute attErr = %v, want ErrMuteDisabled", attErr)
	}
}

func TestSetAutoRejectedOnImmutableMode(t *testing.T) {
	p := defaultParams()
	p.Mode = ModeManualOnly
	inst, _, _, _ := newAttachedPair(t, p)

	buf := []byte{byte(OpSetAuto), 0}
	attErr := inst.writeControl(nil, buf, 0)
	if apperr.SvcError(attErr) != ErrGainModeNoSupport {
		t.Fatalf("attErr = %v, want ErrGainModeNoSupport", attErr)
	}
}

func TestMuteThenUnmuteIsIdempotent(t *testing.T) {
	inst, _, _, _ := newAttachedPair(t, defaultParams())

	if apiErr := inst.Mute(); apiErr != 0 {
		t.Fatalf("Mute: %v", apiErr)
	}
	state, _, _ := inst.Snapshot()
	if state.Mute != Muted || state.Counter != 1 {
		t.Fatalf("state = %+v, want muted counter=1", state)
	}

	// A second Mute while already muted is a no-op: no state change, no
	// counter bump (spec.md §4.1 step "no-op success").
	if apiErr := inst.Mute(); apiErr != 0 {
		t.Fatalf("Mute (again): %v", apiErr)
	}
	state, _, _ = inst.Snapshot()
	if state.Counter != 1 {
		t.Fatalf("counter = %d after idempotent re-mute, want 1", state.Counter)
	}
}

func TestClientSetGainRoundTrip(t *testing.T) {
	inst, cl, _, _ := newAttachedPair(t, defaultParams())

	done := make(chan struct{})
	controlErr := apperr.APIError(-1)
	cl.cb.OnControl = func(idx int, err apperr.APIError) {
		controlErr = err
		close(done)
	}
	if apiErr := cl.SetGain(7); apiErr != 0 {
		t.Fatalf("SetGain: %v", apiErr)
	}
	<-done
	if controlErr != 0 {
		t.Fatalf("control err = %v, want 0", controlErr)
	}
	state, _, _ := inst.Snapshot()
	if state.Gain != 7 {
		t.Fatalf("server gain = %d, want 7", state.Gain)
	}
}

func TestClientSecondMismatchSurfacesError(t *testing.T) {
	inst, cl, _, central := newAttachedPair(t, defaultParams())

	// Drop State notifications at the client so the server-side changes
	// below leave its cached counter stale.
	central.SetNotifyHandler(central.Conn(), cl.handles.State, nil)

	if apiErr := inst.Mute(); apiErr != 0 {
		t.Fatalf("Mute: %v", apiErr)
	}

	// Desync a second time from inside the re-read's own OnState delivery,
	// so the retried write still carries a stale counter (spec.md §4.4: a
	// second counter mismatch surfaces as an error, it is not retried).
	resynced := false
	cl.cb.OnState = func(idx int, err apperr.APIError, gain int8, mute Mute, mode Mode) {
		if !resynced {
			resynced = true
			if apiErr := inst.Unmute(); apiErr != 0 {
				t.Fatalf("Unmute: %v", apiErr)
			}
		}
	}

	done := make(chan struct{})
	controlErr := apperr.APIError(-1)
	cl.cb.OnControl = func(idx int, err apperr.APIError) {
		controlErr = err
		close(done)
	}
	if apiErr := cl.Mute(); apiErr != 0 {
		t.Fatalf("Mute: %v", apiErr)
	}
	<-done
	if controlErr == 0 {
		t.Fatalf("control err = 0, want an error after a second counter mismatch")
	}
	if cl.Busy() {
		t.Fatalf("client still busy after transaction completed")
	}
}

func TestClientStaleCounterRetries(t *testing.T) {
	inst, cl, _, central := newAttachedPair(t, defaultParams())

	// Drop State notifications at the client so the server-side change
	// below leaves its cached counter stale.
	central.SetNotifyHandler(central.Conn(), cl.handles.State, nil)

	if apiErr := inst.Mute(); apiErr != 0 {
		t.Fatalf("Mute: %v", apiErr)
	}

	done := make(chan struct{})
	controlErr := apperr.APIError(-1)
	cl.cb.OnControl = func(idx int, err apperr.APIError) {
		controlErr = err
		close(done)
	}
	if apiErr := cl.Unmute(); apiErr != 0 {
		t.Fatalf("Unmute: %v", apiErr)
	}
	<-done
	if controlErr != 0 {
		t.Fatalf("control err = %v, want success after transparent retry", controlErr)
	}
	state, _, _ := inst.Snapshot()
	if state.Mute != Unmuted {
		t.Fatalf("server mute = %v, want Unmuted", state.Mute)
	}
	if cl.Busy() {
		t.Fatalf("client still busy after transaction completed")
	}
}
