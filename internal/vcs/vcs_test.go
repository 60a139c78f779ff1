package vcs

import (
	"testing"

	"github.com/leaudio-go/leaudio/internal/aics"
	"github.com/leaudio-go/leaudio/internal/apperr"
	"github.com/leaudio-go/leaudio/internal/gattsurface"
	"github.com/leaudio-go/leaudio/internal/vocs"
)

func newAttachedPair(t *testing.T, p InitParams) (*Server, *Client, *gattsurface.Sim, *gattsurface.Sim) {
	t.Helper()
	peripheral, central := gattsurface.NewSimPair("peripheral", "central")

	srv := NewServer()
	if apiErr := srv.Init(p); apiErr != 0 {
		t.Fatalf("Init: %v", apiErr)
	}
	tree := srv.BuildAttrs(peripheral)
	if err := peripheral.RegisterService(tree); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}

	cl := NewClient()
	discoverErr := apperr.APIError(-1)
	vocsCount, aicsCount := -1, -1
	done := make(chan struct{})
	cl.CbRegister(ClientCallbacks{
		OnDiscover: func(err apperr.APIError, vc, ac int) {
			discoverErr = err
			vocsCount = vc
			aicsCount = ac
			close(done)
		},
	})
	if apiErr := cl.Discover(central, central.Conn()); apiErr != 0 {
		t.Fatalf("Discover: %v", apiErr)
	}
	<-done
	if discoverErr != 0 {
		t.Fatalf("discover err = %v", discoverErr)
	}
	if vocsCount != len(p.VocsInit) || aicsCount != len(p.AicsInit) {
		t.Fatalf("discovered vocs=%d aics=%d, want vocs=%d aics=%d",
			vocsCount, aicsCount, len(p.VocsInit), len(p.AicsInit))
	}

	return srv, cl, peripheral, central
}

func defaultParams() InitParams {
	return InitParams{
		Volume:     50,
		Mute:       Unmuted,
		VolumeStep: 5,
		VocsInit:   []vocs.InitParams{{Location: 1, Description: "speaker"}},
		AicsInit: []aics.InitParams{{
			Gain:         0,
			Mute:         aics.Unmuted,
			Mode:         aics.ModeManual,
			GainSettings: aics.GainSettings{Units: 1, Minimum: -20, Maximum: 20},
			InputType:    aics.InputTypeAnalog,
			Status:       aics.StatusActive,
		}},
	}
}

func TestDiscoverFindsIncludedSubServices(t *testing.T) {
	_, cl, _, _ := newAttachedPair(t, defaultParams())

	if cl.VocsCount() != 1 || cl.AicsCount() != 1 {
		t.Fatalf("VocsCount=%d AicsCount=%d, want 1 and 1", cl.VocsCount(), cl.AicsCount())
	}
	if _, apiErr := cl.VocsAt(0); apiErr != 0 {
		t.Fatalf("VocsAt(0): %v", apiErr)
	}
	if _, apiErr := cl.AicsAt(0); apiErr != 0 {
		t.Fatalf("AicsAt(0): %v", apiErr)
	}
}

func TestVolumeUpBumpsStateAndLatchesFlagsOnce(t *testing.T) {
	srv, cl, _, _ := newAttachedPair(t, defaultParams())

	flagsCount := 0
	flagsNotified := make(chan struct{}, 1)
	cl.cb.OnFlags = func(err apperr.APIError, flags Flags) {
		flagsCount++
		flagsNotified <- struct{}{}
	}

	if apiErr := srv.VolumeUp(); apiErr != 0 {
		t.Fatalf("VolumeUp: %v", apiErr)
	}
	<-flagsNotified

	state, flags := srv.Snapshot()
	if state.Volume != 55 || state.Counter != 1 {
		t.Fatalf("state = %+v, want volume=55 counter=1", state)
	}
	if !flags.VolumeChanged() || flagsCount != 1 {
		t.Fatalf("flags = %v count = %d, want latched once", flags, flagsCount)
	}

	// Flags bit 0 never resets and is not renotified once latched
	// (spec.md §3.1): a second volume-change opcode must bump the State
	// counter again but must not fire OnFlags a second time.
	if apiErr := srv.VolumeDown(); apiErr != 0 {
		t.Fatalf("VolumeDown: %v", apiErr)
	}
	state, flags = srv.Snapshot()
	if state.Counter != 2 {
		t.Fatalf("counter = %d, want 2", state.Counter)
	}
	if flagsCount != 1 {
		t.Fatalf("flags renotified after latch: count = %d", flagsCount)
	}
	if !flags.VolumeChanged() {
		t.Fatalf("flags bit reset, want it to stay latched")
	}
}

func TestRelVolDownAtZeroLatchesFlagsWithoutStateChange(t *testing.T) {
	p := defaultParams()
	p.Volume = 0
	srv, cl, _, _ := newAttachedPair(t, p)

	flagsNotified := make(chan struct{}, 1)
	cl.cb.OnFlags = func(err apperr.APIError, flags Flags) {
		flagsNotified <- struct{}{}
	}
	stateNotifyCount := 0
	cl.cb.OnState = func(err apperr.APIError, volume uint8, mute Mute) {
		stateNotifyCount++
	}

	// Relative Volume Down at volume 0 is already saturated: the opcode
	// is still a "volume_change" opcode that latches Flags even though it
	// leaves the State characteristic untouched (spec.md §3.1, §4.1).
	if apiErr := srv.VolumeDown(); apiErr != 0 {
		t.Fatalf("VolumeDown: %v", apiErr)
	}
	<-flagsNotified

	state, flags := srv.Snapshot()
	if state.Volume != 0 || state.Counter != 0 {
		t.Fatalf("state = %+v, want unchanged at volume=0 counter=0", state)
	}
	if !flags.VolumeChanged() {
		t.Fatalf("flags not latched despite no-op volume change")
	}
	if stateNotifyCount != 0 {
		t.Fatalf("state notified despite no actual state change: count = %d", stateNotifyCount)
	}
}

func TestPlainMuteDoesNotLatchFlags(t *testing.T) {
	srv, _, _, _ := newAttachedPair(t, defaultParams())

	if apiErr := srv.Mute(); apiErr != 0 {
		t.Fatalf("Mute: %v", apiErr)
	}
	state, flags := srv.Snapshot()
	if state.Mute != Muted || state.Counter != 1 {
		t.Fatalf("state = %+v, want muted counter=1", state)
	}
	if flags.VolumeChanged() {
		t.Fatalf("flags latched by a plain Mute, want it to stay clear")
	}
}

func TestClientSetAbsVolRoundTrip(t *testing.T) {
	srv, cl, _, _ := newAttachedPair(t, defaultParams())

	done := make(chan struct{})
	controlErr := apperr.APIError(-1)
	cl.cb.OnControl = func(err apperr.APIError) {
		controlErr = err
		close(done)
	}
	if apiErr := cl.SetVolume(80); apiErr != 0 {
		t.Fatalf("SetVolume: %v", apiErr)
	}
	<-done
	if controlErr != 0 {
		t.Fatalf("control err = %v, want 0", controlErr)
	}
	state, _ := srv.Snapshot()
	if state.Volume != 80 {
		t.Fatalf("server volume = %d, want 80", state.Volume)
	}
}

func TestClientStaleCounterRetries(t *testing.T) {
	srv, cl, _, central := newAttachedPair(t, defaultParams())

	// Desync the client's cached counter from the server's by performing a
	// server-side change the client never observed: its State notifications
	// are dropped first.
	central.SetNotifyHandler(central.Conn(), cl.stateHandle, nil)
	if apiErr := srv.Mute(); apiErr != 0 {
		t.Fatalf("Mute: %v", apiErr)
	}

	done := make(chan struct{})
	controlErr := apperr.APIError(-1)
	cl.cb.OnControl = func(err apperr.APIError) {
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
	state, _ := srv.Snapshot()
	if state.Mute != Unmuted {
		t.Fatalf("server mute = %v, want Unmuted", state.Mute)
	}
	if cl.Busy() {
		t.Fatalf("client still busy after transaction completed")
	}
}

func TestClientSecondMismatchSurfacesErrorInsteadOfRetryingAgain(t *testing.T) {
	srv, cl, _, central := newAttachedPair(t, defaultParams())

	// First desync: the client's cached counter lags the server's, so the
	// initial write mismatches and the FSM re-reads state before retrying.
	// The client's State notifications are dropped so it cannot resync early.
	central.SetNotifyHandler(central.Conn(), cl.stateHandle, nil)
	if apiErr := srv.Mute(); apiErr != 0 {
		t.Fatalf("Mute: %v", apiErr)
	}

	// Desync a second time from inside the re-read's own OnState delivery,
	// so by the time the retried write lands the counter it carries is
	// already stale again (spec.md §4.4: "a second counter mismatch is not
	// retried -- it surfaces as an error").
	resynced := false
	cl.cb.OnState = func(err apperr.APIError, volume uint8, mute Mute) {
		if !resynced {
			resynced = true
			if apiErr := srv.Unmute(); apiErr != 0 {
				t.Fatalf("Unmute: %v", apiErr)
			}
		}
	}

	done := make(chan struct{})
	controlErr := apperr.APIError(-1)
	cl.cb.OnControl = func(err apperr.APIError) {
		controlErr = err
		close(done)
	}
	if apiErr := cl.Unmute(); apiErr != 0 {
		t.Fatalf("Unmute: %v", apiErr)
	}
	<-done
	if controlErr == 0 {
		t.Fatalf("control err = 0, want an error after a second counter mismatch")
	}
	if cl.Busy() {
		t.Fatalf("client still busy after transaction completed")
	}
}

func TestSetVolumeStepFixedToReportSuccess(t *testing.T) {
	srv, _, _, _ := newAttachedPair(t, defaultParams())

	// bt_vcs_volume_step_set in the original always falls through to
	// -EOPNOTSUPP, even though it assigns vcs_inst.volume_step first; the
	// Go port reports success on the same path (REDESIGN FLAGS).
	if apiErr := srv.SetVolumeStep(10); apiErr != 0 {
		t.Fatalf("SetVolumeStep: %v, want success", apiErr)
	}
	if apiErr := srv.VolumeUp(); apiErr != 0 {
		t.Fatalf("VolumeUp: %v", apiErr)
	}
	state, _ := srv.Snapshot()
	if state.Volume != 60 {
		t.Fatalf("volume = %d, want 60 (step 10 applied)", state.Volume)
	}

	if apiErr := srv.SetVolumeStep(0); apiErr == 0 {
		t.Fatalf("SetVolumeStep(0) succeeded, want ErrInvalidArgument")
	}
}

func TestIncludedVocsSetOffsetReachableThroughServer(t *testing.T) {
	srv, _, _, _ := newAttachedPair(t, defaultParams())

	inst, apiErr := srv.VocsAt(0)
	if apiErr != 0 {
		t.Fatalf("VocsAt(0): %v", apiErr)
	}
	if apiErr := inst.SetOffset(100); apiErr != 0 {
		t.Fatalf("SetOffset: %v", apiErr)
	}
	state, _, _ := inst.Snapshot()
	if state.Offset != 100 {
		t.Fatalf("vocs offset = %d, want 100", state.Offset)
	}
}
