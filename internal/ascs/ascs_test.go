package ascs

import (
	"testing"

	"github.com/leaudio-go/leaudio/internal/apperr"
	"github.com/leaudio-go/leaudio/internal/btuuid"
	"github.com/leaudio-go/leaudio/internal/gattsurface"
)

func newTestEndpoint(t *testing.T, sinkCount, sourceCount int) (*Manager, *gattsurface.Sim, *gattsurface.Sim, *gattsurface.Attr) {
	t.Helper()
	peripheral, central := gattsurface.NewSimPair("peripheral-addr", "central-addr")

	m := NewManager()
	if apiErr := m.Init(InitParams{SinkCount: uint8(sinkCount), SourceCount: uint8(sourceCount), Bonds: peripheral.Bonds()}); apiErr != 0 {
		t.Fatalf("Init: %v", apiErr)
	}
	attrs := m.BuildAttrs(peripheral)
	tree := &gattsurface.ServiceTree{UUID: btuuid.ASCS, Attrs: attrs}
	if err := peripheral.RegisterService(tree); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}

	var cp *gattsurface.Attr
	for _, a := range attrs {
		if a.UUID == btuuid.ASCSControlPoint {
			cp = a
		}
	}
	if cp == nil {
		t.Fatalf("no control point attribute built")
	}
	return m, peripheral, central, cp
}

func writeCP(t *testing.T, central *gattsurface.Sim, cp *gattsurface.Attr, data []byte) apperr.ATTError {
	t.Helper()
	done := make(chan struct{})
	var got apperr.ATTError
	central.Write(central.Conn(), cp.Handle, data, func(err apperr.ATTError) {
		got = err
		close(done)
	})
	<-done
	return got
}

func encodeConfig(ase byte, dir Direction, latency, phy byte, cc []byte) []byte {
	buf := []byte{byte(OpConfig), 1, ase, byte(dir), latency, phy, 0x06, 0x00, 0x00, 0x00, 0x00, byte(len(cc))}
	return append(buf, cc...)
}

func encodeQoS(ase, cig, cis byte, interval uint32, framing, phy byte, sdu uint16, rtn byte, latency uint16, pd uint32) []byte {
	buf := []byte{byte(OpQoS), 1, ase, cig, cis}
	iv := make([]byte, 3)
	putLe24(iv, interval)
	buf = append(buf, iv...)
	buf = append(buf, framing, phy)
	sduB := []byte{byte(sdu), byte(sdu >> 8)}
	buf = append(buf, sduB...)
	buf = append(buf, rtn)
	latB := []byte{byte(latency), byte(latency >> 8)}
	buf = append(buf, latB...)
	pdB := make([]byte, 3)
	putLe24(pdB, pd)
	buf = append(buf, pdB...)
	return buf
}

func encodeMeta(op Opcode, ase byte, meta []byte) []byte {
	buf := []byte{byte(op), 1, ase, byte(len(meta))}
	return append(buf, meta...)
}

func encodeIDList(op Opcode, ids ...byte) []byte {
	buf := []byte{byte(op), byte(len(ids))}
	return append(buf, ids...)
}

func mustRsp(t *testing.T, data []byte) (op Opcode, numASE byte, entries []AseRsp) {
	t.Helper()
	if len(data) < 2 {
		t.Fatalf("response too short: %x", data)
	}
	op = Opcode(data[0])
	numASE = data[1]
	body := data[2:]
	for i := 0; i+3 <= len(body); i += 3 {
		entries = append(entries, AseRsp{ID: body[i], Code: RspCode(body[i+1]), Reason: Reason(body[i+2])})
	}
	return
}

func subscribeCP(t *testing.T, central *gattsurface.Sim, cp *gattsurface.Attr) chan []byte {
	t.Helper()
	ch := make(chan []byte, 8)
	done := make(chan struct{})
	central.Subscribe(central.Conn(), cp.Handle, func(err apperr.ATTError) {
		if err != 0 {
			t.Fatalf("Subscribe: %v", err)
		}
		close(done)
	})
	<-done
	central.SetNotifyHandler(central.Conn(), cp.Handle, func(data []byte) { ch <- data })
	return ch
}

func TestConfigQoSEnableStartHappyPath(t *testing.T) {
	_, peripheral, central, cp := newTestEndpoint(t, 1, 0)
	_ = peripheral
	notes := subscribeCP(t, central, cp)

	if err := writeCP(t, central, cp, encodeConfig(0, DirSink, LatencyLow, PHY1M, nil)); err != 0 {
		t.Fatalf("Config write: %v", err)
	}
	_, numASE, entries := mustRsp(t, <-notes)
	if numASE != 1 || entries[0].Code != RspSuccess || entries[0].ID != 1 {
		t.Fatalf("Config response = %+v numASE=%d", entries, numASE)
	}

	if err := writeCP(t, central, cp, encodeQoS(1, 0, 0, 10000, FramingUnframed, PHY1M, 40, 2, 10, 40000)); err != 0 {
		t.Fatalf("QoS write: %v", err)
	}
	_, _, entries = mustRsp(t, <-notes)
	if entries[0].Code != RspSuccess {
		t.Fatalf("QoS response = %+v", entries)
	}

	if err := writeCP(t, central, cp, encodeMeta(OpEnable, 1, nil)); err != 0 {
		t.Fatalf("Enable write: %v", err)
	}
	_, _, entries = mustRsp(t, <-notes)
	if entries[0].Code != RspSuccess {
		t.Fatalf("Enable response = %+v", entries)
	}

	if err := writeCP(t, central, cp, encodeIDList(OpStart, 1)); err != 0 {
		t.Fatalf("Start write: %v", err)
	}
	_, _, entries = mustRsp(t, <-notes)
	if entries[0].Code != RspSuccess {
		t.Fatalf("Start response = %+v", entries)
	}
}

func TestDisableStopReturnsAseToQoSConfigured(t *testing.T) {
	m, _, central, cp := newTestEndpoint(t, 1, 0)
	notes := subscribeCP(t, central, cp)

	writeCP(t, central, cp, encodeConfig(0, DirSink, LatencyLow, PHY1M, nil))
	<-notes
	writeCP(t, central, cp, encodeQoS(1, 0, 0, 10000, FramingUnframed, PHY1M, 40, 2, 10, 40000))
	<-notes
	writeCP(t, central, cp, encodeMeta(OpEnable, 1, nil))
	<-notes

	if err := writeCP(t, central, cp, encodeIDList(OpDisable, 1)); err != 0 {
		t.Fatalf("Disable write: %v", err)
	}
	_, _, entries := mustRsp(t, <-notes)
	if entries[0].Code != RspSuccess {
		t.Fatalf("Disable response = %+v", entries)
	}

	if err := writeCP(t, central, cp, encodeIDList(OpStop, 1)); err != 0 {
		t.Fatalf("Stop write: %v", err)
	}
	_, _, entries = mustRsp(t, <-notes)
	if entries[0].Code != RspSuccess {
		t.Fatalf("Stop response = %+v", entries)
	}

	a, ok := m.AseState("central-addr", 1)
	if !ok || a.State != StateQoS {
		t.Fatalf("ase state = %+v ok=%v, want QoS configured", a, ok)
	}
}

func TestReleaseFromStreamingReturnsToIdle(t *testing.T) {
	m, _, central, cp := newTestEndpoint(t, 1, 0)
	notes := subscribeCP(t, central, cp)

	writeCP(t, central, cp, encodeConfig(0, DirSink, LatencyLow, PHY1M, nil))
	<-notes
	writeCP(t, central, cp, encodeQoS(1, 0, 0, 10000, FramingUnframed, PHY1M, 40, 2, 10, 40000))
	<-notes
	writeCP(t, central, cp, encodeMeta(OpEnable, 1, nil))
	<-notes
	writeCP(t, central, cp, encodeIDList(OpStart, 1))
	<-notes

	if err := writeCP(t, central, cp, encodeIDList(OpRelease, 1)); err != 0 {
		t.Fatalf("Release write: %v", err)
	}
	_, _, entries := mustRsp(t, <-notes)
	if entries[0].Code != RspSuccess {
		t.Fatalf("Release response = %+v", entries)
	}

	a, ok := m.AseState("central-addr", 1)
	if !ok || a.State != StateIdle {
		t.Fatalf("ase state = %+v ok=%v, want idle", a, ok)
	}
}

func TestInvalidAseIDReported(t *testing.T) {
	_, _, central, cp := newTestEndpoint(t, 1, 0)
	notes := subscribeCP(t, central, cp)

	writeCP(t, central, cp, encodeIDList(OpStart, 7))
	_, _, entries := mustRsp(t, <-notes)
	if entries[0].Code != RspInvalidASE {
		t.Fatalf("entries = %+v, want InvalidASE", entries)
	}
}

func TestStartBeforeEnableRejectedWithInvalidState(t *testing.T) {
	_, _, central, cp := newTestEndpoint(t, 1, 0)
	notes := subscribeCP(t, central, cp)

	writeCP(t, central, cp, encodeConfig(0, DirSink, LatencyLow, PHY1M, nil))
	<-notes

	writeCP(t, central, cp, encodeIDList(OpStart, 1))
	_, _, entries := mustRsp(t, <-notes)
	if entries[0].Code != RspInvalidASEState {
		t.Fatalf("entries = %+v, want InvalidASEState", entries)
	}
}

func TestUnknownOpcodeIsAttLayerError(t *testing.T) {
	_, _, central, cp := newTestEndpoint(t, 1, 0)

	err := writeCP(t, central, cp, []byte{0xEE, 0x00})
	if err != apperr.ATTRequestNotSupported {
		t.Fatalf("err = %v, want ATTRequestNotSupported", err)
	}
}

func TestTruncatedConfigLatchesOverallTruncatedCode(t *testing.T) {
	_, _, central, cp := newTestEndpoint(t, 1, 0)
	notes := subscribeCP(t, central, cp)

	// num_ases claims two entries but the payload carries none.
	writeCP(t, central, cp, []byte{byte(OpConfig), 2})
	_, numASE, entries := mustRsp(t, <-notes)
	if numASE != 0xFF || entries[0].Code != RspTruncated {
		t.Fatalf("numASE=%d entries=%+v, want 0xFF Truncated", numASE, entries)
	}
}

func TestBondedPeerDetachesAcrossDisconnect(t *testing.T) {
	m, peripheral, central, cp := newTestEndpoint(t, 1, 0)
	notes := subscribeCP(t, central, cp)

	writeCP(t, central, cp, encodeConfig(0, DirSink, LatencyLow, PHY1M, nil))
	<-notes

	peripheral.Bonds().Upsert("central-addr", true)
	peripheral.FireDisconnect(0)

	a, ok := m.AseState("central-addr", 1)
	if !ok || a.State != StateConfig {
		t.Fatalf("ase state = %+v ok=%v, want cached codec-configured", a, ok)
	}
}

func TestNonBondedPeerClearsAcrossDisconnect(t *testing.T) {
	m, peripheral, central, cp := newTestEndpoint(t, 1, 0)
	notes := subscribeCP(t, central, cp)

	writeCP(t, central, cp, encodeConfig(0, DirSink, LatencyLow, PHY1M, nil))
	<-notes

	peripheral.FireDisconnect(0)

	_, ok := m.AseState("central-addr", 1)
	if ok {
		t.Fatalf("expected endpoint entry to be cleared for non-bonded peer")
	}
}
