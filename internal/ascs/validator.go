package ascs

// Validator checks the concrete bounds on Config/QoS/Metadata opcode
// fields that spec.md §4.6 names only by response reason code
// (latency, PHY, codec-data, SDU, interval, framing, PD, metadata).
// ascs.c/endpoint.c validate PHY in {1M,2M,Coded}, framing in
// {Unframed,Framed}, and non-zero SDU/interval/latency/PD (spec.md's
// SPEC_FULL expansion); a host with real codec capability data can
// substitute a stricter Validator that checks against it.
type Validator interface {
	ValidateConfig(req ConfigReq) (RspCode, Reason)
	ValidateQoS(req QoSReq) (RspCode, Reason)
	ValidateMetadata(meta []byte) (RspCode, Reason)
}

// DefaultValidator applies the original's shape checks without any real
// codec-capability table (spec.md Non-goals: no codec negotiation).
type DefaultValidator struct{}

func (DefaultValidator) ValidateConfig(req ConfigReq) (RspCode, Reason) {
	if req.Latency < LatencyLow || req.Latency > LatencyHigh {
		return RspConfInvalid, ReasonLatency
	}
	if req.PHY < PHY1M || req.PHY > PHYCoded {
		return RspConfInvalid, ReasonPHY
	}
	if req.Dir != DirSink && req.Dir != DirSource {
		return RspConfInvalid, ReasonDir
	}
	return RspSuccess, ReasonNone
}

func (DefaultValidator) ValidateQoS(req QoSReq) (RspCode, Reason) {
	if req.Interval == 0 {
		return RspConfUnsupported, ReasonInterval
	}
	if req.Framing != FramingUnframed && req.Framing != FramingFramed {
		return RspConfUnsupported, ReasonFraming
	}
	if req.PHY < PHY1M || req.PHY > PHYCoded {
		return RspConfUnsupported, ReasonPHY
	}
	if req.SDU == 0 {
		return RspConfUnsupported, ReasonSDU
	}
	if req.Latency == 0 {
		return RspConfUnsupported, ReasonLatency
	}
	if req.PD == 0 {
		return RspConfUnsupported, ReasonPD
	}
	return RspSuccess, ReasonNone
}

func (DefaultValidator) ValidateMetadata(meta []byte) (RspCode, Reason) {
	// LTV-formatted: each entry is [len][type][len-1 bytes of value].
	for i := 0; i < len(meta); {
		l := int(meta[i])
		if l == 0 || i+1+l > len(meta) {
			return RspMetadataInvalid, ReasonMetadata
		}
		i += 1 + l
	}
	return RspSuccess, ReasonNone
}

// DefaultPDMin and DefaultPDMax seed the Presentation Delay range
// advertised in the Codec Configured status payload when no capability
// table supplies tighter bounds.
const (
	DefaultPDMin uint32 = 0
	DefaultPDMax uint32 = 0x0F4240 // 1,000,000 microseconds
)
