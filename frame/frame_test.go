package frame

import (
	"fmt"
	"testing"
)

func TestTypeWireValues(t *testing.T) {
	cases := map[Type]uint8{
		TypeHello:       0,
		TypeReq:         1,
		TypeChunk:       3,
		TypeEnd:         4,
		TypeLog:         5,
		TypeErr:         6,
		TypeHeartbeat:   7,
		TypeStreamStart: 8,
		TypeStreamEnd:   9,
		TypeRelayNotify: 10,
		TypeRelayState:  11,
	}
	for ty, want := range cases {
		if uint8(ty) != want {
			t.Errorf("%s must be %d, got %d", ty, want, uint8(ty))
		}
	}
}

func TestTypeStringUnknown(t *testing.T) {
	ty := Type(99)
	if ty.String() != fmt.Sprintf("UNKNOWN(%d)", 99) {
		t.Errorf("expected UNKNOWN(99), got %s", ty.String())
	}
}

func TestMessageIDUintRoundtrip(t *testing.T) {
	id := NewMessageIDFromUint(42)
	if id.IsUUID() {
		t.Fatal("uint id should not report as uuid")
	}
	if id.String() != "42" {
		t.Errorf("expected \"42\", got %q", id.String())
	}
}

func TestMessageIDUUIDRoundtrip(t *testing.T) {
	id := NewMessageIDRandom()
	if !id.IsUUID() {
		t.Fatal("random id should be uuid variant")
	}
	if id.UUIDString() == "" {
		t.Fatal("expected non-empty uuid string")
	}
}

func TestMessageIDEqualsAcrossVariants(t *testing.T) {
	a := NewMessageIDFromUint(1)
	b := NewMessageIDRandom()
	if a.Equals(b) {
		t.Fatal("uint and uuid ids must never compare equal")
	}
}

func TestIsFlowFrameExcludesControlFrames(t *testing.T) {
	nonFlow := []*Frame{
		NewHello(10, 10, 10),
		NewHeartbeat(),
		NewRelayNotify(nil, 10, 10, 10),
		NewRelayState(nil),
	}
	for _, f := range nonFlow {
		if f.IsFlowFrame() {
			t.Errorf("%s must not be a flow frame", f.Type)
		}
	}

	flow := NewReq(NewMessageIDRandom(), "cap:in=media:text;out=media:text", nil, "application/octet-stream")
	if !flow.IsFlowFrame() {
		t.Error("REQ must be a flow frame")
	}
}

func TestComputeChecksumMatchesVerify(t *testing.T) {
	payload := []byte("hello world")
	sum := ComputeChecksum(payload)
	f := NewChunk(NewMessageIDRandom(), "stream-1", 0, payload, 0, sum)
	if err := VerifyChunkChecksum(f); err != nil {
		t.Fatalf("expected checksum to verify, got %v", err)
	}
}

func TestVerifyChunkChecksumRejectsMismatch(t *testing.T) {
	f := NewChunk(NewMessageIDRandom(), "stream-1", 0, []byte("a"), 0, 0)
	if err := VerifyChunkChecksum(f); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestSeqAssignerIsPerFlowMonotonic(t *testing.T) {
	sa := NewSeqAssigner()
	reqA := NewMessageIDRandom()
	reqB := NewMessageIDRandom()

	f1 := NewChunk(reqA, "s", 0, nil, 0, ComputeChecksum(nil))
	f2 := NewChunk(reqA, "s", 0, nil, 1, ComputeChecksum(nil))
	f3 := NewChunk(reqB, "s", 0, nil, 0, ComputeChecksum(nil))

	sa.Assign(f1)
	sa.Assign(f2)
	sa.Assign(f3)

	if f1.Seq != 0 || f2.Seq != 1 {
		t.Errorf("expected flow A seqs 0,1; got %d,%d", f1.Seq, f2.Seq)
	}
	if f3.Seq != 0 {
		t.Errorf("expected flow B to start at 0 independently; got %d", f3.Seq)
	}
}

func TestSeqAssignerSkipsNonFlowFrames(t *testing.T) {
	sa := NewSeqAssigner()
	hb := NewHeartbeat()
	sa.Assign(hb)
	if hb.Seq != 0 {
		t.Errorf("non-flow frame seq must stay 0, got %d", hb.Seq)
	}
}

func TestSeqAssignerRemoveResetsFlow(t *testing.T) {
	sa := NewSeqAssigner()
	req := NewMessageIDRandom()
	f1 := NewChunk(req, "s", 0, nil, 0, ComputeChecksum(nil))
	sa.Assign(f1)
	sa.Remove(FlowKeyFromFrame(f1))

	f2 := NewChunk(req, "s", 0, nil, 0, ComputeChecksum(nil))
	sa.Assign(f2)
	if f2.Seq != 0 {
		t.Errorf("expected flow to restart at 0 after Remove, got %d", f2.Seq)
	}
}
