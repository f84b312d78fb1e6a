package msg

import (
	"testing"

	"github.com/ModeladoFoundation/ocr-sub001/datablock"
	"github.com/ModeladoFoundation/ocr-sub001/guid"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	orig := &Message{
		Kind:         DbAcquire,
		Prop:         WithPrio(TwoWay|Persist, 2),
		GUID:         guid.GUID(42),
		EdtGUID:      guid.GUID(7),
		Slot:         3,
		Size:         1024,
		Mode:         datablock.ModeRW,
		Pointer:      []byte{1, 2, 3, 4},
		ReturnDetail: -5,
	}
	b := orig.EncodeMsgp(nil)

	var got Message
	rest, err := got.DecodeMsgp(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 0 {
		t.Fatalf("expected all bytes consumed, %d left", len(rest))
	}
	if got.Kind != orig.Kind || got.GUID != orig.GUID || got.EdtGUID != orig.EdtGUID ||
		got.Slot != orig.Slot || got.Size != orig.Size || got.Mode != orig.Mode ||
		got.ReturnDetail != orig.ReturnDetail || string(got.Pointer) != string(orig.Pointer) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, *orig)
	}
	if got.Prop.Prio() != 2 {
		t.Fatalf("expected prio 2, got %d", got.Prop.Prio())
	}
}

func TestEncodeDecodeWorkCreateShape(t *testing.T) {
	orig := &Message{
		Kind:         WorkCreate,
		Prop:         TwoWay | FromMsg,
		ID:           77,
		Src:          guid.Location(0),
		Dest:         guid.Location(1),
		TemplateGUID: guid.GUID(0x1000_0000_0000_0001),
		ParamC:       2,
		ParamV:       []int64{42, -7},
		DepC:         2,
		Depv:         []guid.Fat{{GUID: guid.GUID(11)}, {GUID: guid.GUID(12)}},
		CurrentEdt:   guid.GUID(55),
		ParentLatch:  guid.GUID(66),
		OutputEvent:  guid.Uninitialized,
		Affinity:     guid.Fat{GUID: guid.LocationGUID(guid.Location(1))},
	}
	var got Message
	if _, err := got.DecodeMsgp(orig.EncodeMsgp(nil)); err != nil {
		t.Fatal(err)
	}
	if got.TemplateGUID != orig.TemplateGUID || got.ParamC != orig.ParamC ||
		got.DepC != orig.DepC || got.CurrentEdt != orig.CurrentEdt ||
		got.ParentLatch != orig.ParentLatch || got.OutputEvent != orig.OutputEvent ||
		got.Affinity.GUID != orig.Affinity.GUID || got.ID != orig.ID ||
		got.Src != orig.Src || got.Dest != orig.Dest {
		t.Fatalf("WORK_CREATE round trip mismatch: got %+v want %+v", got, *orig)
	}
	if len(got.ParamV) != 2 || got.ParamV[0] != 42 || got.ParamV[1] != -7 {
		t.Fatalf("paramv mismatch: %v", got.ParamV)
	}
	if len(got.Depv) != 2 || got.Depv[0].GUID != guid.GUID(11) || got.Depv[1].GUID != guid.GUID(12) {
		t.Fatalf("depv mismatch: %v", got.Depv)
	}
}

func TestEncodeDecodeDepSatisfyShape(t *testing.T) {
	orig := &Message{
		Kind:    DepSatisfy,
		GUID:    guid.GUID(9),
		EdtGUID: guid.GUID(9),
		Slot:    2,
		Source:  guid.Fat{GUID: guid.GUID(21)},
		Payload: guid.Fat{GUID: guid.GUID(31)},
	}
	var got Message
	if _, err := got.DecodeMsgp(orig.EncodeMsgp(nil)); err != nil {
		t.Fatal(err)
	}
	if got.Source.GUID != orig.Source.GUID || got.Payload.GUID != orig.Payload.GUID ||
		got.EdtGUID != orig.EdtGUID || got.Slot != orig.Slot {
		t.Fatalf("DEP_SATISFY round trip mismatch: got %+v want %+v", got, *orig)
	}
}

func TestEncodeDecodeMetadataCloneShape(t *testing.T) {
	orig := &Message{
		Kind:        GuidMetadataClone,
		GUID:        guid.GUID(0xabc),
		MetadataPtr: []byte{9, 8, 7, 6},
		Size:        4,
		ParamC:      1,
		DepC:        3,
	}
	var got Message
	if _, err := got.DecodeMsgp(orig.EncodeMsgp(nil)); err != nil {
		t.Fatal(err)
	}
	if string(got.MetadataPtr) != string(orig.MetadataPtr) || got.ParamC != 1 || got.DepC != 3 || got.Size != 4 {
		t.Fatalf("GUID_METADATA_CLONE round trip mismatch: got %+v want %+v", got, *orig)
	}
}

func TestEncodeDecodeRlNotifyShape(t *testing.T) {
	orig := &Message{
		Kind:      MgtRlNotify,
		Runlevel:  6,
		ErrorCode: 7,
		GuidArray: []guid.GUID{guid.GUID(1), guid.GUID(2)},
		HintKey:   4,
		HintValue: -9,
	}
	var got Message
	if _, err := got.DecodeMsgp(orig.EncodeMsgp(nil)); err != nil {
		t.Fatal(err)
	}
	if got.Runlevel != 6 || got.ErrorCode != 7 ||
		len(got.GuidArray) != 2 || got.GuidArray[1] != guid.GUID(2) ||
		got.HintKey != 4 || got.HintValue != -9 {
		t.Fatalf("MGT_RL_NOTIFY round trip mismatch: got %+v want %+v", got, *orig)
	}
}

func TestHandleHappyPathProgression(t *testing.T) {
	req := &Message{Kind: DbAcquire, Prop: TwoWay}
	h := NewHandle(req)
	if h.Status() != Normal {
		t.Fatalf("expected NORMAL, got %v", h.Status())
	}
	h.MarkSendOK()
	if h.Status() != SendOK {
		t.Fatalf("expected SEND_OK, got %v", h.Status())
	}
	h.MarkResponse(&Message{Kind: DbAcquire, ReturnDetail: 0})
	if h.Status() != ResponseOK {
		t.Fatalf("expected RESPONSE_OK, got %v", h.Status())
	}
}

func TestHandleSendErrBranch(t *testing.T) {
	h := NewHandle(&Message{Kind: DbCreate})
	h.MarkSendErr()
	if h.Status() != SendErr {
		t.Fatalf("expected SEND_ERR, got %v", h.Status())
	}
}

func TestHandleWaitUnblocksOnResponse(t *testing.T) {
	h := NewHandle(&Message{Kind: DbAcquire, Prop: TwoWay})
	done := make(chan HandleStatus)
	go func() { done <- h.Wait() }()
	h.MarkSendOK()
	h.MarkResponse(&Message{Kind: DbAcquire})
	if status := <-done; status != ResponseOK {
		t.Fatalf("expected RESPONSE_OK, got %v", status)
	}
}
