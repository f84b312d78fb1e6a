package msg

import (
	"fmt"

	"github.com/tinylib/msgp/msgp"

	"github.com/ModeladoFoundation/ocr-sub001/datablock"
	"github.com/ModeladoFoundation/ocr-sub001/guid"
)

// Prop is the message property bitmask: TWOWAY (response expected),
// PERSIST (buffer valid until the reply is observed), ASYNC (async
// two-way; handle owned by the callee), BLOCKING_SEND, a 3-bit priority,
// and a marshall-mode byte in the upper bits.
type Prop uint32

const (
	TwoWay Prop = 1 << iota
	Persist
	Async
	BlockingSend
	// FromMsg marks a message the comm worker materialized from a received
	// wire message, so the distributed overlay knows the caller is a
	// runtime task (suspend/resume via waiter-queue) rather than an
	// application thread (busy-wait).
	FromMsg
	// Outbound marks a message queued for the comm worker via COMM_GIVE;
	// the overlay's dispatcher recognizes it and performs the actual send
	// to Dest instead of processing it locally.
	Outbound
)

const (
	prioShift        = 8
	prioMask    Prop = 0x7 << prioShift
	marshalShift     = 24
	marshalMask Prop = 0xff << marshalShift
)

func (p Prop) Prio() int { return int((p & prioMask) >> prioShift) }

func WithPrio(p Prop, prio int) Prop {
	return (p &^ prioMask) | Prop(prio&0x7)<<prioShift
}

func (p Prop) MarshalMode() byte { return byte((p & marshalMask) >> marshalShift) }

// Message is the tagged Policy Message record. Only the fields relevant
// to Kind are populated by a given sender; the zero value of an unused
// field is never inspected by processMessage dispatch. One flattened
// record covers every kind rather than N distinct wire types, so the
// request buffer can be reused for the response.
type Message struct {
	Kind Kind
	Prop Prop

	// identity / routing
	ID     uint64
	Trace  string // short human-readable tag stamped on first send, for log correlation
	GUID   guid.GUID
	Dest   guid.Location
	Src    guid.Location
	EdtGUID guid.GUID
	Slot   int

	// DB_CREATE / DB_ACQUIRE / DB_RELEASE / DB_FREE
	Size        int64
	Flags       datablock.Flags
	Mode        datablock.Mode
	Pointer     []byte
	Affinity    guid.Fat
	AllocatorID int

	// WORK_CREATE / EDTTEMP_CREATE
	TemplateGUID guid.GUID
	ParamC       int
	ParamV       []int64
	DepC         int
	Depv         []guid.Fat
	WorkType     int
	CurrentEdt   guid.GUID
	ParentLatch  guid.GUID
	OutputEvent  guid.GUID

	// DEP_ADD / DEP_SATISFY
	Source  guid.Fat
	Payload guid.Fat

	// GUID_METADATA_CLONE
	MetadataPtr []byte

	// MGT_RL_NOTIFY
	Runlevel  int
	ErrorCode int

	// COMM_TAKE / COMM_GIVE
	GuidArray []guid.GUID
	TakeType  int

	// HINT_SET / HINT_GET
	HintKey   int
	HintValue int64

	ReturnDetail int32
}

// wireFieldCount is the number of key/value pairs EncodeMsgp writes. A
// fat-guid crosses the wire as its guid alone: the metadata half is a
// local pointer by definition and is re-resolved on the receiving side.
const wireFieldCount = 34

// EncodeMsgp appends the wire form of m to b, written in the hand-rolled
// style msgp-generated code uses (field-count map header then tag/value
// pairs), since no `go generate` pass produced a codegen file for this
// struct. Every field any kind can carry across a Policy Domain boundary
// is included, so decode(encode(m)) == m up to local-only metadata
// pointers.
func (m *Message) EncodeMsgp(b []byte) []byte {
	b = msgp.AppendMapHeader(b, wireFieldCount)
	b = msgp.AppendString(b, "kind")
	b = msgp.AppendUint16(b, uint16(m.Kind))
	b = msgp.AppendString(b, "prop")
	b = msgp.AppendUint32(b, uint32(m.Prop))
	b = msgp.AppendString(b, "id")
	b = msgp.AppendUint64(b, m.ID)
	b = msgp.AppendString(b, "trace")
	b = msgp.AppendString(b, m.Trace)
	b = msgp.AppendString(b, "guid")
	b = msgp.AppendUint64(b, uint64(m.GUID))
	b = msgp.AppendString(b, "dest")
	b = msgp.AppendInt32(b, int32(m.Dest))
	b = msgp.AppendString(b, "src")
	b = msgp.AppendInt32(b, int32(m.Src))
	b = msgp.AppendString(b, "edtguid")
	b = msgp.AppendUint64(b, uint64(m.EdtGUID))
	b = msgp.AppendString(b, "slot")
	b = msgp.AppendInt(b, m.Slot)
	b = msgp.AppendString(b, "size")
	b = msgp.AppendInt64(b, m.Size)
	b = msgp.AppendString(b, "flags")
	b = msgp.AppendUint32(b, uint32(m.Flags))
	b = msgp.AppendString(b, "mode")
	b = msgp.AppendUint8(b, uint8(m.Mode))
	b = msgp.AppendString(b, "pointer")
	b = msgp.AppendBytes(b, m.Pointer)
	b = msgp.AppendString(b, "affinity")
	b = msgp.AppendUint64(b, uint64(m.Affinity.GUID))
	b = msgp.AppendString(b, "allocatorid")
	b = msgp.AppendInt(b, m.AllocatorID)
	b = msgp.AppendString(b, "templateguid")
	b = msgp.AppendUint64(b, uint64(m.TemplateGUID))
	b = msgp.AppendString(b, "paramc")
	b = msgp.AppendInt(b, m.ParamC)
	b = msgp.AppendString(b, "paramv")
	b = msgp.AppendArrayHeader(b, uint32(len(m.ParamV)))
	for _, v := range m.ParamV {
		b = msgp.AppendInt64(b, v)
	}
	b = msgp.AppendString(b, "depc")
	b = msgp.AppendInt(b, m.DepC)
	b = msgp.AppendString(b, "depv")
	b = msgp.AppendArrayHeader(b, uint32(len(m.Depv)))
	for _, dep := range m.Depv {
		b = msgp.AppendUint64(b, uint64(dep.GUID))
	}
	b = msgp.AppendString(b, "worktype")
	b = msgp.AppendInt(b, m.WorkType)
	b = msgp.AppendString(b, "currentedt")
	b = msgp.AppendUint64(b, uint64(m.CurrentEdt))
	b = msgp.AppendString(b, "parentlatch")
	b = msgp.AppendUint64(b, uint64(m.ParentLatch))
	b = msgp.AppendString(b, "outputevent")
	b = msgp.AppendUint64(b, uint64(m.OutputEvent))
	b = msgp.AppendString(b, "source")
	b = msgp.AppendUint64(b, uint64(m.Source.GUID))
	b = msgp.AppendString(b, "payload")
	b = msgp.AppendUint64(b, uint64(m.Payload.GUID))
	b = msgp.AppendString(b, "metadataptr")
	b = msgp.AppendBytes(b, m.MetadataPtr)
	b = msgp.AppendString(b, "runlevel")
	b = msgp.AppendInt(b, m.Runlevel)
	b = msgp.AppendString(b, "errorcode")
	b = msgp.AppendInt(b, m.ErrorCode)
	b = msgp.AppendString(b, "guidarray")
	b = msgp.AppendArrayHeader(b, uint32(len(m.GuidArray)))
	for _, g := range m.GuidArray {
		b = msgp.AppendUint64(b, uint64(g))
	}
	b = msgp.AppendString(b, "taketype")
	b = msgp.AppendInt(b, m.TakeType)
	b = msgp.AppendString(b, "hintkey")
	b = msgp.AppendInt(b, m.HintKey)
	b = msgp.AppendString(b, "hintvalue")
	b = msgp.AppendInt64(b, m.HintValue)
	b = msgp.AppendString(b, "returndetail")
	b = msgp.AppendInt32(b, m.ReturnDetail)
	return b
}

// DecodeMsgp reads back the fields EncodeMsgp wrote. Unknown keys are
// rejected by the strict field switch; a short or corrupt buffer surfaces
// as the msgp read error.
func (m *Message) DecodeMsgp(b []byte) ([]byte, error) {
	sz, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, err
	}
	for i := uint32(0); i < sz; i++ {
		var key string
		key, b, err = msgp.ReadStringBytes(b)
		if err != nil {
			return b, err
		}
		switch key {
		case "kind":
			var v uint16
			v, b, err = msgp.ReadUint16Bytes(b)
			m.Kind = Kind(v)
		case "prop":
			var v uint32
			v, b, err = msgp.ReadUint32Bytes(b)
			m.Prop = Prop(v)
		case "id":
			m.ID, b, err = msgp.ReadUint64Bytes(b)
		case "trace":
			m.Trace, b, err = msgp.ReadStringBytes(b)
		case "guid":
			var v uint64
			v, b, err = msgp.ReadUint64Bytes(b)
			m.GUID = guid.GUID(v)
		case "dest":
			var v int32
			v, b, err = msgp.ReadInt32Bytes(b)
			m.Dest = guid.Location(v)
		case "src":
			var v int32
			v, b, err = msgp.ReadInt32Bytes(b)
			m.Src = guid.Location(v)
		case "edtguid":
			var v uint64
			v, b, err = msgp.ReadUint64Bytes(b)
			m.EdtGUID = guid.GUID(v)
		case "slot":
			m.Slot, b, err = msgp.ReadIntBytes(b)
		case "size":
			m.Size, b, err = msgp.ReadInt64Bytes(b)
		case "flags":
			var v uint32
			v, b, err = msgp.ReadUint32Bytes(b)
			m.Flags = datablock.Flags(v)
		case "mode":
			var v uint8
			v, b, err = msgp.ReadUint8Bytes(b)
			m.Mode = datablock.Mode(v)
		case "pointer":
			m.Pointer, b, err = msgp.ReadBytesBytes(b, nil)
		case "affinity":
			var v uint64
			v, b, err = msgp.ReadUint64Bytes(b)
			m.Affinity = guid.Fat{GUID: guid.GUID(v)}
		case "allocatorid":
			m.AllocatorID, b, err = msgp.ReadIntBytes(b)
		case "templateguid":
			var v uint64
			v, b, err = msgp.ReadUint64Bytes(b)
			m.TemplateGUID = guid.GUID(v)
		case "paramc":
			m.ParamC, b, err = msgp.ReadIntBytes(b)
		case "paramv":
			var n uint32
			n, b, err = msgp.ReadArrayHeaderBytes(b)
			if err != nil {
				return b, err
			}
			if n > 0 {
				m.ParamV = make([]int64, n)
				for j := uint32(0); j < n; j++ {
					m.ParamV[j], b, err = msgp.ReadInt64Bytes(b)
					if err != nil {
						return b, err
					}
				}
			}
		case "depc":
			m.DepC, b, err = msgp.ReadIntBytes(b)
		case "depv":
			var n uint32
			n, b, err = msgp.ReadArrayHeaderBytes(b)
			if err != nil {
				return b, err
			}
			if n > 0 {
				m.Depv = make([]guid.Fat, n)
				for j := uint32(0); j < n; j++ {
					var v uint64
					v, b, err = msgp.ReadUint64Bytes(b)
					if err != nil {
						return b, err
					}
					m.Depv[j] = guid.Fat{GUID: guid.GUID(v)}
				}
			}
		case "worktype":
			m.WorkType, b, err = msgp.ReadIntBytes(b)
		case "currentedt":
			var v uint64
			v, b, err = msgp.ReadUint64Bytes(b)
			m.CurrentEdt = guid.GUID(v)
		case "parentlatch":
			var v uint64
			v, b, err = msgp.ReadUint64Bytes(b)
			m.ParentLatch = guid.GUID(v)
		case "outputevent":
			var v uint64
			v, b, err = msgp.ReadUint64Bytes(b)
			m.OutputEvent = guid.GUID(v)
		case "source":
			var v uint64
			v, b, err = msgp.ReadUint64Bytes(b)
			m.Source = guid.Fat{GUID: guid.GUID(v)}
		case "payload":
			var v uint64
			v, b, err = msgp.ReadUint64Bytes(b)
			m.Payload = guid.Fat{GUID: guid.GUID(v)}
		case "metadataptr":
			m.MetadataPtr, b, err = msgp.ReadBytesBytes(b, nil)
		case "runlevel":
			m.Runlevel, b, err = msgp.ReadIntBytes(b)
		case "errorcode":
			m.ErrorCode, b, err = msgp.ReadIntBytes(b)
		case "guidarray":
			var n uint32
			n, b, err = msgp.ReadArrayHeaderBytes(b)
			if err != nil {
				return b, err
			}
			if n > 0 {
				m.GuidArray = make([]guid.GUID, n)
				for j := uint32(0); j < n; j++ {
					var v uint64
					v, b, err = msgp.ReadUint64Bytes(b)
					if err != nil {
						return b, err
					}
					m.GuidArray[j] = guid.GUID(v)
				}
			}
		case "taketype":
			m.TakeType, b, err = msgp.ReadIntBytes(b)
		case "hintkey":
			m.HintKey, b, err = msgp.ReadIntBytes(b)
		case "hintvalue":
			m.HintValue, b, err = msgp.ReadInt64Bytes(b)
		case "returndetail":
			m.ReturnDetail, b, err = msgp.ReadInt32Bytes(b)
		default:
			err = fmt.Errorf("msg: unknown wire field %q", key)
		}
		if err != nil {
			return b, err
		}
	}
	return b, nil
}
