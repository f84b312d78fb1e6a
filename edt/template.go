// Package edt implements the Template and EDT (task) objects.
package edt

import (
	"sync"

	"github.com/tinylib/msgp/msgp"

	"github.com/ModeladoFoundation/ocr-sub001/guid"
	"github.com/ModeladoFoundation/ocr-sub001/hint"
)

// Dep is one resolved pre-slot as handed to a TaskFunc: the data-block's
// guid plus its acquired byte region (nil for pure-control slots whose
// payload names an event or nothing at all).
type Dep struct {
	GUID guid.GUID
	Ptr  []byte
}

// TaskFunc is the application function pointer an EDT executes: paramv are
// the packed scalar parameters, depv the resolved pre-slot payloads in
// slot order. It returns the output fat-guid satisfied on the EDT's
// output event, if any.
type TaskFunc func(paramv []int64, depv []Dep) (guid.Fat, error)

// Template is immutable once created: paramc, depc, function pointer,
// optional name and default hints, referred to by every EDT instance
// built from it. Clone returns a value copy cheap enough to ship across
// a Policy Domain boundary as metadata.
type Template struct {
	GUID  guid.GUID
	ParamC int
	DepC   int
	Name   string
	Func   TaskFunc
	DefaultHints *hint.Set
}

// Clone returns a self-contained copy suitable for shipping to a remote
// Policy Domain's template cache. Func is not serializable, so a remote
// clone only carries it when running in the same address space; across
// processes the receiving side resolves Func by name against the
// registry below.
func (t *Template) Clone() *Template {
	clone := &Template{
		GUID:   t.GUID,
		ParamC: t.ParamC,
		DepC:   t.DepC,
		Name:   t.Name,
		Func:   t.Func,
	}
	if t.DefaultHints != nil {
		clone.DefaultHints = t.DefaultHints.Clone()
	}
	return clone
}

// Task-function registry: the receiving side of a metadata clone
// resolves FuncName here instead of shipping a closure.
var (
	funcMu  sync.RWMutex
	funcReg = make(map[string]TaskFunc)
)

// RegisterTaskFunc binds name to fn process-wide. Every Policy Domain in
// the process resolves cloned templates against the same registry, so an
// application registers its task functions once at startup.
func RegisterTaskFunc(name string, fn TaskFunc) {
	funcMu.Lock()
	funcReg[name] = fn
	funcMu.Unlock()
}

// LookupTaskFunc resolves a registered task function by name.
func LookupTaskFunc(name string) (TaskFunc, bool) {
	funcMu.RLock()
	fn, ok := funcReg[name]
	funcMu.RUnlock()
	return fn, ok
}

// WireTemplate is the flattened, msgp-friendly projection of a Template
// used when the function pointer cannot travel (cross-process); the
// receiving PD resolves FuncName against the local registry.
type WireTemplate struct {
	GUID     uint64 `msg:"guid"`
	ParamC   int    `msg:"paramc"`
	DepC     int    `msg:"depc"`
	Name     string `msg:"name"`
	FuncName string `msg:"funcname"`
}

func (t *Template) ToWire() WireTemplate {
	return WireTemplate{GUID: uint64(t.GUID), ParamC: t.ParamC, DepC: t.DepC, Name: t.Name, FuncName: t.Name}
}

// EncodeMsgp appends the wire form, in the same hand-rolled msgp style the
// msg package uses for PolicyMessages.
func (w WireTemplate) EncodeMsgp(b []byte) []byte {
	b = msgp.AppendMapHeader(b, 5)
	b = msgp.AppendString(b, "guid")
	b = msgp.AppendUint64(b, w.GUID)
	b = msgp.AppendString(b, "paramc")
	b = msgp.AppendInt(b, w.ParamC)
	b = msgp.AppendString(b, "depc")
	b = msgp.AppendInt(b, w.DepC)
	b = msgp.AppendString(b, "name")
	b = msgp.AppendString(b, w.Name)
	b = msgp.AppendString(b, "funcname")
	b = msgp.AppendString(b, w.FuncName)
	return b
}

func (w *WireTemplate) DecodeMsgp(b []byte) ([]byte, error) {
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
		case "guid":
			w.GUID, b, err = msgp.ReadUint64Bytes(b)
		case "paramc":
			w.ParamC, b, err = msgp.ReadIntBytes(b)
		case "depc":
			w.DepC, b, err = msgp.ReadIntBytes(b)
		case "name":
			w.Name, b, err = msgp.ReadStringBytes(b)
		case "funcname":
			w.FuncName, b, err = msgp.ReadStringBytes(b)
		}
		if err != nil {
			return b, err
		}
	}
	return b, nil
}

// FromWire reconstitutes a Template on the receiving PD, resolving the
// function pointer by name against the local registry (nil if the
// application never registered one under that name, which is fine for
// templates the receiving PD only proxies and never executes).
func FromWire(w WireTemplate) *Template {
	fn, _ := LookupTaskFunc(w.FuncName)
	return &Template{GUID: guid.GUID(w.GUID), ParamC: w.ParamC, DepC: w.DepC, Name: w.Name, Func: fn}
}
