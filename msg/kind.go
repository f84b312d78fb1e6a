// Package msg implements the Policy Message family and the Comm API
// handle layer: a tagged record of ~40 message kinds plus status-tracked
// send/poll handles.
package msg

// Kind identifies a policy message within its family (DB_*, EVT_*,
// WORK_*, DEP_*, GUID_*, MEM_*, COMM_*, SCHED_*, MGT_*, HINT_*).
type Kind uint16

const (
	KindNone Kind = iota

	DbCreate
	DbAcquire
	DbRelease
	DbFree
	DbDestroy

	EvtCreate
	EvtDestroy
	EvtSatisfy
	EvtRegisterWaiter

	WorkCreate
	WorkExecute
	WorkDestroy

	EdtTempCreate
	EdtTempDestroy

	DepAdd
	DepSatisfy
	DepUnlink

	GuidCreate
	GuidInfo
	GuidMetadataClone
	GuidDestroy

	MemAlloc
	MemUnalloc

	CommTake
	CommGive

	SchedNotify
	SchedGetWork

	MgtRegister
	MgtMonitorProgress
	MgtRlNotify
	MgtShutdown

	HintSet
	HintGet
)

func (k Kind) String() string {
	switch k {
	case DbCreate:
		return "DB_CREATE"
	case DbAcquire:
		return "DB_ACQUIRE"
	case DbRelease:
		return "DB_RELEASE"
	case DbFree:
		return "DB_FREE"
	case DbDestroy:
		return "DB_DESTROY"
	case EvtCreate:
		return "EVT_CREATE"
	case EvtDestroy:
		return "EVT_DESTROY"
	case EvtSatisfy:
		return "EVT_SATISFY"
	case EvtRegisterWaiter:
		return "EVT_REGISTER_WAITER"
	case WorkCreate:
		return "WORK_CREATE"
	case WorkExecute:
		return "WORK_EXECUTE"
	case WorkDestroy:
		return "WORK_DESTROY"
	case EdtTempCreate:
		return "EDTTEMP_CREATE"
	case EdtTempDestroy:
		return "EDTTEMP_DESTROY"
	case DepAdd:
		return "DEP_ADD"
	case DepSatisfy:
		return "DEP_SATISFY"
	case DepUnlink:
		return "DEP_UNLINK"
	case GuidCreate:
		return "GUID_CREATE"
	case GuidInfo:
		return "GUID_INFO"
	case GuidMetadataClone:
		return "GUID_METADATA_CLONE"
	case GuidDestroy:
		return "GUID_DESTROY"
	case MemAlloc:
		return "MEM_ALLOC"
	case MemUnalloc:
		return "MEM_UNALLOC"
	case CommTake:
		return "COMM_TAKE"
	case CommGive:
		return "COMM_GIVE"
	case SchedNotify:
		return "SCHED_NOTIFY"
	case SchedGetWork:
		return "SCHED_GET_WORK"
	case MgtRegister:
		return "MGT_REGISTER"
	case MgtMonitorProgress:
		return "MGT_MONITOR_PROGRESS"
	case MgtRlNotify:
		return "MGT_RL_NOTIFY"
	case MgtShutdown:
		return "MGT_SHUTDOWN"
	case HintSet:
		return "HINT_SET"
	case HintGet:
		return "HINT_GET"
	default:
		return "NONE"
	}
}
