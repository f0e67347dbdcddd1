package dfs

/*
 *  CONTROL PROTOCOL (client / storage node -> control node)
 */

type OpenArg struct {
	Path  string
	Write bool
}
type OpenReply struct{}

type OpenLeaseArg struct {
	Path string
}
type OpenLeaseReply struct {
	Permitted bool
}

type CloseArg struct {
	Path string
}
type CloseReply struct{}

type AllocateBlockArg struct {
	Path  string
	Range OffsetRange
}
type AllocateBlockReply struct {
	Block     BlockID
	StoreAddr ServerAddress
}

type MkdirArg struct {
	Path string
}
type MkdirReply struct{}

type ListArg struct {
	Path string
}
type ListReply struct {
	Entries []PathInfo
}

// PathInfo describes one namespace entry in a List reply.
type PathInfo struct {
	Name        string
	IsDir       bool
	Replication int
	Blocks      int
}

type DeleteArg struct {
	Path string
}
type DeleteReply struct{}

type BlockReportArg struct {
	Store  StoreID
	Kind   BlockReportKind
	Blocks []ReportedBlock
}
type BlockReportReply struct {
	// Corrupted lists the reported blocks whose meta did not match the
	// authoritative record (or that the control node has never
	// allocated).
	Corrupted []BlockID
}

type HeartbeatArg struct {
	Store StoreID
}
type HeartbeatReply struct {
	// RequestReport asks the storage node to follow up with a full
	// block report, e.g. on first contact after a control node restart.
	RequestReport bool
}

/*
 *  STORAGE PROTOCOL (control node / client -> storage node)
 */

type OpenBlockArg struct {
	Block BlockID
	Write bool
}
type OpenBlockReply struct {
	Permitted bool
}

type WriteBlockArg struct {
	Block BlockID
	Data  []byte
}
type WriteBlockReply struct{}

type ReadBlockArg struct {
	Block BlockID
}
type ReadBlockReply struct {
	Data []byte
}

type RemoveBlockArg struct {
	Block BlockID
}
type RemoveBlockReply struct{}

type ReplicateBlockArg struct {
	Block     BlockID
	StoreAddr ServerAddress // replication target
}
type ReplicateBlockReply struct{}

type FullBlockReportArg struct{}
type FullBlockReportReply struct {
	Blocks []ReportedBlock
}
