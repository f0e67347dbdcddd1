package dfs

import "time"

type ServerAddress string
type StoreID string
type BlockID string

// OffsetRange is a half-open byte interval [Start, End) within a file.
type OffsetRange struct {
	Start uint64
	End   uint64
}

// Len returns the number of bytes the range covers.
func (r OffsetRange) Len() uint64 {
	return r.End - r.Start
}

// BlockMeta is the authoritative content fingerprint of a block.
// Two metas reported for the same block id must be identical;
// a mismatch is corruption.
type BlockMeta struct {
	Size uint32
}

// FileBlock binds an offset range of a file to a block identity.
type FileBlock struct {
	Range OffsetRange
	ID    BlockID
}

// ReportedBlock is one entry of a storage node's block report.
type ReportedBlock struct {
	ID   BlockID
	Meta BlockMeta
}

type BlockReportKind int

const (
	ReportAdd BlockReportKind = iota
	ReportRemove
	ReportFull
)

// system config
const (
	LeaseTTL           = 1 * time.Minute
	StoreTimeout       = 30 * time.Second
	HeartbeatInterval  = 500 * time.Millisecond
	SweepInterval      = 1 * time.Second
	DefaultReplication = 3

	TargetCacheExpire = 2 * time.Minute
	TargetCacheTick   = 30 * time.Second
)
