package indexer

import "github.com/hpvb/vdo/common"

// Request is the input/output structure dispatched to an IndexZone
// (spec.md §3 Request).
type Request struct {
	ChunkName   common.ChunkName
	ZoneNumber  int
	Action      common.Action
	Update      bool
	NewMetadata common.Metadata
	OldMetadata common.Metadata

	// Location is the output of the request (spec.md §3).
	Location common.Location

	// Requeued marks a request that has already passed through the
	// sparse barrier simulation once (spec.md §4.4).
	Requeued bool
}
