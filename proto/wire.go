// Package proto defines the JSON wire forms of loom bundles and command
// output.
package proto

// PackHeader describes objects in a pack segment.
type PackHeader struct {
	Objects []PackObjectEntry `json:"objects"`
}

// PackObjectEntry describes a single object in a pack.
type PackObjectEntry struct {
	Digest []byte `json:"digest"`
	Kind   string `json:"kind"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

// BundleIngestResponse is returned after ingesting a bundle.
type BundleIngestResponse struct {
	// SegmentID is the segment holding the new changes (0 if none were new).
	SegmentID int64 `json:"segmentId"`
	// Indexed is the count of changes stored from the bundle.
	Indexed int `json:"indexedCount"`
	// Skipped is the count of changes already present.
	Skipped int `json:"skippedCount"`
}

// ChannelEntry represents a single channel in list responses.
type ChannelEntry struct {
	Name      string `json:"name"`
	ID        string `json:"id"`
	State     string `json:"state"`
	Changes   int64  `json:"changes"`
	UpdatedAt int64  `json:"updatedAt"`
}

// ChannelsListResponse contains a list of channels.
type ChannelsListResponse struct {
	Channels []*ChannelEntry `json:"channels"`
}

// LogEntry is one applied change of a channel.
type LogEntry struct {
	Seq       int64  `json:"seq"`
	Change    string `json:"change"`
	State     string `json:"state"`
	AppliedAt int64  `json:"appliedAt"`
	Author    string `json:"author,omitempty"`
	Message   string `json:"message,omitempty"`
}

// LogResponse contains a channel log.
type LogResponse struct {
	Channel string      `json:"channel"`
	Entries []*LogEntry `json:"entries"`
}

// HistoryEntry is one audited channel operation.
type HistoryEntry struct {
	Seq     int64  `json:"seq"`
	ID      []byte `json:"id"`
	Parent  []byte `json:"parent,omitempty"`
	Time    int64  `json:"time"`
	Actor   string `json:"actor"`
	Op      string `json:"op"`
	Channel string `json:"channel"`
	OpID    string `json:"opId"`
}

// ConflictSide is one alternative of a reported conflict.
type ConflictSide struct {
	Change string   `json:"change"`
	Label  string   `json:"label"`
	Lines  []string `json:"lines"`
}

// ConflictEntry describes one conflict in a materialized channel.
type ConflictEntry struct {
	Kind      string          `json:"kind"`
	Signature string          `json:"signature"`
	Path      string          `json:"path"`
	Sides     []*ConflictSide `json:"sides"`
}

// StatusResponse summarizes the materialized output of a channel.
type StatusResponse struct {
	Channel   string           `json:"channel"`
	State     string           `json:"state"`
	Files     []string         `json:"files"`
	Conflicts []*ConflictEntry `json:"conflicts"`
	Resolved  []string         `json:"resolved,omitempty"`
}

// ErrorResponse is printed for failed commands in JSON mode.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
