// Package decoder turns reassembled video frames into submissions for a
// decode session.
//
// A [Reassembler] accumulates the shards of one frame, rewrites the
// Annex-B start codes of the completed frame into 4-byte big-endian
// length prefixes in place, caches the codec parameter sets it finds and
// derives a [FormatDescription] once the required set is complete. It
// keeps at most one decode [Session] alive, recreating it whenever a new
// format description cannot be accepted by the current one.
//
// Sessions come from a [Backend]. [SoftwareBackend] validates and counts
// the units of each frame on a worker goroutine and is used when no
// platform decoder is wired in.
package decoder
