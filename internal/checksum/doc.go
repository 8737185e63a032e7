// Package checksum verifies published artifacts against the digests an agent
// recorded when it built them.
//
// [Validate] is pure: given a path, the digest computed on receipt, and the
// [Record] the agent sent, it returns one of [Match], [Mismatch], [NotFound]
// or [RecordMissing]. [Publication] applies the reporting rules across one
// publish: mismatches are errors, unknown paths are warnings, and a missing
// record is warned about once.
package checksum
