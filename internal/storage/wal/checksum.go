package wal

import (
	"fmt"
	"hash/crc32"
)

// CalculateChecksum is the CRC32-IEEE of every field except Checksum. Job is
// hashed as the raw bytes written to disk, so a decoded event verifies
// without re-encoding.
func CalculateChecksum(e Event) uint32 {
	h := crc32.NewIEEE()
	fmt.Fprintf(h, "%d|%s|%s|%d|%d|%s|", e.Seq, e.Type, e.JobID, e.Timestamp, e.RunAt, e.Reason)
	h.Write(e.Job)
	return h.Sum32()
}

// VerifyChecksum reports whether e.Checksum matches its contents.
func VerifyChecksum(e Event) bool {
	return e.Checksum == CalculateChecksum(e)
}
