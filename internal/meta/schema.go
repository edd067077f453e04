package meta

import (
	"encoding/binary"
	"time"
)

// Bucket names in BoltDB.
var (
	bucketSystem     = []byte("system")
	bucketOutputs    = []byte("outputs")
	keySchemaVersion = []byte("schema_version")

	// Per-output keys.
	keyProvision    = []byte("provision")
	keyWriteStats   = []byte("write_stats")
	keyLastAckedSeq = []byte("last_acked_seq")
	keyLastAckedTS  = []byte("last_acked_ts")
)

const currentSchemaVersion = 1

// ProvisionRecord is the outcome of the last successful provisioning run
// for one data stream.
type ProvisionRecord struct {
	DataStream    string
	PolicyID      string
	Template      string
	PolicySource  string
	Created       bool
	ProvisionedAt time.Time
}

// WriteStats accumulates write outcomes for one data stream. When passed to
// AddWriteStats the counters are deltas.
type WriteStats struct {
	DataStream        string
	Chunks            uint64
	Records           uint64
	Skipped           uint64
	PartialFailures   uint64
	TransportFailures uint64
	LastWriteAt       time.Time
	LastErrorAt       time.Time
	LastError         string
}

func (s *WriteStats) merge(delta WriteStats) {
	s.Chunks += delta.Chunks
	s.Records += delta.Records
	s.Skipped += delta.Skipped
	s.PartialFailures += delta.PartialFailures
	s.TransportFailures += delta.TransportFailures
	if delta.LastWriteAt.After(s.LastWriteAt) {
		s.LastWriteAt = delta.LastWriteAt
	}
	if delta.LastError != "" {
		s.LastError = delta.LastError
		s.LastErrorAt = delta.LastErrorAt
	}
}

// ConsumerState is the checkpoint of the last acknowledged stream sequence.
type ConsumerState struct {
	LastAckedSeq uint64
	LastAckedAt  time.Time
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func int64ToBytes(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func bytesToInt64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}
