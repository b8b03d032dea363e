package ingest

import (
	"fmt"

	"github.com/notLeoHirano/taxi-emissions-etl/model"
)

// PartitionResult is the outcome of one partition. Err is nil on success.
type PartitionResult struct {
	Partition model.Partition
	Rows      int64
	Skipped   int64 // rows dropped at decode for a missing timestamp or distance
	Err       error
}

// IngestReport lists every partition attempted, in load order.
type IngestReport struct {
	Results []PartitionResult
}

// Failed returns the keys of partitions that contributed no rows because of an error.
func (r *IngestReport) Failed() []string {
	var keys []string
	for _, res := range r.Results {
		if res.Err != nil {
			keys = append(keys, res.Partition.Key())
		}
	}
	return keys
}

// Rows is the total appended across all partitions.
func (r *IngestReport) Rows() int64 {
	var n int64
	for _, res := range r.Results {
		n += res.Rows
	}
	return n
}

func (r *IngestReport) String() string {
	return fmt.Sprintf("%d of %d partitions failed: %v", len(r.Failed()), len(r.Results), r.Failed())
}
