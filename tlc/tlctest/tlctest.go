// Package tlctest builds trip partition files and a fake trip data host for tests.
package tlctest

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/notLeoHirano/taxi-emissions-etl/model"
)

// EncodeParquet writes rows the way the published files lay them out for t:
// source-prefixed pickup/dropoff timestamps, nullable passenger_count, trip_distance.
func EncodeParquet(t model.TaxiType, rows []model.RawTrip) ([]byte, error) {
	ts := &arrow.TimestampType{Unit: arrow.Microsecond}
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "VendorID", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
		{Name: t.PickupColumn(), Type: ts, Nullable: true},
		{Name: t.DropoffColumn(), Type: ts, Nullable: true},
		{Name: "passenger_count", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "trip_distance", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	}, nil)

	builder := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer builder.Release()

	vendor := builder.Field(0).(*array.Int32Builder)
	pickup := builder.Field(1).(*array.TimestampBuilder)
	dropoff := builder.Field(2).(*array.TimestampBuilder)
	passengers := builder.Field(3).(*array.Int64Builder)
	distance := builder.Field(4).(*array.Float64Builder)

	for _, r := range rows {
		vendor.Append(1)
		pickup.Append(arrow.Timestamp(r.PickupDatetime.UnixMicro()))
		dropoff.Append(arrow.Timestamp(r.DropoffDatetime.UnixMicro()))
		if r.PassengerCount != nil {
			passengers.Append(*r.PassengerCount)
		} else {
			passengers.AppendNull()
		}
		distance.Append(r.TripDistance)
	}

	record := builder.NewRecord()
	defer record.Release()

	var buf bytes.Buffer
	writer, err := pqarrow.NewFileWriter(schema, &buf, nil, pqarrow.DefaultWriterProps())
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	if err := writer.Write(record); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Host serves partition files under /trip-data/{key}.parquet. Unknown keys get
// a 404, keys marked broken get a 500.
type Host struct {
	*httptest.Server

	mu       sync.Mutex
	files    map[string][]byte
	broken   map[string]bool
	requests map[string]int
}

func NewHost() *Host {
	h := &Host{
		files:    make(map[string][]byte),
		broken:   make(map[string]bool),
		requests: make(map[string]int),
	}
	h.Server = httptest.NewServer(http.HandlerFunc(h.serve))
	return h
}

// URLTemplate is the fetch.url_template pointing at this host.
func (h *Host) URLTemplate() string {
	return h.URL + "/trip-data/{taxi}_tripdata_{year}-{month}.parquet"
}

func (h *Host) Put(p model.Partition, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[p.Key()] = data
}

func (h *Host) Break(p model.Partition) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broken[p.Key()] = true
}

// Requests returns how many times a partition was requested.
func (h *Host) Requests(p model.Partition) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requests[p.Key()]
}

func (h *Host) serve(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/trip-data/")
	key := strings.Replace(strings.TrimSuffix(name, ".parquet"), "_tripdata_", "_", 1)

	h.mu.Lock()
	h.requests[key]++
	data, ok := h.files[key]
	broken := h.broken[key]
	h.mu.Unlock()

	switch {
	case broken:
		w.WriteHeader(http.StatusInternalServerError)
	case !ok:
		w.WriteHeader(http.StatusNotFound)
	default:
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(data)
	}
}
