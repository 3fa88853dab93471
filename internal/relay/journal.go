package relay

import (
	"fmt"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
)

// DefaultJournalSize is the number of relay records kept when none is configured
const DefaultJournalSize uint32 = 64

// JournalKind names a relay activity
type JournalKind string

const (
	JournalRead          JournalKind = "read"
	JournalForward       JournalKind = "forward"
	JournalTick          JournalKind = "tick"
	JournalReaderDropped JournalKind = "reader_dropped"
	JournalWriterDropped JournalKind = "writer_dropped"
)

// JournalRecord is one entry of relay activity
type JournalRecord struct {
	At      time.Time
	Kind    JournalKind
	Size    int
	Preview string
}

// Journal keeps the most recent relay records, overwriting the oldest when full
type Journal struct {
	buffer      mpmc.RichOverlappedRingBuffer[JournalRecord]
	overwritten uint64
}

// NewJournal creates a journal holding up to size records
func NewJournal(size uint32) *Journal {
	if size == 0 {
		size = DefaultJournalSize
	}
	return &Journal{buffer: mpmc.NewOverlappedRingBuffer[JournalRecord](size)}
}

// Record appends an entry
func (j *Journal) Record(rec JournalRecord) {
	overwrites, err := j.buffer.EnqueueM(rec)
	if err != nil {
		return
	}
	j.overwritten += uint64(overwrites)
}

// Overwritten returns how many records were lost to overflow
func (j *Journal) Overwritten() uint64 {
	return j.overwritten
}

// Drain removes and returns all records, oldest first
func (j *Journal) Drain() []JournalRecord {
	var out []JournalRecord
	for !j.buffer.IsEmpty() {
		rec, err := j.buffer.Dequeue()
		if err != nil {
			break
		}
		out = append(out, rec)
	}
	return out
}

// Dump drains the journal into the logger at debug level
func (j *Journal) Dump(logger *logrus.Logger) {
	if !logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	records := j.Drain()
	logger.WithFields(logrus.Fields{
		"records":     len(records),
		"overwritten": j.overwritten,
	}).Debug("Relay journal")
	for i, rec := range records {
		logger.WithFields(logrus.Fields{
			"at":   rec.At.Format(time.RFC3339Nano),
			"size": rec.Size,
			"data": rec.Preview,
		}).Debug(fmt.Sprintf("  #%d %s", i, rec.Kind))
	}
}
