package dbstream

import (
	"github.com/Alparse/dbstream/errors"
	"github.com/Alparse/dbstream/native"
)

// Record is one market-data record, fully copied out of driver-owned memory.
// It has no lifetime ties to the native call that produced it.
type Record struct {
	// Data holds exactly the record's self-declared length.
	Data []byte

	// RType is the record type tag from the record header.
	RType uint8
}

// Size returns the record length in bytes.
func (r Record) Size() int { return len(r.Data) }

// copyRecord copies a callback-lifetime RawRecord into caller-owned memory.
//
// The copy is sized by the record's self-declared length, never by a fixed
// header size: records are variable-length and a header-sized copy would
// truncate every larger record. A declared length that is non-positive,
// exceeds max, or overruns the driver's buffer marks the record corrupt; no
// bytes are copied and the stream must terminate with the returned
// *errors.CorruptRecordError.
func copyRecord(raw native.RawRecord, max int) (Record, error) {
	if raw.Length <= 0 || raw.Length > max || raw.Length > len(raw.Data) {
		return Record{}, &errors.CorruptRecordError{
			Declared: raw.Length,
			Max:      max,
			RType:    raw.RType,
		}
	}

	data := make([]byte, raw.Length)
	copy(data, raw.Data[:raw.Length])
	return Record{Data: data, RType: raw.RType}, nil
}
