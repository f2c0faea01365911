package queue

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/ggoodman/eap-bridge-go/secs"
)

// Record is what the persistence handler writes for one matched event: the
// message and the event name it matched under.
type Record struct {
	SubscriptionID string        `cbor:"1,keyasint"`
	Event          string        `cbor:"2,keyasint"`
	Message        *secs.Message `cbor:"3,keyasint"`
	EnqueuedAt     time.Time     `cbor:"4,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Core deterministic encoding keeps identical records byte-identical,
	// which lets consumers deduplicate at-least-once redeliveries.
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("queue: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("queue: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeRecord serializes r for Transport.Send.
func EncodeRecord(r Record) ([]byte, error) {
	if r.Message == nil {
		return nil, fmt.Errorf("queue: record for %q has no message", r.Event)
	}
	b, err := encMode.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("queue: encode record: %w", err)
	}
	return b, nil
}

// DecodeRecord parses data produced by EncodeRecord.
func DecodeRecord(data []byte) (Record, error) {
	var r Record
	if err := decMode.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("queue: decode record: %w", err)
	}
	return r, nil
}
