// Package wire defines the frames pushed to streaming subscribers and
// their CBOR encoding.
package wire

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeUnix,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Unknown keys are ignored so newer servers can add fields.
	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// Frame is one streaming message. A data frame carries a byte range of
// one produced chunk; the terminal frame has Final set and no data.
//
// CBOR encoding:
//
//	{
//	  1: device,   // text
//	  2: seq,      // uint64: producing chunk sequence number
//	  3: offset,   // uint: offset of data within that chunk
//	  4: data,     // bytes
//	  5: final,    // bool, terminal frame only
//	  6: status,   // text, terminal frame only
//	  7: reason    // text, terminal frame only
//	}
type Frame struct {
	Device string `cbor:"1,keyasint,omitempty" json:"device,omitempty"`
	Seq    uint64 `cbor:"2,keyasint,omitempty" json:"seq,omitempty"`
	Offset int    `cbor:"3,keyasint,omitempty" json:"offset,omitempty"`
	Data   []byte `cbor:"4,keyasint,omitempty" json:"-"`
	Final  bool   `cbor:"5,keyasint,omitempty" json:"final,omitempty"`
	Status string `cbor:"6,keyasint,omitempty" json:"status,omitempty"`
	Reason string `cbor:"7,keyasint,omitempty" json:"reason,omitempty"`
}

// Terminal returns a final frame.
func Terminal(status, reason string) Frame {
	return Frame{Final: true, Status: status, Reason: reason}
}

// Validate checks that f is either a data frame or a terminal frame.
func (f *Frame) Validate() error {
	if f.Final {
		if len(f.Data) != 0 {
			return errors.New("terminal frame must not carry data")
		}
		return nil
	}
	if f.Device == "" {
		return errors.New("data frame without device")
	}
	if len(f.Data) == 0 {
		return errors.New("data frame without data")
	}
	if f.Offset < 0 {
		return fmt.Errorf("negative offset %d", f.Offset)
	}
	return nil
}

// Marshal encodes a value to CBOR bytes.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR bytes into a value.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// NewEncoder creates a CBOR encoder that writes to w.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder creates a CBOR decoder that reads from r.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}

// EncodeFrame validates and encodes f.
func EncodeFrame(f *Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	return Marshal(f)
}

// DecodeFrame decodes and validates a frame.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	return &f, nil
}
