package pool

import (
	"fmt"
	"strings"
)

// Policy decides what Push does when a chunk does not fit. Each policy
// trades fairness differently, so deployments choose one explicitly.
type Policy int

const (
	// DropOldest evicts the oldest buffered chunks to make room. Clients
	// always get the freshest bytes; evicted bytes are never delivered.
	DropOldest Policy = iota
	// RejectNewest refuses the incoming chunk with ErrFull.
	RejectNewest
	// BlockProducer makes the device read loop wait for free space,
	// which in turn stops reading from the hardware.
	BlockProducer
)

func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case RejectNewest:
		return "reject-newest"
	case BlockProducer:
		return "block-producer"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy parses a policy name as written in configuration.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "drop-oldest":
		return DropOldest, nil
	case "reject-newest":
		return RejectNewest, nil
	case "block-producer":
		return BlockProducer, nil
	}
	return 0, fmt.Errorf("invalid pool policy: %q (allowed: drop-oldest, reject-newest, block-producer)", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Policy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Policy) UnmarshalText(b []byte) error {
	v, err := ParsePolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
