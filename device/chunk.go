package device

import "time"

// Chunk is an immutable run of entropy bytes produced by one device.
//
// Seq increases monotonically per device. When a pool hands out only
// part of a chunk, the remainder keeps the same Seq and an Offset
// pointing past the bytes already consumed, so (Device, Seq, Offset,
// len(Data)) identifies every byte range uniquely.
type Chunk struct {
	Device   string
	Seq      uint64
	Offset   int
	Data     []byte
	Produced time.Time
}

// Len returns the number of bytes in the chunk.
func (c Chunk) Len() int { return len(c.Data) }

// Split returns the first n bytes as head and the remainder as rest.
// If n >= c.Len(), rest is empty.
func (c Chunk) Split(n int) (head, rest Chunk) {
	if n >= len(c.Data) {
		return c, Chunk{}
	}
	head = c
	head.Data = c.Data[:n:n]
	rest = c
	rest.Data = c.Data[n:]
	rest.Offset = c.Offset + n
	return head, rest
}
