// Package truerng drives TrueRNG USB generators, which present
// themselves as a CDC serial port and stream random bytes as soon as DTR
// is asserted.
package truerng
