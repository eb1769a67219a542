package frame

import "errors"

// ErrDimensionMismatch is returned when a frame's pixel dimensions differ
// from the accumulator it is being folded into. The frame is discarded
// and the stack left untouched.
var ErrDimensionMismatch = errors.New("frame dimension mismatch")
