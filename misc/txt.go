package misc

import (
	"errors"
	"io"
	"io/ioutil"
)

var (
	// ErrInputReaderNil is returned by ReadAllUpTo when the input reader is nil.
	ErrInputReaderNil = errors.New("input reader is nil")
	// ErrInputCapacityInvalid is returned by ReadAllUpTo when the capacity is negative.
	ErrInputCapacityInvalid = errors.New("input capacity is invalid")
)

// ReadAllUpTo reads from the input reader until the limited capacity is reached or the reader is exhausted (EOF).
func ReadAllUpTo(r io.Reader, upTo int) (ret []byte, err error) {
	ret = []byte{}
	if r == nil {
		err = ErrInputReaderNil
		return
	}
	if upTo < 0 {
		err = ErrInputCapacityInvalid
		return
	}
	return ioutil.ReadAll(io.LimitReader(r, int64(upTo)))
}
