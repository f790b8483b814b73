// Package xdelta adapts a binary-diff library to the encode/decode pair the
// delta engine treats as a fallible black box: encode(new, old) -> patch and
// decode(patch, old) -> new, either of which may simply fail to produce a
// result instead of returning an error the caller must interpret.
package xdelta

import (
	"bytes"
	"io"

	"github.com/kr/binarydist"
	"github.com/orcaman/writerseeker"
)

// Encode produces a patch that turns old into new. ok is false if the
// underlying codec could not produce a patch; callers fall back to storing
// new verbatim (the AsIs path) in that case.
func Encode(new, old []byte) (patch []byte, ok bool) {
	defer func() {
		if recover() != nil {
			patch, ok = nil, false
		}
	}()

	var sink writerseeker.WriterSeeker

	if err := binarydist.Diff(bytes.NewReader(old), bytes.NewReader(new), &sink); err != nil {
		return nil, false
	}

	buf, err := io.ReadAll(sink.Reader())
	if err != nil {
		return nil, false
	}

	return buf, true
}

// Decode reconstructs the new bytes that patch encodes, given the
// corresponding old bytes. ok is false if patch could not be applied at all;
// it says nothing about whether the result (when ok is true) actually
// matches the bytes the patch was produced from — that check belongs to the
// engine's round-trip validation, not to this adapter.
//
// A malformed patch stream can make the underlying codec panic rather than
// return an error; that is recovered here and reported the same way as an
// ordinary decode failure, since the engine decides itself how to handle a
// decode failure (fallback during diff, fatal error during apply) and must
// never crash on untrusted patch bytes.
func Decode(patch, old []byte) (new []byte, ok bool) {
	defer func() {
		if recover() != nil {
			new, ok = nil, false
		}
	}()

	var sink writerseeker.WriterSeeker

	if err := binarydist.Patch(bytes.NewReader(old), &sink, bytes.NewReader(patch)); err != nil {
		return nil, false
	}

	buf, err := io.ReadAll(sink.Reader())
	if err != nil {
		return nil, false
	}

	return buf, true
}
