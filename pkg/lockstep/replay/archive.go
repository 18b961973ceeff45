package replay

import (
	"bytes"
	"errors"
	"io"

	"github.com/argus-labs/lockstep/pkg/lockstep"
	"github.com/argus-labs/lockstep/pkg/lockstep/wire"
	"github.com/pierrec/lz4/v4"
	"github.com/rotisserie/eris"
	"lukechampine.com/blake3"
)

// Archive layout: magic, version byte, 32 byte blake3 digest of the compressed body, lz4 frame
// holding the serialized recording.
var archiveMagic = [4]byte{'L', 'S', 'R', 'P'} //nolint:gochecknoglobals // constant array

const (
	archiveVersion = 1
	digestSize     = 32
	headerSize     = len(archiveMagic) + 1 + digestSize
)

var ErrChecksumMismatch = errors.New("replay checksum mismatch")

// Encode serializes and compresses the recording.
func Encode(r *Recorder) ([]byte, error) {
	var body bytes.Buffer
	zw := lz4.NewWriter(&body)
	if err := r.Serialize(wire.NewWriter(zw)); err != nil {
		return nil, eris.Wrap(err, "failed to serialize replay")
	}
	if err := zw.Close(); err != nil {
		return nil, eris.Wrap(err, "failed to compress replay")
	}

	digest := blake3.Sum256(body.Bytes())
	out := make([]byte, 0, headerSize+body.Len())
	out = append(out, archiveMagic[:]...)
	out = append(out, archiveVersion)
	out = append(out, digest[:]...)
	return append(out, body.Bytes()...), nil
}

// Decode verifies and loads an archive produced by Encode into r.
func Decode(data []byte, r *Recorder) error {
	if len(data) < headerSize || !bytes.Equal(data[:len(archiveMagic)], archiveMagic[:]) {
		return eris.New("not a replay archive")
	}
	if v := data[len(archiveMagic)]; v != archiveVersion {
		return eris.Errorf("unsupported replay archive version %d", v)
	}
	want := data[len(archiveMagic)+1 : headerSize]
	body := data[headerSize:]
	got := blake3.Sum256(body)
	if !bytes.Equal(want, got[:]) {
		return eris.Wrap(ErrChecksumMismatch, "archive is corrupted")
	}

	zr := lz4.NewReader(bytes.NewReader(body))
	if err := r.Deserialize(wire.NewReader(zr)); err != nil {
		return eris.Wrap(err, "failed to deserialize replay")
	}
	if n, _ := io.Copy(io.Discard, zr); n != 0 {
		return eris.Errorf("%d trailing bytes in replay", n)
	}
	return nil
}

func isDecodeError(err error) bool {
	var de *lockstep.DecodeError
	return errors.As(err, &de)
}
