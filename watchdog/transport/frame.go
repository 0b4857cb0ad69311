package transport

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// MaxPayload bounds request and reply payloads. Longer requests are cut to
// this size and delivered anyway, so the receiver can reject them without
// losing the connection.
const MaxPayload = 4096

// writeRequest writes [length:4 LE][payload].
func writeRequest(w io.Writer, data []byte) error {
	b := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(b, uint32(len(data)))
	copy(b[4:], data)

	_, err := w.Write(b)
	return err
}

// readRequest reads a request frame. The second return is the length the
// sender claimed, which may exceed len(data).
func readRequest(r io.Reader) ([]byte, int, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, 0, err
	}

	length := int(binary.LittleEndian.Uint32(header[:]))

	keep := length
	if keep > MaxPayload {
		keep = MaxPayload
	}

	data := make([]byte, keep)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, 0, errors.Wrap(err, "failed to read request")
	}

	if length > keep {
		if _, err := io.CopyN(io.Discard, r, int64(length-keep)); err != nil {
			return nil, 0, errors.Wrap(err, "failed to skip oversized request")
		}
	}

	return data, length, nil
}

// writeReply writes [status:4 LE][length:4 LE][payload].
func writeReply(w io.Writer, status uint32, data []byte) error {
	b := make([]byte, 8+len(data))
	binary.LittleEndian.PutUint32(b[0:], status)
	binary.LittleEndian.PutUint32(b[4:], uint32(len(data)))
	copy(b[8:], data)

	_, err := w.Write(b)
	return err
}

func readReply(r io.Reader) (uint32, []byte, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}

	status := binary.LittleEndian.Uint32(header[0:])
	length := binary.LittleEndian.Uint32(header[4:])
	if length > MaxPayload {
		return 0, nil, errors.Errorf("reply of %d bytes is too long", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return 0, nil, errors.Wrap(err, "failed to read reply")
	}

	return status, data, nil
}
