package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/DIG-Network/dig-node/pkg/constants"
	"github.com/DIG-Network/dig-node/pkg/digerr"
)

// WriteJSON writes v as a single JSON line terminated by '\n'.
func WriteJSON(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return digerr.Wrap(digerr.CodeDecodeFailed, "failed to encode message", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return digerr.Wrap(digerr.CodeStreamClosed, "failed to write message", err)
	}
	return nil
}

// ReadJSONLine reads one '\n'-terminated line, bounded by MaxHeaderSize,
// and decodes it into v.
func ReadJSONLine(r *bufio.Reader, v interface{}) error {
	line, err := readBoundedLine(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(line, v); err != nil {
		return digerr.Wrap(digerr.CodeDecodeFailed, "failed to decode message", err)
	}
	return nil
}

// ReadJSONLineStrict is ReadJSONLine with unknown fields rejected. Used for
// security-sensitive operations.
func ReadJSONLineStrict(r *bufio.Reader, v interface{}) error {
	line, err := readBoundedLine(r)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return digerr.Wrap(digerr.CodeDecodeFailed, "failed to decode message (strict)", err)
	}
	return nil
}

// ReadRawLine reads one bounded header line without decoding it, so the
// dispatcher can parse leniently to learn the op and strictly re-parse the
// security-sensitive ones from the same bytes.
func ReadRawLine(r *bufio.Reader) ([]byte, error) {
	return readBoundedLine(r)
}

// DecodeRequest decodes a raw header line into a Request. In strict mode
// unknown fields are rejected.
func DecodeRequest(raw []byte, strict bool) (*Request, error) {
	var req Request
	if strict {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			return nil, digerr.Wrap(digerr.CodeDecodeFailed, "failed to decode request (strict)", err)
		}
		return &req, nil
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, digerr.Wrap(digerr.CodeDecodeFailed, "failed to decode request", err)
	}
	return &req, nil
}

func readBoundedLine(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			if len(buf) > constants.MaxHeaderSize {
				return nil, digerr.New(digerr.CodeDecodeFailed, "header exceeds size limit")
			}
			continue
		}
		if err == io.EOF && len(buf) > 0 {
			// Tolerate a missing trailing newline on the final line.
			return buf, nil
		}
		return nil, digerr.Wrap(digerr.CodeStreamClosed, "failed to read header", err)
	}
	if len(buf) > constants.MaxHeaderSize {
		return nil, digerr.New(digerr.CodeDecodeFailed, "header exceeds size limit")
	}
	return buf[:len(buf)-1], nil
}

// WriteBody streams data to w in frames of at most MaxFrameSize bytes.
func WriteBody(w io.Writer, data []byte) error {
	for off := 0; off < len(data); off += constants.MaxFrameSize {
		end := off + constants.MaxFrameSize
		if end > len(data) {
			end = len(data)
		}
		if _, err := w.Write(data[off:end]); err != nil {
			return digerr.Wrap(digerr.CodeStreamClosed, "failed to write body frame", err)
		}
	}
	return nil
}

// CopyBody streams exactly n bytes from src to dst in bounded frames.
func CopyBody(dst io.Writer, src io.Reader, n int64) error {
	buf := make([]byte, constants.MaxFrameSize)
	var written int64
	for written < n {
		want := int64(len(buf))
		if n-written < want {
			want = n - written
		}
		read, err := io.ReadFull(src, buf[:want])
		if err != nil {
			return digerr.Wrap(digerr.CodeStreamClosed,
				fmt.Sprintf("short read at %d/%d bytes", written, n), err)
		}
		if _, err := dst.Write(buf[:read]); err != nil {
			return digerr.Wrap(digerr.CodeStreamClosed, "failed to write body frame", err)
		}
		written += int64(read)
	}
	return nil
}

// ReadExactly reads exactly n bytes from r. A short read is an error, never
// truncated data.
func ReadExactly(r io.Reader, n int64) ([]byte, error) {
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, digerr.Wrap(digerr.CodeSizeMismatch,
			fmt.Sprintf("expected %d body bytes", n), err)
	}
	return data, nil
}
