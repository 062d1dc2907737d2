package driver

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

func dockerFrame(streamType byte, payload []byte) []byte {
	header := make([]byte, 8)
	header[0] = streamType
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
	return append(header, payload...)
}

func TestStreamDemuxReaderFiltersStdoutOnly(t *testing.T) {
	var raw bytes.Buffer
	raw.Write(dockerFrame(0x02, []byte("noise on stderr")))
	raw.Write(dockerFrame(0x01, []byte("hello ")))
	raw.Write(dockerFrame(0x00, []byte("stdin echo")))
	raw.Write(dockerFrame(0x01, []byte("world")))

	r := newStreamDemuxReader(bufio.NewReader(&raw))
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("demuxed stream mismatch: got %q", got)
	}
}

func TestStreamDemuxReaderEOF(t *testing.T) {
	r := newStreamDemuxReader(bufio.NewReader(&bytes.Buffer{}))
	_, err := r.Read(make([]byte, 8))
	if err != io.EOF {
		t.Fatalf("expected io.EOF on empty stream, got %v", err)
	}
}
