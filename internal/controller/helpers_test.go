package controller

import (
	"errors"
	"testing"

	"github.com/klauspost/compress/zstd"
)

var errFakePrepare = errors.New("fake: prepare failed")

func zstdOf(t *testing.T, data []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd.NewWriter: %v", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

func emptyZstdFrame(t *testing.T) []byte {
	t.Helper()
	return zstdOf(t, nil)
}
