package repository

import (
	"io"

	"github.com/xitongsys/parquet-go/source"
)

// memoryFile backs a parquet file with a byte slice so serialization
// happens in memory and the bytes move through the filesystem capability
// in one piece.
type memoryFile struct {
	data   []byte
	offset int64
}

func newMemoryFile() *memoryFile {
	return &memoryFile{}
}

func newMemoryFileFromBytes(data []byte) *memoryFile {
	return &memoryFile{data: data}
}

func (f *memoryFile) Create(name string) (source.ParquetFile, error) {
	return &memoryFile{}, nil
}

// Open returns a fresh view over the same bytes; parquet column readers
// each hold their own offset.
func (f *memoryFile) Open(name string) (source.ParquetFile, error) {
	return &memoryFile{data: f.data}, nil
}

func (f *memoryFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.offset = offset
	case io.SeekCurrent:
		f.offset += offset
	case io.SeekEnd:
		f.offset = int64(len(f.data)) + offset
	}
	if f.offset < 0 {
		f.offset = 0
	}
	return f.offset, nil
}

func (f *memoryFile) Read(p []byte) (int, error) {
	if f.offset >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[f.offset:])
	f.offset += int64(n)
	return n, nil
}

func (f *memoryFile) Write(p []byte) (int, error) {
	f.data = append(f.data, p...)
	f.offset = int64(len(f.data))
	return len(p), nil
}

func (f *memoryFile) Close() error { return nil }

func (f *memoryFile) Bytes() []byte { return f.data }
