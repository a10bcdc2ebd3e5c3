// Extensions installable on OD entries that back a domain object with a
// real file or an arbitrary io.Reader, rather than an in-memory buffer.
package od

import (
	"io"
	"log/slog"
	"os"
)

type FileObject struct {
	logger    *slog.Logger
	FilePath  string
	WriteMode int
	ReadMode  int
	File      *os.File
}

func NewFileObject(path string, logger *slog.Logger, writeMode int, readMode int) *FileObject {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileObject{
		logger:    logger.With("extension", "[FILE]"),
		FilePath:  path,
		WriteMode: writeMode,
		ReadMode:  readMode,
	}
}

// openOrSeek opens the backing file on the first access of a transfer (at
// DataOffset 0) and otherwise seeks it to resume where the last SDO segment
// left off, so a segmented/block transfer can be driven across many short
// reads or writes without re-reading from the start each time.
func (f *FileObject) openOrSeek(stream *Stream, mode int) error {
	if stream.DataOffset != 0 {
		_, err := f.File.Seek(int64(stream.DataOffset), io.SeekStart)
		return err
	}
	var err error
	f.File, err = os.OpenFile(f.FilePath, mode, 0644)
	return err
}

// ReadEntryFileObject is the OD StreamReader for a [FileObject]: it streams
// the backing file's bytes out over however many SDO reads the transfer
// takes, closing the file once it hits EOF.
func ReadEntryFileObject(stream *Stream, data []byte) (uint16, error) {
	if stream == nil || data == nil || stream.Subindex != 0 || stream.Object == nil {
		return 0, ErrDevIncompat
	}
	f, ok := stream.Object.(*FileObject)
	if !ok {
		stream.DataOffset = 0
		return 0, ErrDevIncompat
	}
	if stream.DataOffset == 0 {
		f.logger.Info("opening file for reading", "path", f.FilePath)
	}
	if err := f.openOrSeek(stream, f.ReadMode); err != nil {
		return 0, ErrDevIncompat
	}

	n, err := io.ReadFull(f.File, data)
	switch err {
	case nil:
		stream.DataOffset += uint32(n)
		return uint16(n), ErrPartial
	case io.EOF, io.ErrUnexpectedEOF:
		f.logger.Info("finished reading", "path", f.FilePath)
		f.File.Close()
		return uint16(n), nil
	default:
		f.logger.Warn("error reading", "path", f.FilePath, "err", err)
		f.File.Close()
		return uint16(n), ErrDevIncompat
	}
}

// WriteEntryFileObject is the OD StreamWriter for a [FileObject]: it appends
// whatever bytes arrive over SDO to the backing file, closing it once the
// transfer's declared length has been written.
func WriteEntryFileObject(stream *Stream, data []byte) (uint16, error) {
	if stream == nil || data == nil || stream.Subindex != 0 || stream.Object == nil {
		return 0, ErrDevIncompat
	}
	f, ok := stream.Object.(*FileObject)
	if !ok {
		stream.DataOffset = 0
		return 0, ErrDevIncompat
	}
	if stream.DataOffset == 0 {
		f.logger.Info("opening file for writing", "path", f.FilePath)
	}
	if err := f.openOrSeek(stream, f.WriteMode); err != nil {
		return 0, ErrDevIncompat
	}

	n, err := f.File.Write(data)
	if err != nil {
		f.logger.Warn("error writing", "path", f.FilePath, "err", err)
		f.File.Close()
		return uint16(n), ErrDevIncompat
	}
	stream.DataOffset += uint32(n)
	if stream.DataOffset != stream.DataLength {
		return uint16(n), ErrPartial
	}
	f.logger.Info("finished writing", "path", f.FilePath)
	f.File.Close()
	return uint16(n), nil
}

// ReadEntryReader is the OD StreamReader for any io.ReadSeeker (e.g. a
// pre-serialized EDS byte slice wrapped by [ObjectDictionary.AddReader]).
func ReadEntryReader(stream *Stream, data []byte) (uint16, error) {
	if stream == nil || data == nil || stream.Subindex != 0 || stream.Object == nil {
		return 0, ErrDevIncompat
	}
	reader, ok := stream.Object.(io.ReadSeeker)
	if !ok {
		stream.DataOffset = 0
		return 0, ErrDevIncompat
	}
	if stream.DataOffset == 0 {
		if _, err := reader.Seek(0, io.SeekStart); err != nil {
			return 0, ErrDevIncompat
		}
	}
	n, err := io.ReadFull(reader, data)
	switch err {
	case nil:
		stream.DataOffset += uint32(n)
		return uint16(n), ErrPartial
	case io.EOF, io.ErrUnexpectedEOF:
		return uint16(n), nil
	default:
		return uint16(n), ErrDevIncompat
	}
}
