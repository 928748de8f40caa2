// Package recordio reads and writes indexed record files: a data file of
// length-prefixed records plus a text index mapping integer keys to byte
// offsets. The layout matches the dmlc/MXNet RecordIO format so files packed
// by other tools can be read directly.
package recordio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	// magic starts every record header.
	magic uint32 = 0xced7230a

	lengthBits = 29
	lengthMask = 1<<lengthBits - 1

	flagWhole  = 0
	flagFirst  = 1
	flagMiddle = 2
	flagLast   = 3

	headerSize = 8
)

var magicBytes = func() []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, magic)
	return b
}()

func pad4(n int) int {
	return (n + 3) &^ 3
}

// Writer appends records to a data file and remembers their offsets; the
// index file is written on Close.
type Writer struct {
	rec     *os.File
	buf     *bufio.Writer
	idxPath string
	pos     int64
	keys    []int
	offsets map[int]int64
}

// Create truncates or creates the index and data files.
func Create(idxPath, recPath string) (*Writer, error) {
	f, err := os.Create(recPath)
	if err != nil {
		return nil, errors.Wrapf(err, "create record file %s", recPath)
	}
	return &Writer{
		rec:     f,
		buf:     bufio.NewWriter(f),
		idxPath: idxPath,
		offsets: make(map[int]int64),
	}, nil
}

// Write appends data as the record for key. Payloads containing the magic
// word at a 4-byte aligned offset are split into continuation parts.
func (w *Writer) Write(key int, data []byte) error {
	if _, dup := w.offsets[key]; dup {
		return errors.Errorf("duplicate record key %d", key)
	}
	start := w.pos

	var parts [][]byte
	begin := 0
	for i := 0; i+4 <= len(data); i += 4 {
		if bytes.Equal(data[i:i+4], magicBytes) {
			parts = append(parts, data[begin:i])
			begin = i + 4
		}
	}
	parts = append(parts, data[begin:])

	for i, part := range parts {
		flag := uint32(flagWhole)
		if len(parts) > 1 {
			switch i {
			case 0:
				flag = flagFirst
			case len(parts) - 1:
				flag = flagLast
			default:
				flag = flagMiddle
			}
		}
		if err := w.writePart(flag, part); err != nil {
			return errors.Wrapf(err, "write record %d", key)
		}
	}

	w.keys = append(w.keys, key)
	w.offsets[key] = start
	return nil
}

func (w *Writer) writePart(flag uint32, part []byte) error {
	if len(part) > lengthMask {
		return errors.Errorf("record part of %d bytes exceeds the %d byte limit", len(part), lengthMask)
	}
	var header [headerSize]byte
	binary.LittleEndian.PutUint32(header[0:4], magic)
	binary.LittleEndian.PutUint32(header[4:8], flag<<lengthBits|uint32(len(part)))
	if _, err := w.buf.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.buf.Write(part); err != nil {
		return err
	}
	padding := pad4(len(part)) - len(part)
	if padding > 0 {
		if _, err := w.buf.Write(make([]byte, padding)); err != nil {
			return err
		}
	}
	w.pos += int64(headerSize + len(part) + padding)
	return nil
}

// Close flushes the data file and writes the index.
func (w *Writer) Close() error {
	if err := w.buf.Flush(); err != nil {
		w.rec.Close()
		return errors.Wrap(err, "flush record file")
	}
	if err := w.rec.Close(); err != nil {
		return errors.Wrap(err, "close record file")
	}

	idx, err := os.Create(w.idxPath)
	if err != nil {
		return errors.Wrapf(err, "create index file %s", w.idxPath)
	}
	bw := bufio.NewWriter(idx)
	for _, k := range w.keys {
		fmt.Fprintf(bw, "%d\t%d\n", k, w.offsets[k])
	}
	if err := bw.Flush(); err != nil {
		idx.Close()
		return errors.Wrap(err, "write index file")
	}
	return idx.Close()
}

// Reader gives random access to the records of an indexed record file. It
// only uses ReadAt on the data file, so it is safe for concurrent use.
type Reader struct {
	rec       *os.File
	size      int64
	keys      []int
	positions map[int]int64
}

// Open loads the index and opens the data file for reading.
func Open(idxPath, recPath string) (*Reader, error) {
	positions, keys, err := readIndex(idxPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(recPath)
	if err != nil {
		return nil, errors.Wrapf(err, "open record file %s", recPath)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat record file %s", recPath)
	}
	return &Reader{rec: f, size: st.Size(), keys: keys, positions: positions}, nil
}

func readIndex(path string) (map[int]int64, []int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open index file %s", path)
	}
	defer f.Close()

	positions := make(map[int]int64)
	var keys []int
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) != 2 {
			return nil, nil, errors.Errorf("%s:%d: expected key and position, got %q", path, line, text)
		}
		key, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, nil, errors.Wrapf(err, "%s:%d: parse key", path, line)
		}
		pos, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "%s:%d: parse position", path, line)
		}
		if _, dup := positions[key]; dup {
			return nil, nil, errors.Errorf("%s:%d: duplicate key %d", path, line, key)
		}
		positions[key] = pos
		keys = append(keys, key)
	}
	if err := sc.Err(); err != nil {
		return nil, nil, errors.Wrapf(err, "read index file %s", path)
	}
	sort.Ints(keys)
	return positions, keys, nil
}

// Len returns the number of indexed records.
func (r *Reader) Len() int {
	return len(r.keys)
}

// Size returns the size of the data file in bytes.
func (r *Reader) Size() int64 {
	return r.size
}

// Keys returns the record keys in ascending order.
func (r *Reader) Keys() []int {
	out := make([]int, len(r.keys))
	copy(out, r.keys)
	return out
}

// Read returns the payload of the record stored under key.
func (r *Reader) Read(key int) ([]byte, error) {
	pos, ok := r.positions[key]
	if !ok {
		return nil, errors.Errorf("record key %d not in index", key)
	}

	var out []byte
	for part := 0; ; part++ {
		var header [headerSize]byte
		if _, err := r.rec.ReadAt(header[:], pos); err != nil {
			return nil, errors.Wrapf(err, "read header of record %d at %d", key, pos)
		}
		if got := binary.LittleEndian.Uint32(header[0:4]); got != magic {
			return nil, errors.Errorf("record %d at %d: bad magic %#x", key, pos, got)
		}
		lrec := binary.LittleEndian.Uint32(header[4:8])
		flag := lrec >> lengthBits
		n := int(lrec & lengthMask)

		payload := make([]byte, n)
		if n > 0 {
			k, err := r.rec.ReadAt(payload, pos+headerSize)
			if k < n {
				if err == nil || err == io.EOF {
					err = io.ErrUnexpectedEOF
				}
				return nil, errors.Wrapf(err, "read payload of record %d: got %d of %d bytes", key, k, n)
			}
		}
		pos += int64(headerSize + pad4(n))

		switch {
		case part == 0 && flag == flagWhole:
			return payload, nil
		case part == 0 && flag != flagFirst:
			return nil, errors.Errorf("record %d starts with continuation flag %d", key, flag)
		case part > 0 && flag != flagMiddle && flag != flagLast:
			return nil, errors.Errorf("record %d: unexpected flag %d in part %d", key, flag, part)
		}
		if part > 0 {
			out = append(out, magicBytes...)
		}
		out = append(out, payload...)
		if flag == flagLast {
			return out, nil
		}
	}
}

// Close releases the data file.
func (r *Reader) Close() error {
	return r.rec.Close()
}
