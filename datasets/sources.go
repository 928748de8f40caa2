package datasets

import (
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/nanaya-tachibana/elmo/recordio"
)

// InMemory is a RowSource over rows held in memory.
type InMemory struct {
	rows []string
}

// NewInMemory builds rows by joining the i-th element of every column with
// the field separator. All columns must have the same length.
func NewInMemory(texts, labels []string, extra ...[]string) (*InMemory, error) {
	columns := append([][]string{texts, labels}, extra...)
	for i, col := range columns {
		if len(col) != len(texts) {
			return nil, errors.Errorf("column %d has %d rows, expected %d", i, len(col), len(texts))
		}
	}
	rows := make([]string, len(texts))
	fields := make([]string, len(columns))
	for i := range rows {
		for j, col := range columns {
			fields[j] = col[i]
		}
		rows[i] = strings.Join(fields, FieldSeparator)
	}
	return &InMemory{rows: rows}, nil
}

// InMemoryRows wraps already delimited rows.
func InMemoryRows(rows []string) *InMemory {
	return &InMemory{rows: rows}
}

func (m *InMemory) Len() int { return len(m.rows) }

func (m *InMemory) Row(i int) (string, error) {
	if i < 0 || i >= len(m.rows) {
		return "", errors.Errorf("row %d out of range [0, %d)", i, len(m.rows))
	}
	return m.rows[i], nil
}

// RecordFile is a read-only RowSource backed by an indexed record file pair.
// Row i is the record with the i-th smallest key.
type RecordFile struct {
	path   string
	reader *recordio.Reader
	keys   []int
}

// IndexPath returns the index file paired with a record file: the same path
// with the extension replaced by ".idx".
func IndexPath(recPath string) string {
	return strings.TrimSuffix(recPath, filepath.Ext(recPath)) + ".idx"
}

// OpenRecordFile opens path and its sibling index file.
func OpenRecordFile(path string) (*RecordFile, error) {
	r, err := recordio.Open(IndexPath(path), path)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("opened record file %s: %s records, %s", path,
		humanize.Comma(int64(r.Len())), humanize.Bytes(uint64(r.Size())))
	return &RecordFile{path: path, reader: r, keys: r.Keys()}, nil
}

func (f *RecordFile) Len() int { return len(f.keys) }

func (f *RecordFile) Row(i int) (string, error) {
	if i < 0 || i >= len(f.keys) {
		return "", errors.Errorf("row %d out of range [0, %d)", i, len(f.keys))
	}
	data, err := f.reader.Read(f.keys[i])
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", errors.Errorf("%s: record %d is not valid UTF-8", f.path, f.keys[i])
	}
	return string(data), nil
}

// Close releases the underlying files.
func (f *RecordFile) Close() error {
	return f.reader.Close()
}

// TextFile is a RowSource over one or more tab-separated text files, one row
// per line. Line offsets are indexed once when opening; rows are read lazily.
type TextFile struct {
	// Pattern used to find the files (e.g., "data/train-*.tsv").
	Pattern string

	files []*os.File
	// offsets[f] holds the start offset of every line of file f, plus the
	// file size as a final sentinel.
	offsets [][]int64
	// cumCounts[f] is the number of rows in files before f.
	cumCounts []int
}

// OpenTextFiles indexes every file matching pattern, in lexical order.
func OpenTextFiles(pattern string) (*TextFile, error) {
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "glob pattern %s", pattern)
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no files found matching pattern: %s", pattern)
	}

	tf := &TextFile{Pattern: pattern, cumCounts: make([]int, len(paths)+1)}
	for i, path := range paths {
		offsets, err := indexLines(path)
		if err != nil {
			tf.Close()
			return nil, errors.Wrapf(err, "index %s", path)
		}
		f, err := os.Open(path)
		if err != nil {
			tf.Close()
			return nil, errors.Wrapf(err, "open %s", path)
		}
		tf.files = append(tf.files, f)
		tf.offsets = append(tf.offsets, offsets)
		tf.cumCounts[i+1] = tf.cumCounts[i] + len(offsets) - 1
	}
	klog.V(1).Infof("indexed %s rows from %d file(s) matching %s",
		humanize.Comma(int64(tf.Len())), len(paths), pattern)
	return tf, nil
}

func (tf *TextFile) Len() int {
	return tf.cumCounts[len(tf.cumCounts)-1]
}

// mapGlobalIndex maps a row index to (file index, line within file).
func (tf *TextFile) mapGlobalIndex(i int) (int, int) {
	for f := range tf.files {
		if i < tf.cumCounts[f+1] {
			return f, i - tf.cumCounts[f]
		}
	}
	return len(tf.files) - 1, i - tf.cumCounts[len(tf.files)-1]
}

func (tf *TextFile) Row(i int) (string, error) {
	if i < 0 || i >= tf.Len() {
		return "", errors.Errorf("row %d out of range [0, %d)", i, tf.Len())
	}
	f, line := tf.mapGlobalIndex(i)
	start, end := tf.offsets[f][line], tf.offsets[f][line+1]
	buf := make([]byte, end-start)
	if _, err := tf.files[f].ReadAt(buf, start); err != nil {
		return "", errors.Wrapf(err, "read row %d", i)
	}
	return strings.TrimRight(string(buf), "\r\n"), nil
}

// Close releases every open file.
func (tf *TextFile) Close() error {
	var first error
	for _, f := range tf.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
