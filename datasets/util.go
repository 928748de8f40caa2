package datasets

import (
	"bufio"
	"io"
	"os"
)

// indexLines returns the start offset of every line in the file followed by
// the file size. A trailing line without a newline still counts; an empty
// final line does not.
func indexLines(path string) ([]int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	offsets := []int64{}
	var pos int64
	for {
		line, err := reader.ReadSlice('\n')
		if len(line) > 0 {
			offsets = append(offsets, pos)
			pos += int64(len(line))
		}
		if err == io.EOF {
			break
		}
		if err == bufio.ErrBufferFull {
			// Long line: keep consuming until its newline.
			for err == bufio.ErrBufferFull {
				line, err = reader.ReadSlice('\n')
				pos += int64(len(line))
			}
			if err == io.EOF {
				break
			}
		}
		if err != nil {
			return nil, err
		}
	}
	return append(offsets, pos), nil
}
