// Command recpack packs the rows of tab-separated text files into an indexed
// record file pair (.rec and .idx) readable by datasets.OpenRecordFile.
package main

import (
	"flag"
	"strconv"

	"github.com/alexflint/go-arg"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/nanaya-tachibana/elmo/datasets"
	"github.com/nanaya-tachibana/elmo/recordio"
)

func pack(pattern, out string) (int, error) {
	rows, err := datasets.OpenTextFiles(pattern)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	w, err := recordio.Create(datasets.IndexPath(out), out)
	if err != nil {
		return 0, err
	}
	for i := 0; i < rows.Len(); i++ {
		row, err := rows.Row(i)
		if err != nil {
			w.Close()
			return i, err
		}
		if err := w.Write(i, []byte(row)); err != nil {
			w.Close()
			return i, errors.Wrapf(err, "writing row %d", i)
		}
	}
	return rows.Len(), w.Close()
}

func main() {
	args := struct {
		Input     string `arg:"positional,required" help:"glob of TSV files"`
		Output    string `arg:"positional,required" help:"record file to write, e.g. train.rec"`
		Verbosity int    `arg:"-v" help:"klog verbosity"`
	}{}
	arg.MustParse(&args)

	fs := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(fs)
	_ = fs.Set("v", strconv.Itoa(args.Verbosity))
	defer klog.Flush()

	n, err := pack(args.Input, args.Output)
	if err != nil {
		klog.Exitf("recpack: %+v", err)
	}
	klog.Infof("Packed %s rows into %s", humanize.Comma(int64(n)), args.Output)
}
