package train

import (
	"image/color"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// PlotHistory writes a PNG with the training loss per epoch and, when
// present, the validation score.
func PlotHistory(history []EpochRecord, path string) error {
	if len(history) == 0 {
		return errors.New("no epochs to plot")
	}
	p := plot.New()
	p.Title.Text = "Training history"
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "value"

	loss := make(plotter.XYs, 0, len(history))
	var scores plotter.XYs
	for _, r := range history {
		loss = append(loss, plotter.XY{X: float64(r.Epoch), Y: r.Loss})
		if r.HasValid {
			scores = append(scores, plotter.XY{X: float64(r.Epoch), Y: r.ValidScore})
		}
	}

	lossLine, err := plotter.NewLine(loss)
	if err != nil {
		return err
	}
	lossLine.Color = color.RGBA{R: 20, G: 80, B: 200, A: 255}
	lossLine.Width = vg.Points(1.5)
	p.Add(lossLine)
	p.Legend.Add("train loss", lossLine)

	if len(scores) > 0 {
		scoreLine, err := plotter.NewLine(scores)
		if err != nil {
			return err
		}
		scoreLine.Color = color.RGBA{R: 200, G: 30, B: 30, A: 255}
		scoreLine.Width = vg.Points(1.5)
		p.Add(scoreLine)
		p.Legend.Add("valid score", scoreLine)
	}
	p.Add(plotter.NewGrid())

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "mkdir %s", dir)
		}
	}
	return p.Save(8*vg.Inch, 5*vg.Inch, path)
}
