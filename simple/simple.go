package simple

import (
	"math"
	"math/rand"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/nanaya-tachibana/elmo/batch"
	"github.com/nanaya-tachibana/elmo/datasets"
	"github.com/nanaya-tachibana/elmo/engine"
	"github.com/nanaya-tachibana/elmo/train"
)

// Config holds the hyperparameters of the classifier.
type Config struct {
	// EmbeddingSize is the token embedding width. Default 64.
	EmbeddingSize int `yaml:"embedding_size"`

	// HiddenSize is the width of the ReLU layer. Default 64.
	HiddenSize int `yaml:"hidden_size"`

	// MaxLength truncates texts when building datasets. Zero uses the
	// datasets default.
	MaxLength int `yaml:"max_length"`

	// Threshold is the probability above which a label is predicted. Default 0.5.
	Threshold float64 `yaml:"threshold"`

	// Seed controls weight initialization. If zero, time-based seed is used.
	Seed int64 `yaml:"seed"`
}

func (c Config) withDefaults() Config {
	if c.EmbeddingSize == 0 {
		c.EmbeddingSize = 64
	}
	if c.HiddenSize == 0 {
		c.HiddenSize = 64
	}
	if c.Threshold == 0 {
		c.Threshold = 0.5
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	return c
}

// Model is a multi-label text classifier: token embeddings are mean-pooled,
// passed through one ReLU layer and projected to one logit per label.
// The loss is the summed sigmoid binary cross-entropy over labels.
type Model struct {
	train.Base

	// Config used for initialization.
	Config Config

	// embed is [vocab, E], w1 is [H, E], w2 is [K, H].
	embed, w1, b1, w2, b2 *engine.Parameter

	rng *rand.Rand
}

// NewModel creates an unbuilt model. Build (or train.Fit) allocates its
// parameters once the vocabulary and label index are known.
func NewModel(cfg Config) *Model {
	cfg = cfg.withDefaults()
	return &Model{Config: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
}

func (m *Model) Parameters() []*engine.Parameter {
	if m.embed == nil {
		return nil
	}
	return []*engine.Parameter{m.embed, m.w1, m.b1, m.w2, m.b2}
}

// Build allocates and initializes the parameters.
func (m *Model) Build(dev engine.Device) error {
	if m.Vocab() == nil || m.LabelIndex() == nil {
		return errors.New("vocabulary and label index must be set before building")
	}
	if dev.Kind != engine.CPU().Kind {
		return errors.Wrapf(engine.ErrUnsupportedDevice, "%s", dev)
	}
	if m.LabelIndex().Len() == 0 {
		return errors.New("label index is empty")
	}
	v, e, h, k := m.Vocab().Len(), m.Config.EmbeddingSize, m.Config.HiddenSize, m.LabelIndex().Len()
	m.embed = engine.NewParameter("embedding", v, e)
	m.w1 = engine.NewParameter("hidden.weight", h, e)
	m.b1 = engine.NewParameter("hidden.bias", h)
	m.w2 = engine.NewParameter("output.weight", k, h)
	m.b2 = engine.NewParameter("output.bias", k)

	m.embed.InitUniform(m.rng, 0.1)
	m.w1.InitXavier(m.rng, e, h)
	m.w2.InitXavier(m.rng, h, k)
	klog.V(1).Infof("Built classifier: vocab %d, embedding %d, hidden %d, labels %d", v, e, h, k)
	return nil
}

// GetOrBuildDataset returns ds, or a multi-label dataset over texts and
// labels encoded with the model's vocabulary and label index when set.
func (m *Model) GetOrBuildDataset(ds train.Dataset, texts, labels []string) (train.Dataset, error) {
	if ds != nil {
		return ds, nil
	}
	source, err := datasets.NewInMemory(texts, labels)
	if err != nil {
		return nil, err
	}
	return datasets.NewClassifyDataset(source, datasets.Options{
		Vocab:     m.Vocab(),
		Labels:    m.LabelIndex(),
		MaxLength: m.Config.MaxLength,
	})
}

// Batchify pads tokens into [B, T] int32, with lengths [B] int32 and
// multi-hot labels [B, K] float32.
func (m *Model) Batchify() (batch.BatchifyFunc, error) {
	if m.Vocab() == nil {
		return nil, errors.New("vocabulary is not set")
	}
	pad := m.Vocab().PaddingID()
	return func(samples []datasets.Sample) ([]*tensors.Tensor, error) {
		tokens := make([][]int, len(samples))
		labels := make([][]int, len(samples))
		for i, s := range samples {
			tokens[i] = s.Tokens
			labels[i] = s.Labels
		}
		y, err := batch.StackFloat(labels)
		if err != nil {
			return nil, err
		}
		return []*tensors.Tensor{batch.Pad(tokens, pad), batch.Lengths(tokens), y}, nil
	}, nil
}

// activations of one sample.
type activations struct {
	tokens []int32
	pooled []float32
	preH   []float32
	h      []float32
	logits []float32
}

// forwardSingle computes the logits of one token sequence.
func (m *Model) forwardSingle(tokens []int32) *activations {
	e, h, k := m.Config.EmbeddingSize, m.Config.HiddenSize, len(m.b2.Data)
	a := &activations{
		tokens: tokens,
		pooled: make([]float32, e),
		preH:   make([]float32, h),
		h:      make([]float32, h),
		logits: make([]float32, k),
	}
	if len(tokens) > 0 {
		inv := 1 / float32(len(tokens))
		for _, tok := range tokens {
			row := m.embed.Data[int(tok)*e : (int(tok)+1)*e]
			for j, v := range row {
				a.pooled[j] += v * inv
			}
		}
	}
	for i := 0; i < h; i++ {
		sum := m.b1.Data[i]
		row := m.w1.Data[i*e : (i+1)*e]
		for j, v := range row {
			sum += v * a.pooled[j]
		}
		a.preH[i] = sum
		if sum > 0 {
			a.h[i] = sum
		}
	}
	for i := 0; i < k; i++ {
		sum := m.b2.Data[i]
		row := m.w2.Data[i*h : (i+1)*h]
		for j, v := range row {
			sum += v * a.h[j]
		}
		a.logits[i] = sum
	}
	return a
}

// backwardSingle accumulates the gradients for one sample given dLoss/dLogits.
func (m *Model) backwardSingle(a *activations, dLogits []float32) {
	e, h := m.Config.EmbeddingSize, m.Config.HiddenSize
	dH := make([]float32, h)
	for i, d := range dLogits {
		m.b2.Grad[i] += d
		row := m.w2.Data[i*h : (i+1)*h]
		grow := m.w2.Grad[i*h : (i+1)*h]
		for j := range row {
			grow[j] += d * a.h[j]
			dH[j] += d * row[j]
		}
	}
	dPooled := make([]float32, e)
	for i, d := range dH {
		if a.preH[i] <= 0 {
			continue
		}
		m.b1.Grad[i] += d
		row := m.w1.Data[i*e : (i+1)*e]
		grow := m.w1.Grad[i*e : (i+1)*e]
		for j := range row {
			grow[j] += d * a.pooled[j]
			dPooled[j] += d * row[j]
		}
	}
	if len(a.tokens) == 0 {
		return
	}
	inv := 1 / float32(len(a.tokens))
	for _, tok := range a.tokens {
		grow := m.embed.Grad[int(tok)*e : (int(tok)+1)*e]
		for j, d := range dPooled {
			grow[j] += d * inv
		}
	}
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// bce is the binary cross-entropy of sigmoid(z) against y, computed stably.
func bce(z, y float32) float32 {
	zf := float64(z)
	return float32(math.Max(zf, 0) - zf*float64(y) + math.Log1p(math.Exp(-math.Abs(zf))))
}

// CalculateLoss expects the fields produced by Batchify.
func (m *Model) CalculateLoss(t *engine.Tape, fields []*engine.Array) (*engine.Loss, error) {
	if m.embed == nil {
		return nil, errors.New("model is not built")
	}
	if len(fields) != 3 {
		return nil, errors.Errorf("expected 3 batch fields, got %d", len(fields))
	}
	tokens, ok1 := fields[0].Tensor.Value().([][]int32)
	lengths, ok2 := fields[1].Tensor.Value().([]int32)
	labels, ok3 := fields[2].Tensor.Value().([][]float32)
	if !ok1 || !ok2 || !ok3 {
		return nil, errors.New("unexpected batch field types")
	}
	k := len(m.b2.Data)

	t.Watch(m.Parameters()...)
	acts := make([]*activations, len(tokens))
	values := make([]float32, len(tokens))
	for b := range tokens {
		if len(labels[b]) != k {
			return nil, errors.Errorf("sample %d has %d labels, model has %d", b, len(labels[b]), k)
		}
		acts[b] = m.forwardSingle(tokens[b][:lengths[b]])
		for i, z := range acts[b].logits {
			values[b] += bce(z, labels[b][i])
		}
	}
	t.Push(func() error {
		for b, a := range acts {
			d := make([]float32, k)
			for i, z := range a.logits {
				d[i] = sigmoid(z) - labels[b][i]
			}
			m.backwardSingle(a, d)
		}
		return nil
	})
	return t.NewLoss(values), nil
}

// probabilities returns the per-label probabilities of each token sequence.
func (m *Model) probabilities(seqs [][]int) [][]float32 {
	out := make([][]float32, len(seqs))
	for i, s := range seqs {
		tokens := make([]int32, len(s))
		for j, v := range s {
			tokens[j] = int32(v)
		}
		a := m.forwardSingle(tokens)
		p := make([]float32, len(a.logits))
		for j, z := range a.logits {
			p[j] = sigmoid(z)
		}
		out[i] = p
	}
	return out
}

// ValidLog computes the micro-averaged F1 of thresholded predictions on
// valid and logs it.
func (m *Model) ValidLog(valid datasets.Encoder) (float64, error) {
	if m.embed == nil {
		return 0, errors.New("model is not built")
	}
	var tp, fp, fn int
	threshold := float32(m.Config.Threshold)
	for i := 0; i < valid.Len(); i++ {
		s, err := valid.Sample(i)
		if err != nil {
			return 0, err
		}
		probs := m.probabilities([][]int{s.Tokens})[0]
		if len(s.Labels) != len(probs) {
			return 0, errors.Errorf("sample %d has %d labels, model has %d", i, len(s.Labels), len(probs))
		}
		for j, p := range probs {
			predicted, actual := p > threshold, s.Labels[j] == 1
			switch {
			case predicted && actual:
				tp++
			case predicted:
				fp++
			case actual:
				fn++
			}
		}
	}
	precision, recall, f1 := scores(tp, fp, fn)
	klog.Infof("Valid micro-F1 %.4f, precision %.4f, recall %.4f", f1, precision, recall)
	return f1, nil
}

func scores(tp, fp, fn int) (precision, recall, f1 float64) {
	if tp+fp > 0 {
		precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		recall = float64(tp) / float64(tp+fn)
	}
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}
	return
}

// Predict returns the labels predicted for each text.
func (m *Model) Predict(texts []string) ([][]string, error) {
	if m.embed == nil {
		return nil, errors.New("model is not built")
	}
	ds, err := datasets.NewDataset(datasets.InMemoryRows(texts), datasets.Options{
		Vocab:     m.Vocab(),
		MaxLength: m.Config.MaxLength,
	})
	if err != nil {
		return nil, err
	}
	threshold := float32(m.Config.Threshold)
	out := make([][]string, len(texts))
	for i := range texts {
		tokens, err := ds.Tokens(i)
		if err != nil {
			return nil, err
		}
		probs := m.probabilities([][]int{tokens})[0]
		labels := []string{}
		for j, p := range probs {
			if p > threshold {
				label, _ := m.LabelIndex().Label(j)
				labels = append(labels, label)
			}
		}
		out[i] = labels
	}
	return out, nil
}
