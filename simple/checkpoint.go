package simple

import (
	"encoding/gob"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/nanaya-tachibana/elmo/engine"
	"github.com/nanaya-tachibana/elmo/vocab"
)

// checkpointVersion is incremented when the on-disk format changes.
const checkpointVersion = 1

type savedParameter struct {
	Name  string
	Shape []int
	Data  []float32
}

type checkpointFormat struct {
	Version int
	Config  Config
	// Vocab and Labels hold the JSON encodings of the id spaces.
	Vocab  []byte
	Labels []byte
	Params []savedParameter
}

// Save writes the model with encoding/gob. It performs an atomic write
// (create temp file then rename).
func (m *Model) Save(path string) error {
	if m.embed == nil {
		return errors.New("model is not built")
	}
	vocabJSON, err := json.Marshal(m.Vocab())
	if err != nil {
		return errors.Wrap(err, "encoding vocabulary")
	}
	labelsJSON, err := json.Marshal(m.LabelIndex())
	if err != nil {
		return errors.Wrap(err, "encoding label index")
	}
	ck := checkpointFormat{
		Version: checkpointVersion,
		Config:  m.Config,
		Vocab:   vocabJSON,
		Labels:  labelsJSON,
	}
	for _, p := range m.Parameters() {
		ck.Params = append(ck.Params, savedParameter{Name: p.Name, Shape: p.Shape, Data: p.Data})
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "mkdir %s", dir)
		}
	}
	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return errors.Wrap(err, "create temp checkpoint")
	}
	tmpName := tmpFile.Name()
	defer func() {
		tmpFile.Close()
		_ = os.Remove(tmpName)
	}()

	if err := gob.NewEncoder(tmpFile).Encode(&ck); err != nil {
		return errors.Wrap(err, "encode checkpoint")
	}
	if err := tmpFile.Sync(); err != nil {
		klog.Warningf("sync temp checkpoint %s: %v", tmpName, err)
	}
	if err := tmpFile.Close(); err != nil {
		return errors.Wrap(err, "close temp checkpoint")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrap(err, "rename temp checkpoint")
	}
	return nil
}

// Load reads a model written by Save. The loaded model counts as trained, so
// fitting it again continues from the saved parameters.
func Load(path string) (*Model, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open checkpoint %s", path)
	}
	defer fh.Close()

	var ck checkpointFormat
	if err := gob.NewDecoder(fh).Decode(&ck); err != nil {
		return nil, errors.Wrapf(err, "decode checkpoint %s", path)
	}
	if ck.Version != checkpointVersion {
		return nil, errors.Errorf("checkpoint version mismatch: file=%d expected=%d", ck.Version, checkpointVersion)
	}

	v := &vocab.Vocab{}
	if err := json.Unmarshal(ck.Vocab, v); err != nil {
		return nil, errors.Wrap(err, "decoding vocabulary")
	}
	li := &vocab.LabelIndex{}
	if err := json.Unmarshal(ck.Labels, li); err != nil {
		return nil, errors.Wrap(err, "decoding label index")
	}

	m := NewModel(ck.Config)
	m.SetVocab(v)
	m.SetLabelIndex(li)
	if err := m.Build(engine.CPU()); err != nil {
		return nil, err
	}
	params := m.Parameters()
	if len(params) != len(ck.Params) {
		return nil, errors.Errorf("checkpoint has %d parameters, model has %d", len(ck.Params), len(params))
	}
	for i, p := range params {
		saved := ck.Params[i]
		if saved.Name != p.Name || len(saved.Data) != len(p.Data) {
			return nil, errors.Errorf("checkpoint parameter %s%v does not match %s%v", saved.Name, saved.Shape, p.Name, p.Shape)
		}
		copy(p.Data, saved.Data)
	}
	m.MarkTrained()
	return m, nil
}
