package main

// Example command that demonstrates building sequence-tagging and
// classification datasets over a tiny in-memory corpus, sharing their
// vocabulary and label index, and converting a small batch into gomlx tensors
// using the batch helpers.
//
// Samples are encoded lazily: rows are only segmented and looked up when a
// sample is requested.
//
// Usage:
//   go run ./datasets/example

import (
	"fmt"
	"log"

	"github.com/nanaya-tachibana/elmo/batch"
	"github.com/nanaya-tachibana/elmo/datasets"
)

func main() {
	texts := []string{"大叫好", "大家好", "好厉害"}
	labels := []string{"1|2", "1|2|3", "3|1"}

	source, err := datasets.NewInMemory(texts, labels)
	if err != nil {
		log.Fatalf("failed to build rows: %v", err)
	}

	tags, err := datasets.NewSequenceTagDataset(source, datasets.Options{})
	if err != nil {
		log.Fatalf("failed to build sequence tag dataset: %v", err)
	}
	ids := make([]int, tags.Vocab().Len())
	for i := range ids {
		ids[i] = i
	}
	all, err := tags.IDsToTokens(ids)
	if err != nil {
		log.Fatalf("failed to list vocabulary: %v", err)
	}
	fmt.Printf("Vocabulary (%d tokens): %v\n", len(all), all)
	fmt.Printf("Label index: %v\n", tags.Labels().Map())

	samples := make([]datasets.Sample, tags.Len())
	for i := range samples {
		s, err := tags.Sample(i)
		if err != nil {
			log.Fatalf("failed to encode row %d: %v", i, err)
		}
		samples[i] = s
		fmt.Printf("  %s -> tokens %v, tags %v (%v)\n", texts[i], s.Tokens, s.Labels, tags.DecodeLabels(s.Labels))
	}

	// The classification view reuses the same id spaces.
	classify, err := datasets.NewClassifyDataset(source, datasets.Options{
		Vocab:  tags.Vocab(),
		Labels: tags.Labels(),
	})
	if err != nil {
		log.Fatalf("failed to build classification dataset: %v", err)
	}
	hot := make([][]int, classify.Len())
	for i := range hot {
		s, err := classify.Sample(i)
		if err != nil {
			log.Fatalf("failed to encode row %d: %v", i, err)
		}
		hot[i] = s.Labels
		fmt.Printf("  %s -> multi-hot %v\n", texts[i], s.Labels)
	}

	tokens := make([][]int, len(samples))
	for i, s := range samples {
		tokens[i] = s.Tokens
	}
	padded := batch.Pad(tokens, tags.Vocab().PaddingID())
	y, err := batch.StackFloat(hot)
	if err != nil {
		log.Fatalf("failed to stack labels: %v", err)
	}
	fmt.Printf("Created tensors: tokens %v %v, labels %v %v\n",
		padded.Shape().Dimensions, padded.Value(), y.Shape().Dimensions, y.Value())
}
