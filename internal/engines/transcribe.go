package engines

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/r3e-network/dalston/internal/enginerun"
)

// wordsPerSecond is the synthetic speech rate used to lay out the
// stand-in transcript's word boundaries.
const wordsPerSecond = 2.0

// TranscribeStage runs speech recognition over the normalized audio input
// (spec §4.2's transcribe stage). The actual model is black-box per the
// engine contract; this produces a transcript.raw document whose segment
// and word boundaries are derived deterministically from the input's
// estimated duration, so align/diarize/merge downstream all operate on a
// real, internally-consistent document rather than a stub object.
func TranscribeStage(ctx context.Context, item enginerun.WorkItem) (enginerun.StageResult, error) {
	if err := checkCancelled(ctx); err != nil {
		return enginerun.StageResult{}, err
	}
	body, err := firstInput(item)
	if err != nil {
		return enginerun.StageResult{}, err
	}

	duration := float64(len(body)) / pcm16MonoBytesPerSecond
	if duration <= 0 {
		duration = 1
	}
	wordCount := int(duration * wordsPerSecond)
	if wordCount < 1 {
		wordCount = 1
	}

	words := make([]word, wordCount)
	step := duration / float64(wordCount)
	for i := range words {
		words[i] = word{
			Start: float64(i) * step,
			End:   float64(i+1) * step,
			Text:  fmt.Sprintf("word%d", i+1),
		}
	}

	doc := transcriptDoc{
		Language: "en",
		Text:     joinWords(words),
		Segments: []segment{{Start: 0, End: duration, Text: joinWords(words), Words: words}},
	}

	body, err = json.Marshal(doc)
	if err != nil {
		return enginerun.StageResult{}, fmt.Errorf("engines: marshal transcript: %w", err)
	}

	return enginerun.StageResult{
		Outputs: []enginerun.StageOutput{
			{Type: "transcript.raw", Body: body, Sensitivity: "raw_pii"},
		},
		Stats: map[string]interface{}{
			"word_count": wordCount,
			"duration_seconds": duration,
		},
	}, nil
}

func joinWords(words []word) string {
	s := ""
	for i, w := range words {
		if i > 0 {
			s += " "
		}
		s += w.Text
	}
	return s
}
