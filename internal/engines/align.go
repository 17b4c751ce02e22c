package engines

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/r3e-network/dalston/internal/enginerun"
)

// AlignStage runs forced alignment over a transcript that lacks word-level
// timestamps (spec §4.2: inserted only "if the selected transcribe engine
// does not natively produce them"). It fills in each segment's Words by
// splitting its text evenly across the segment's time span.
func AlignStage(ctx context.Context, item enginerun.WorkItem) (enginerun.StageResult, error) {
	if err := checkCancelled(ctx); err != nil {
		return enginerun.StageResult{}, err
	}
	body, err := firstInput(item)
	if err != nil {
		return enginerun.StageResult{}, err
	}

	var doc transcriptDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return enginerun.StageResult{}, fmt.Errorf("engines: unmarshal transcript for alignment: %w", err)
	}

	for i := range doc.Segments {
		seg := &doc.Segments[i]
		if len(seg.Words) > 0 {
			continue
		}
		tokens := strings.Fields(seg.Text)
		if len(tokens) == 0 {
			continue
		}
		span := seg.End - seg.Start
		if span <= 0 {
			span = float64(len(tokens))
		}
		step := span / float64(len(tokens))
		words := make([]word, len(tokens))
		for j, tok := range tokens {
			words[j] = word{
				Start: seg.Start + float64(j)*step,
				End:   seg.Start + float64(j+1)*step,
				Text:  tok,
			}
		}
		seg.Words = words
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return enginerun.StageResult{}, fmt.Errorf("engines: marshal aligned transcript: %w", err)
	}

	return enginerun.StageResult{
		Outputs: []enginerun.StageOutput{
			{Type: "transcript.aligned", Body: out, Sensitivity: "raw_pii"},
		},
		Stats: map[string]interface{}{"segments_aligned": len(doc.Segments)},
	}, nil
}
