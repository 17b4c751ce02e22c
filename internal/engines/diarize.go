package engines

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/r3e-network/dalston/internal/enginerun"
)

// diarizeSegmentSeconds is how long each alternating-speaker window lasts
// in the stand-in diarization.
const diarizeSegmentSeconds = 5.0

// DiarizeStage runs speaker diarization over the normalized audio (spec
// §4.2: "if speaker_detection == diarize, a diarize task is inserted in
// parallel to transcribe/align"). It alternates between two synthetic
// speaker IDs in fixed windows, giving merge real speaker boundaries to
// align against instead of a literal stub.
func DiarizeStage(ctx context.Context, item enginerun.WorkItem) (enginerun.StageResult, error) {
	if err := checkCancelled(ctx); err != nil {
		return enginerun.StageResult{}, err
	}
	body, err := firstInput(item)
	if err != nil {
		return enginerun.StageResult{}, err
	}

	duration := float64(len(body)) / pcm16MonoBytesPerSecond
	if duration <= 0 {
		duration = diarizeSegmentSeconds
	}

	var speakers []speaker
	speakerIdx := 0
	for start := 0.0; start < duration; start += diarizeSegmentSeconds {
		end := start + diarizeSegmentSeconds
		if end > duration {
			end = duration
		}
		speakers = append(speakers, speaker{
			ID:    fmt.Sprintf("speaker_%d", speakerIdx%2),
			Start: start,
			End:   end,
		})
		speakerIdx++
	}

	doc := transcriptDoc{Speakers: speakers}
	out, err := json.Marshal(doc)
	if err != nil {
		return enginerun.StageResult{}, fmt.Errorf("engines: marshal diarization: %w", err)
	}

	return enginerun.StageResult{
		Outputs: []enginerun.StageOutput{
			{Type: "diarization.raw", Body: out, Sensitivity: "metadata"},
		},
		Stats: map[string]interface{}{"speaker_count": 2, "window_count": len(speakers)},
	}, nil
}
