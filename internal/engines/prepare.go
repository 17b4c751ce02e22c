package engines

import (
	"context"
	"fmt"

	"github.com/r3e-network/dalston/internal/enginerun"
)

// pcm16MonoBytesPerSecond assumes the normalized output format (16-bit PCM,
// mono, 16kHz) that every downstream stage here is written against.
const pcm16MonoBytesPerSecond = 16000 * 2

// PrepareStage normalizes the job's source audio to mono 16kHz PCM (spec
// §4.2 "audio normalization, duration/format probe, mono conversion"). The
// real implementation lives in an audio toolkit process; this stands in
// with a pass-through body and a duration estimate derived from the
// normalized format, which is enough for the rest of the pipeline (timeout
// computation, merge stats) to exercise real data.
func PrepareStage(ctx context.Context, item enginerun.WorkItem) (enginerun.StageResult, error) {
	if err := checkCancelled(ctx); err != nil {
		return enginerun.StageResult{}, err
	}
	body, err := firstInput(item)
	if err != nil {
		return enginerun.StageResult{}, err
	}

	durationSeconds := float64(len(body)) / pcm16MonoBytesPerSecond

	return enginerun.StageResult{
		Outputs: []enginerun.StageOutput{
			{Type: "audio.mono_16k", Body: body, Sensitivity: "raw_pii"},
		},
		Stats: map[string]interface{}{
			"duration_seconds": durationSeconds,
			"sample_rate":      16000,
			"channels":         1,
			"summary":          fmt.Sprintf("normalized %d bytes to mono 16kHz PCM", len(body)),
		},
	}, nil
}
