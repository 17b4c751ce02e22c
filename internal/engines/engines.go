// Package engines supplies the concrete StageFunc implementations cmd/engine
// wires into an enginerun.Runner. The model work itself (speech recognition,
// forced alignment, diarization) is explicitly out of scope: every function
// here implements the stable contract the Engine Runtime depends on
// (inputs + parameters -> output artifact bytes + stats, or a typed error)
// with a small deterministic transform standing in for the real model, so
// the pipeline's plumbing, retries, and artifact lineage all exercise real
// code end to end.
package engines

import (
	"context"
	"fmt"

	"github.com/r3e-network/dalston/internal/enginerun"
	"github.com/r3e-network/dalston/internal/platform/apierr"
)

// For returns the StageFunc a given pipeline stage runs, stripping any
// per-channel suffix (transcribe_ch0, align_ch3) the same way the DAG
// Builder's catalog lookup does, since one engine process serves every
// channel of a per-channel job.
func For(stage string) (enginerun.StageFunc, bool) {
	switch canonicalStage(stage) {
	case "prepare":
		return PrepareStage, true
	case "transcribe":
		return TranscribeStage, true
	case "align":
		return AlignStage, true
	case "diarize":
		return DiarizeStage, true
	case "pii_detect":
		return PIIDetectStage, true
	case "audio_redact":
		return AudioRedactStage, true
	case "merge":
		return MergeStage, true
	default:
		return nil, false
	}
}

func canonicalStage(stage string) string {
	for _, prefix := range []string{"transcribe", "align"} {
		if stage == prefix {
			return stage
		}
		if len(stage) > len(prefix)+3 && stage[:len(prefix)+3] == prefix+"_ch" {
			return prefix
		}
	}
	return stage
}

// firstInput returns item's first input artifact, failing permanently if
// none was supplied: every stage here needs at least one input body.
func firstInput(item enginerun.WorkItem) ([]byte, error) {
	if len(item.Inputs) == 0 {
		return nil, apierr.EnginePermanent(item.EngineID, fmt.Sprintf("stage %s received no input artifacts", item.Stage))
	}
	return item.Inputs[0].Body, nil
}

// checkCancelled returns a cancellation-shaped error once ctx is done, so a
// stage function's caller (enginerun) can tell a cooperative stop apart from
// a real failure per the StageFunc contract.
func checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}
