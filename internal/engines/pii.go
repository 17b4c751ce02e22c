package engines

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/r3e-network/dalston/internal/enginerun"
)

// piiPatterns are the entity shapes this stand-in detector recognizes. A
// production deployment swaps this for a model-backed detector (e.g. the
// presidio-pii engine declared in configs/engines.yaml) behind the same
// StageFunc contract; the scheduler and merge pipeline never change.
var piiPatterns = map[string]*regexp.Regexp{
	"email": regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
	"phone": regexp.MustCompile(`\b\d{3}[-. ]\d{3}[-. ]\d{4}\b`),
	"ssn":   regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
}

// PIIDetectStage scans the final merged transcript for personally
// identifying information (spec §4.2 "pii_detect depends on the latest
// transcript-producing task"), producing a pii.entities artifact consumed
// by audio_redact and surfaced to the tenant.
func PIIDetectStage(ctx context.Context, item enginerun.WorkItem) (enginerun.StageResult, error) {
	if err := checkCancelled(ctx); err != nil {
		return enginerun.StageResult{}, err
	}
	body, err := firstInput(item)
	if err != nil {
		return enginerun.StageResult{}, err
	}

	var doc transcriptDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return enginerun.StageResult{}, fmt.Errorf("engines: unmarshal transcript for PII detection: %w", err)
	}

	var entities []piiEntity
	for segIdx, seg := range doc.Segments {
		for kind, pattern := range piiPatterns {
			for _, loc := range pattern.FindAllStringIndex(seg.Text, -1) {
				entities = append(entities, piiEntity{
					Type:    kind,
					Segment: segIdx,
					Start:   loc[0],
					End:     loc[1],
					Text:    seg.Text[loc[0]:loc[1]],
				})
			}
		}
	}

	out, err := json.Marshal(entities)
	if err != nil {
		return enginerun.StageResult{}, fmt.Errorf("engines: marshal PII entities: %w", err)
	}

	return enginerun.StageResult{
		Outputs: []enginerun.StageOutput{
			{Type: "pii.entities", Body: out, Sensitivity: "metadata"},
		},
		Stats: map[string]interface{}{"entity_count": len(entities)},
	}, nil
}
