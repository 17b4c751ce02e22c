package engines

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/r3e-network/dalston/internal/enginerun"
)

// MergeStage is the last stage of every job's transcription pipeline and
// writes the job's final transcript; the optional pii_detect/audio_redact
// branch depends on merge and runs after it. It combines one or more
// transcript branches (a
// single transcribe/align result, or one per channel when
// speaker_detection=per_channel) with an optional diarization branch into
// one transcript.raw document.
func MergeStage(ctx context.Context, item enginerun.WorkItem) (enginerun.StageResult, error) {
	if err := checkCancelled(ctx); err != nil {
		return enginerun.StageResult{}, err
	}
	if len(item.Inputs) == 0 {
		return enginerun.StageResult{}, fmt.Errorf("engines: merge received no branch inputs")
	}

	var segments []segment
	var diarizationSpeakers []speaker
	channel := 0
	language := "en"

	for _, in := range item.Inputs {
		switch in.Type {
		case "transcript.raw", "transcript.aligned":
			var doc transcriptDoc
			if err := json.Unmarshal(in.Body, &doc); err != nil {
				return enginerun.StageResult{}, fmt.Errorf("engines: unmarshal transcript branch: %w", err)
			}
			if doc.Language != "" {
				language = doc.Language
			}
			for _, seg := range doc.Segments {
				seg.Channel = channel
				segments = append(segments, seg)
			}
			channel++
		case "diarization.raw":
			var doc transcriptDoc
			if err := json.Unmarshal(in.Body, &doc); err != nil {
				return enginerun.StageResult{}, fmt.Errorf("engines: unmarshal diarization branch: %w", err)
			}
			diarizationSpeakers = doc.Speakers
		}
	}

	sort.SliceStable(segments, func(i, j int) bool { return segments[i].Start < segments[j].Start })

	speakers := diarizationSpeakers
	if len(speakers) > 0 {
		assignSpeakers(segments, speakers)
	} else if channel > 1 {
		speakers = perChannelSpeakers(segments, channel)
	}

	texts := make([]string, len(segments))
	for i, seg := range segments {
		texts[i] = seg.Text
	}

	final := transcriptDoc{
		Language: language,
		Text:     strings.Join(texts, " "),
		Segments: segments,
		Speakers: speakers,
	}

	out, err := json.Marshal(final)
	if err != nil {
		return enginerun.StageResult{}, fmt.Errorf("engines: marshal final transcript: %w", err)
	}

	wordCount := 0
	for _, seg := range segments {
		wordCount += len(seg.Words)
	}

	return enginerun.StageResult{
		Outputs: []enginerun.StageOutput{
			{Type: "transcript.raw", Body: out, Sensitivity: "raw_pii"},
		},
		Stats: map[string]interface{}{
			"segment_count": len(segments),
			"speaker_count": len(speakers),
			"word_count":    wordCount,
		},
	}, nil
}

// assignSpeakers tags each segment with the diarization speaker whose
// window contains its midpoint.
func assignSpeakers(segments []segment, speakers []speaker) {
	for i := range segments {
		mid := (segments[i].Start + segments[i].End) / 2
		for _, sp := range speakers {
			if mid >= sp.Start && mid < sp.End {
				segments[i].Speaker = sp.ID
				break
			}
		}
	}
}

// perChannelSpeakers derives one synthetic speaker per input channel when
// no dedicated diarization branch ran (speaker_detection=per_channel without
// diarize), covering each channel's segment span.
func perChannelSpeakers(segments []segment, channels int) []speaker {
	spans := make(map[int][2]float64, channels)
	for _, seg := range segments {
		span, ok := spans[seg.Channel]
		if !ok {
			span = [2]float64{seg.Start, seg.End}
		} else {
			if seg.Start < span[0] {
				span[0] = seg.Start
			}
			if seg.End > span[1] {
				span[1] = seg.End
			}
		}
		spans[seg.Channel] = span
	}
	speakers := make([]speaker, 0, len(spans))
	for ch := 0; ch < channels; ch++ {
		span, ok := spans[ch]
		if !ok {
			continue
		}
		speakers = append(speakers, speaker{ID: fmt.Sprintf("speaker_%d", ch), Start: span[0], End: span[1]})
	}
	return speakers
}
