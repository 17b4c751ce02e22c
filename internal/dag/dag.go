// Package dag is the DAG Builder (C5): a pure function from a persisted
// job row, the Catalog, and the Engine Registry to an execution graph —
// a list of task specifications with their selected engine and dependency
// adjacency list, ready for the Scheduler to persist with
// statestore.CreateTasks (spec §4.2).
package dag

import (
	"context"
	"fmt"
	"strings"

	"github.com/r3e-network/dalston/internal/catalog"
	"github.com/r3e-network/dalston/internal/platform/apierr"
	"github.com/r3e-network/dalston/internal/statestore"
)

const (
	stagePrepare    = "prepare"
	stageTranscribe = "transcribe"
	stageAlign      = "align"
	stageDiarize    = "diarize"
	stagePIIDetect  = "pii_detect"
	stageAudioRedact = "audio_redact"
	stageMerge      = "merge"

	minTimeoutSeconds    = 60
	timeoutSafetyFactor  = 3
	defaultRTF           = 1.0
	unknownDurationMultiplier = 5

	// maxPerChannelFanout caps speaker_detection=per_channel's transcribe/align
	// fan-out (Open Question resolved: unbounded fan-out from a malformed
	// multi-channel file could exhaust engine queue capacity for every other
	// tenant's job).
	maxPerChannelFanout = MaxPerChannelFanout
)

// MaxPerChannelFanout is the same cap, exported so the Gateway can reject an
// over-wide per_channel request with a synchronous InvalidInput error before
// a job row (and the builder's own silent clamp) ever comes into play.
const MaxPerChannelFanout = 8

// WaitPolicy controls what happens when the builder's preferred engine for
// a stage has no registered healthy instance (spec §4.2 "Engine unavailable").
type WaitPolicy int

const (
	// PolicyWait leaves the task pending on the selected (but not yet
	// registered) engine; the scheduler re-evaluates as instances register
	// or the job-level timeout elapses. This is the spec's default.
	PolicyWait WaitPolicy = iota
	// PolicyFailFast rejects the job synchronously if no catalogued engine
	// for a stage currently has a healthy registered instance.
	PolicyFailFast
)

// EngineSelector resolves a (stage, language) requirement to a concrete
// engine descriptor, consulting both the Catalog and the Engine Registry.
// Builder depends on this interface rather than on *catalog.Catalog and
// *registry.Registry directly, so its graph-construction logic stays a
// pure function over a stubbed selector in tests.
type EngineSelector interface {
	// Select returns the best engine for stage+language (preferring a
	// catalogued engine with a registered healthy instance), whether that
	// choice currently has a healthy instance, and the chosen descriptor's
	// capability/RTF profile for timeout computation.
	Select(ctx context.Context, stage, language string, required []string) (descriptor catalog.EngineDescriptor, healthy bool, err error)
}

// Builder constructs task graphs (spec §4.2 pipeline rules).
type Builder struct {
	selector EngineSelector
	policy   WaitPolicy
}

// New builds a Builder over the given selector and unavailable-engine policy.
func New(selector EngineSelector, policy WaitPolicy) *Builder {
	return &Builder{selector: selector, policy: policy}
}

// node is one task under construction, before it is flattened into a
// statestore.TaskSpec.
type node struct {
	stage                string
	dependsOn            []string
	engineID             string
	timeoutS             int
	nativeWordTimestamps bool
}

// Build constructs the task graph for job, selecting an engine for every
// stage and computing each task's timeout from the job's audio duration and
// the selected engine's declared RTF.
func (b *Builder) Build(ctx context.Context, job *statestore.Job) ([]statestore.TaskSpec, error) {
	var nodes []node

	prepare := node{stage: stagePrepare}
	if err := b.assignEngine(ctx, &prepare, job, nil); err != nil {
		return nil, err
	}
	nodes = append(nodes, prepare)

	// transcribe branch: either N per-channel tasks or a single task.
	var transcribeTerminals []string
	wantWordTimestamps := job.TimestampGranularity == statestore.TimestampWord

	if job.SpeakerDetection == statestore.SpeakerDetectionPerChannel {
		channels := 1
		if job.AudioChannels != nil && *job.AudioChannels > 0 {
			channels = *job.AudioChannels
		}
		if channels > maxPerChannelFanout {
			channels = maxPerChannelFanout
		}
		for i := 0; i < channels; i++ {
			stage := fmt.Sprintf("transcribe_ch%d", i)
			n := node{stage: stage, dependsOn: []string{stagePrepare}}
			if err := b.assignEngine(ctx, &n, job, nil); err != nil {
				return nil, err
			}
			nodes = append(nodes, n)
			terminal := stage

			if wantWordTimestamps && !n.engineProducesWordTimestamps() {
				alignStage := fmt.Sprintf("align_ch%d", i)
				a := node{stage: alignStage, dependsOn: []string{stage}}
				if err := b.assignEngine(ctx, &a, job, nil); err != nil {
					return nil, err
				}
				nodes = append(nodes, a)
				terminal = alignStage
			}
			transcribeTerminals = append(transcribeTerminals, terminal)
		}
	} else {
		n := node{stage: stageTranscribe, dependsOn: []string{stagePrepare}}
		if err := b.assignEngine(ctx, &n, job, nil); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
		terminal := stageTranscribe

		if wantWordTimestamps && !n.engineProducesWordTimestamps() {
			a := node{stage: stageAlign, dependsOn: []string{stageTranscribe}}
			if err := b.assignEngine(ctx, &a, job, nil); err != nil {
				return nil, err
			}
			nodes = append(nodes, a)
			terminal = stageAlign
		}
		transcribeTerminals = append(transcribeTerminals, terminal)
	}

	mergeDeps := append([]string(nil), transcribeTerminals...)

	if job.SpeakerDetection == statestore.SpeakerDetectionDiarize {
		d := node{stage: stageDiarize, dependsOn: []string{stagePrepare}}
		if err := b.assignEngine(ctx, &d, job, nil); err != nil {
			return nil, err
		}
		nodes = append(nodes, d)
		mergeDeps = append(mergeDeps, stageDiarize)
	}

	merge := node{stage: stageMerge, dependsOn: mergeDeps}
	if err := b.assignEngine(ctx, &merge, job, nil); err != nil {
		return nil, err
	}
	nodes = append(nodes, merge)

	// pii_detect/audio_redact is a secondary branch off the final merged
	// transcript; merge's own finalization of the job does not wait on it.
	if job.PIIDetection {
		p := node{stage: stagePIIDetect, dependsOn: []string{stageMerge}}
		if err := b.assignEngine(ctx, &p, job, nil); err != nil {
			return nil, err
		}
		nodes = append(nodes, p)

		if job.RedactPIIAudio {
			r := node{stage: stageAudioRedact, dependsOn: []string{stagePIIDetect, stagePrepare}}
			if err := b.assignEngine(ctx, &r, job, nil); err != nil {
				return nil, err
			}
			nodes = append(nodes, r)
		}
	}

	specs := make([]statestore.TaskSpec, 0, len(nodes))
	for _, n := range nodes {
		engineID := n.engineID
		specs = append(specs, statestore.TaskSpec{
			Stage:     n.stage,
			EngineID:  &engineID,
			DependsOn: n.dependsOn,
			TimeoutS:  n.timeoutS,
		})
	}
	return specs, nil
}

// engineProducesWordTimestamps reports whether the node's selected engine
// natively produces word-level timestamps, as recorded by assignEngine.
func (n *node) engineProducesWordTimestamps() bool {
	return n.nativeWordTimestamps
}

// canonicalStage strips a per-channel suffix (transcribe_ch0, align_ch3) so
// catalog lookups key on the underlying stage the manifest actually
// declares; the task row itself keeps the channel-qualified label for the
// Scheduler's dependency graph.
func canonicalStage(stage string) string {
	for _, prefix := range []string{stageTranscribe, stageAlign} {
		if stage == prefix {
			return stage
		}
		if strings.HasPrefix(stage, prefix+"_ch") {
			return prefix
		}
	}
	return stage
}

func (b *Builder) assignEngine(ctx context.Context, n *node, job *statestore.Job, required []string) error {
	descriptor, healthy, err := b.selector.Select(ctx, canonicalStage(n.stage), job.RequestedLanguage, required)
	if err != nil {
		return err
	}
	if !healthy && b.policy == PolicyFailFast {
		return engineUnavailableError(descriptor.ID, n.stage)
	}
	n.engineID = descriptor.ID
	n.nativeWordTimestamps = descriptor.Capabilities.WordTimestamps
	n.timeoutS = taskTimeoutSeconds(job.AudioDuration, descriptor)
	return nil
}

func engineUnavailableError(engineID, stage string) error {
	return apierr.EngineUnavailable(engineID, stage)
}

// taskTimeoutSeconds implements spec §4.3's timeout formula:
// max(MIN_TIMEOUT, audio_duration_s × RTF × SAFETY), RTF preferring GPU over
// CPU over a default of 1.0, with an unknown-duration fallback of
// MIN_TIMEOUT × 5.
func taskTimeoutSeconds(audioDuration *float64, descriptor catalog.EngineDescriptor) int {
	if audioDuration == nil {
		return minTimeoutSeconds * unknownDurationMultiplier
	}

	rtf := defaultRTF
	if (descriptor.Capabilities.GPURequired || descriptor.Capabilities.GPUOptional) && descriptor.RTFGPU > 0 {
		rtf = descriptor.RTFGPU
	} else if descriptor.RTFCPU > 0 {
		rtf = descriptor.RTFCPU
	}

	computed := int(*audioDuration * rtf * timeoutSafetyFactor)
	if computed < minTimeoutSeconds {
		return minTimeoutSeconds
	}
	return computed
}
