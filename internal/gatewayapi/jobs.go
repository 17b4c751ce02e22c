package gatewayapi

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/r3e-network/dalston/internal/catalog"
	"github.com/r3e-network/dalston/internal/dag"
	"github.com/r3e-network/dalston/internal/platform/apierr"
	"github.com/r3e-network/dalston/internal/platform/httpapi"
	"github.com/r3e-network/dalston/internal/platform/redact"
	"github.com/r3e-network/dalston/internal/statestore"
)

const maxUploadBytes = 512 << 20 // 512MiB, generous enough for an hour of 16-bit 16kHz mono PCM

// submit implements POST /v1/audio/transcriptions (spec §6.1).
func (a *API) submit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		httpapi.WriteError(w, apierr.InvalidInput("body", "malformed multipart/form-data request"))
		return
	}

	tenantID := strings.TrimSpace(r.FormValue("tenant_id"))
	if tenantID == "" {
		httpapi.WriteError(w, apierr.InvalidInput("tenant_id", "required"))
		return
	}
	if a.limiter != nil && !a.limiter.Allow(tenantID) {
		httpapi.WriteError(w, apierr.New(apierr.CodeCapacityExhausted, "submission rate limit exceeded", http.StatusTooManyRequests))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		httpapi.WriteError(w, apierr.InvalidInput("file", "required multipart file field"))
		return
	}
	defer file.Close()
	body, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		httpapi.WriteError(w, apierr.TransientIO("gatewayapi.submit.read_upload", err))
		return
	}
	if len(body) > maxUploadBytes {
		httpapi.WriteError(w, apierr.InvalidInput("file", "exceeds maximum upload size"))
		return
	}

	speakerDetection := statestore.SpeakerDetection(defaultString(r.FormValue("speaker_detection"), string(statestore.SpeakerDetectionNone)))
	if !validSpeakerDetection(speakerDetection) {
		httpapi.WriteError(w, apierr.InvalidInput("speaker_detection", "must be one of none, diarize, per_channel"))
		return
	}
	granularity := statestore.TimestampGranularity(defaultString(r.FormValue("timestamps_granularity"), string(statestore.TimestampSegment)))
	if !validGranularity(granularity) {
		httpapi.WriteError(w, apierr.InvalidInput("timestamps_granularity", "must be one of none, segment, word"))
		return
	}

	piiDetection := parseBool(r.FormValue("pii_detection"))
	redactPIIAudio := parseBool(r.FormValue("redact_pii_audio"))
	if redactPIIAudio && !piiDetection {
		httpapi.WriteError(w, apierr.InvalidInput("redact_pii_audio", "requires pii_detection=true"))
		return
	}
	var piiMode *string
	if mode := strings.TrimSpace(r.FormValue("pii_redaction_mode")); mode != "" {
		piiMode = &mode
	}

	retentionDays, err := parseRetention(r.FormValue("retention_policy"))
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}

	var correlationID *string
	if cid := strings.TrimSpace(r.FormValue("correlation_id")); cid != "" {
		correlationID = &cid
	}

	model := a.catalog.ResolveAlias(defaultString(r.FormValue("model"), "auto"))
	language := defaultString(r.FormValue("language"), "auto")

	probe, ok := probeAudio(body)
	var audioDuration *float64
	var audioChannels, sampleRate *int
	if ok {
		d := probe.DurationSeconds
		c := probe.Channels
		sr := probe.SampleRate
		audioDuration, audioChannels, sampleRate = &d, &c, &sr
	}
	if override := strings.TrimSpace(r.FormValue("channels")); override != "" {
		if n, convErr := strconv.Atoi(override); convErr == nil && n > 0 {
			audioChannels = &n
		}
	}

	if speakerDetection == statestore.SpeakerDetectionPerChannel && audioChannels != nil && *audioChannels > dag.MaxPerChannelFanout {
		httpapi.WriteError(w, apierr.InvalidInput("speaker_detection",
			fmt.Sprintf("source audio has %d channels, exceeding the %d-channel per_channel limit", *audioChannels, dag.MaxPerChannelFanout)))
		return
	}

	draft := &statestore.Job{
		RequestedLanguage:    language,
		SpeakerDetection:     speakerDetection,
		TimestampGranularity: granularity,
		PIIDetection:         piiDetection,
		RedactPIIAudio:       redactPIIAudio,
		AudioDuration:        audioDuration,
		AudioChannels:        audioChannels,
	}
	if _, err := a.validator.Build(r.Context(), draft); err != nil {
		httpapi.WriteError(w, err)
		return
	}

	key := fmt.Sprintf("%s/%s/%s", tenantID, uuid.NewString(), sanitizeFilename(header.Filename))
	sourceURI, err := a.objects.Put(r.Context(), key, body)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}

	job, err := a.jobs.Submit(r.Context(), statestore.CreateJobParams{
		TenantID:             tenantID,
		CorrelationID:        correlationID,
		SourceURI:            sourceURI,
		RequestedModel:       model,
		RequestedLanguage:    language,
		SpeakerDetection:     speakerDetection,
		TimestampGranularity: granularity,
		PIIDetection:         piiDetection,
		RedactPIIAudio:       redactPIIAudio,
		PIIRedactionMode:     piiMode,
		RetentionDays:        retentionDays,
		AudioDuration:        audioDuration,
		AudioChannels:        audioChannels,
		SampleRate:           sampleRate,
	})
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}

	httpapi.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"id":         job.ID,
		"status":     string(job.Status),
		"created_at": job.CreatedAt,
	})
}

// getJob implements GET /v1/audio/transcriptions/{id}.
func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.jobs.Query(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, job)
}

// listJobs implements list_jobs (spec §4.8), filtered by tenant_id and an
// optional repeated status query parameter.
func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.URL.Query().Get("tenant_id"))
	if tenantID == "" {
		httpapi.WriteError(w, apierr.InvalidInput("tenant_id", "required"))
		return
	}
	filter := statestore.JobFilter{TenantID: tenantID}
	for _, s := range r.URL.Query()["status"] {
		filter.Status = append(filter.Status, statestore.JobStatus(s))
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil {
		filter.Offset = offset
	}

	jobs, err := a.jobs.List(r.Context(), filter)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

// cancelJob implements POST /v1/audio/transcriptions/{id}/cancel.
func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if err := a.jobs.Cancel(r.Context(), jobID, "cancelled by client request"); err != nil {
		if apiErr, ok := apierr.As(err); ok && apiErr.Code == apierr.CodeAlreadyTerminal {
			httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "already_terminal"})
			return
		}
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// retryJob implements POST /v1/audio/transcriptions/{id}/retry: restart a
// terminal, non-cancelled job from its first non-completed stage.
func (a *API) retryJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.jobs.RetryJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"id":          job.ID,
		"status":      string(job.Status),
		"retry_count": job.RetryCount,
	})
}

// listTasks implements GET /v1/audio/transcriptions/{id}/tasks.
func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := a.jobs.ListTasks(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

// listEngines implements GET /v1/engines: every catalogued descriptor
// annotated with whether a healthy instance currently backs it.
func (a *API) listEngines(w http.ResponseWriter, r *http.Request) {
	instances, err := a.engines.ListAll(r.Context())
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	healthyByDescriptor := make(map[string]int)
	for _, inst := range instances {
		if inst.Status != "unhealthy" {
			healthyByDescriptor[inst.DescriptorID]++
		}
	}

	descriptors := a.catalog.All()
	out := make([]engineStatus, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, engineStatus{
			EngineDescriptor:  d,
			HealthyInstances: healthyByDescriptor[d.ID],
		})
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"engines": out})
}

type engineStatus struct {
	catalog.EngineDescriptor
	HealthyInstances int `json:"healthy_instances"`
}

func defaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func parseBool(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

func validSpeakerDetection(v statestore.SpeakerDetection) bool {
	switch v {
	case statestore.SpeakerDetectionNone, statestore.SpeakerDetectionDiarize, statestore.SpeakerDetectionPerChannel:
		return true
	default:
		return false
	}
}

func validGranularity(v statestore.TimestampGranularity) bool {
	switch v {
	case statestore.TimestampNone, statestore.TimestampSegment, statestore.TimestampWord:
		return true
	default:
		return false
	}
}

// parseRetention implements the integer retention model spec §9 settles on:
// 0 transient, -1 forever, N positive days. An empty value defaults to 30.
func parseRetention(v string) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 30, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apierr.InvalidInput("retention_policy", "must be an integer: 0 (transient), -1 (forever), or N days")
	}
	return n, nil
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "audio.bin"
	}
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	return redact.String(name)
}
