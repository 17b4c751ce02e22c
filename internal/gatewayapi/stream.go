package gatewayapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/r3e-network/dalston/internal/platform/apierr"
	"github.com/r3e-network/dalston/internal/platform/httpapi"
)

// upgrader accepts any origin: cross-origin policy belongs to the
// out-of-scope auth/CORS middleware layer (spec §1), same boundary
// cmd/session-router's HTTP server draws with go-chi/cors.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamControlMessage is the shape of a text-frame control message (spec
// §6.1: "text frames are control messages (end, flush) and transcripts").
type streamControlMessage struct {
	Type string `json:"type"`
}

// sessionBeginFrame is the first server frame on every stream (spec §6.1).
type sessionBeginFrame struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	Model      string `json:"model"`
	Language   string `json:"language"`
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
}

// sessionEndFrame is the last server frame on every stream (spec §6.1).
type sessionEndFrame struct {
	Type              string  `json:"type"`
	SessionID         string  `json:"session_id"`
	TotalAudioSeconds float64 `json:"total_audio_seconds"`
}

// pcm16BytesPerSample is the only encoding this handler currently accounts
// bytes-to-seconds for; spec §6.1 names binary frames as "raw PCM" without
// enumerating other encodings, and every engine stage in internal/engines
// assumes the same 16-bit PCM format (see prepare.go's
// pcm16MonoBytesPerSecond constant).
const pcm16BytesPerSample = 2

// stream implements WS /v1/audio/transcriptions/stream (spec §6.1, §4.6's
// allocate/release operations over the wire). Allocation happens before
// the protocol upgrade so a capacity-exhausted rejection can still be a
// plain HTTP 503 instead of a mid-handshake close. Once connected, this
// handler owns session bookkeeping (begin/end framing, control messages,
// byte-to-duration accounting, and release-on-disconnect) — the transcript
// content itself comes from the assigned real-time worker process over its
// own channel, the same black-box boundary spec §1 draws around "the
// specific ML model code inside each engine".
func (a *API) stream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID := strings.TrimSpace(q.Get("tenant_id"))
	if tenantID == "" {
		httpapi.WriteError(w, apierr.InvalidInput("tenant_id", "required"))
		return
	}
	sampleRate := 16000
	if v, err := strconv.Atoi(q.Get("sample_rate")); err == nil && v > 0 {
		sampleRate = v
	}
	encoding := defaultString(q.Get("encoding"), "pcm16")
	language := defaultString(q.Get("language"), "auto")
	model := a.catalog.ResolveAlias(defaultString(q.Get("model"), "auto"))
	retentionDays, err := parseRetention(q.Get("retention_policy"))
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}

	alloc, err := a.sessions.Allocate(r.Context(), allocateSessionParams{
		TenantID:      tenantID,
		Language:      language,
		Model:         model,
		Encoding:      encoding,
		SampleRate:    sampleRate,
		RetentionDays: retentionDays,
	})
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.WithError(err).Warn("gatewayapi: websocket upgrade failed after allocation")
		_ = a.sessions.Release(r.Context(), alloc.SessionID, "error", retentionDays)
		return
	}
	defer conn.Close()

	if err := conn.WriteJSON(sessionBeginFrame{
		Type: "session.begin", SessionID: alloc.SessionID, Model: model,
		Language: language, SampleRate: sampleRate, Encoding: encoding,
	}); err != nil {
		a.log.WithError(err).Warn("gatewayapi: write session.begin failed")
		_ = a.sessions.Release(r.Context(), alloc.SessionID, "error", retentionDays)
		return
	}

	status, totalSeconds := a.pumpStream(conn, alloc.SessionID, sampleRate)

	releaseCtx := r.Context()
	if releaseCtx.Err() != nil {
		releaseCtx = context.Background()
	}
	if err := a.sessions.Release(releaseCtx, alloc.SessionID, status, retentionDays); err != nil {
		a.log.WithError(err).WithField("session_id", alloc.SessionID).Warn("gatewayapi: release session failed")
	}

	if status == "completed" {
		_ = conn.WriteJSON(sessionEndFrame{Type: "session.end", SessionID: alloc.SessionID, TotalAudioSeconds: totalSeconds})
	}
}

// pumpStream relays frames until the client sends "end", disconnects, or
// the connection otherwise errors, returning the terminal session status
// and the total audio duration observed.
func (a *API) pumpStream(conn *websocket.Conn, sessionID string, sampleRate int) (status string, totalSeconds float64) {
	bytesPerSecond := float64(sampleRate * pcm16BytesPerSample)
	var totalBytes int64
	var segments, words int
	lastStatsPush := time.Now()

	for {
		if a.streamUpgradeTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(a.streamUpgradeTimeout))
		}
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return "interrupted", totalBytes2Seconds(totalBytes, bytesPerSecond)
		}

		switch msgType {
		case websocket.BinaryMessage:
			totalBytes += int64(len(data))
			segments++ // one segment-worth of audio per frame is this stub's accounting unit
			if time.Since(lastStatsPush) > 2*time.Second {
				_ = a.sessions.UpdateStats(context.Background(), sessionID, totalBytes2Seconds(totalBytes, bytesPerSecond), segments, words)
				lastStatsPush = time.Now()
			}
		case websocket.TextMessage:
			var ctl streamControlMessage
			if err := json.Unmarshal(data, &ctl); err != nil {
				continue
			}
			switch ctl.Type {
			case "end":
				totalSeconds = totalBytes2Seconds(totalBytes, bytesPerSecond)
				_ = a.sessions.UpdateStats(context.Background(), sessionID, totalSeconds, segments, words)
				return "completed", totalSeconds
			case "flush":
				// No-op: nothing buffered at this layer to flush early.
			}
		case websocket.CloseMessage:
			return "completed", totalBytes2Seconds(totalBytes, bytesPerSecond)
		}
	}
}

func totalBytes2Seconds(n int64, bytesPerSecond float64) float64 {
	if bytesPerSecond <= 0 {
		return 0
	}
	return float64(n) / bytesPerSecond
}
