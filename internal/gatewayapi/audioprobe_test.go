package gatewayapi

import (
	"encoding/binary"
	"testing"
)

// buildWAV constructs a minimal canonical RIFF/WAVE file with a PCM fmt
// chunk and a data chunk of the given sample count, for probeWAV to parse.
func buildWAV(t *testing.T, channels, sampleRate, bitsPerSample int, sampleFrames int) []byte {
	t.Helper()

	blockAlign := channels * (bitsPerSample / 8)
	dataBytes := sampleFrames * blockAlign
	byteRate := sampleRate * blockAlign

	buf := make([]byte, 0, 44+dataBytes)
	buf = append(buf, []byte("RIFF")...)
	buf = appendUint32(buf, uint32(36+dataBytes))
	buf = append(buf, []byte("WAVE")...)

	buf = append(buf, []byte("fmt ")...)
	buf = appendUint32(buf, 16)
	buf = appendUint16(buf, 1) // PCM
	buf = appendUint16(buf, uint16(channels))
	buf = appendUint32(buf, uint32(sampleRate))
	buf = appendUint32(buf, uint32(byteRate))
	buf = appendUint16(buf, uint16(blockAlign))
	buf = appendUint16(buf, uint16(bitsPerSample))

	buf = append(buf, []byte("data")...)
	buf = appendUint32(buf, uint32(dataBytes))
	buf = append(buf, make([]byte, dataBytes)...)

	return buf
}

func appendUint32(b []byte, v uint32) []byte {
	tmp := make([]byte, 4)
	binary.LittleEndian.PutUint32(tmp, v)
	return append(b, tmp...)
}

func appendUint16(b []byte, v uint16) []byte {
	tmp := make([]byte, 2)
	binary.LittleEndian.PutUint16(tmp, v)
	return append(b, tmp...)
}

func TestProbeWAV_MonoDuration(t *testing.T) {
	wav := buildWAV(t, 1, 16000, 16, 16000) // exactly one second of mono 16kHz 16-bit audio
	probed, err := probeWAV(wav)
	if err != nil {
		t.Fatalf("probeWAV: %v", err)
	}
	if probed.Channels != 1 {
		t.Errorf("Channels = %d, want 1", probed.Channels)
	}
	if probed.SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want 16000", probed.SampleRate)
	}
	if probed.DurationSeconds < 0.99 || probed.DurationSeconds > 1.01 {
		t.Errorf("DurationSeconds = %v, want ~1.0", probed.DurationSeconds)
	}
}

func TestProbeWAV_StereoChannelCount(t *testing.T) {
	wav := buildWAV(t, 2, 8000, 16, 4000)
	probed, err := probeWAV(wav)
	if err != nil {
		t.Fatalf("probeWAV: %v", err)
	}
	if probed.Channels != 2 {
		t.Errorf("Channels = %d, want 2", probed.Channels)
	}
}

func TestProbeWAV_RejectsNonWAV(t *testing.T) {
	if _, err := probeWAV([]byte("not a wave file at all")); err != errNotWAV {
		t.Fatalf("err = %v, want errNotWAV", err)
	}
}

func TestProbeWAV_RejectsTruncatedHeader(t *testing.T) {
	if _, err := probeWAV([]byte("RIFF")); err != errNotWAV {
		t.Fatalf("err = %v, want errNotWAV for a header too short to contain a WAVE tag", err)
	}
}

func TestProbeAudio_FallsBackToFalseForUnknownFormat(t *testing.T) {
	_, ok := probeAudio([]byte{0x00, 0x01, 0x02, 0x03})
	if ok {
		t.Fatalf("expected probeAudio to report false for an unrecognized container")
	}
}
