package speech

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	speechmodel "github.com/zhouzirui/pitchroom/backend/internal/model/speech"
	"github.com/zhouzirui/pitchroom/backend/internal/service/backoff"
)

var testConfig = &speechmodel.SpeechConfig{
	AppID:       "app",
	AccessToken: "token",
	ASRLanguage: "he-IL",
	TTSVoice:    "en_female_amy_jupiter_bigtts",
	Timeout:     5 * time.Second,
}

// fakeVolcServer upgrades every request and hands the connection to handle.
func fakeVolcServer(t *testing.T, handle func(conn *websocket.Conn, r *http.Request)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handle(conn, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readFrame(t *testing.T, conn *websocket.Conn) *frame {
	t.Helper()
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Errorf("server read: %v", err)
		return nil
	}
	f, err := decodeFrame(data)
	if err != nil {
		t.Errorf("server decode: %v", err)
		return nil
	}
	return f
}

func writeJSONFrame(conn *websocket.Conn, flags frameFlags, v any) error {
	body, _ := json.Marshal(v)
	packed, _ := compress(body, compressGzip)
	f := &frame{Type: msgFullServerResponse, Flags: flags, Serial: serialJSON, Compression: compressGzip, Payload: packed}
	if flags == flagNegativeSeq {
		f.Sequence = -2
	}
	return conn.WriteMessage(websocket.BinaryMessage, encodeFrame(f))
}

func TestTranscriberCollectsFinalText(t *testing.T) {
	audio := make([]byte, asrChunkBytes*2+10)
	var gotHeader http.Header
	var gotLanguage string
	packets := 0

	url := fakeVolcServer(t, func(conn *websocket.Conn, r *http.Request) {
		gotHeader = r.Header
		first := readFrame(t, conn)
		if first == nil {
			return
		}
		body, _ := first.body()
		var req asrRequestPayload
		_ = json.Unmarshal(body, &req)
		gotLanguage = req.Audio.Language

		for {
			f := readFrame(t, conn)
			if f == nil {
				return
			}
			packets++
			if f.last() {
				break
			}
		}
		_ = writeJSONFrame(conn, flagPositiveSeq, map[string]any{"result": map[string]any{"text": "של"}})
		_ = writeJSONFrame(conn, flagNegativeSeq, map[string]any{"result": map[string]any{"text": " שלום "}, "sequence": -2})
	})

	tr := NewTranscriber(testConfig, Endpoints{ASR: url}, WithChunkInterval(0))
	text, err := tr.Transcribe(context.Background(), audio, "pcm", "")
	if err != nil {
		t.Fatalf("Transcribe err: %v", err)
	}
	if text != "שלום" {
		t.Fatalf("unexpected text %q", text)
	}
	if packets != 3 {
		t.Fatalf("expected 3 audio packets, got %d", packets)
	}
	if gotLanguage != "he-IL" {
		t.Fatalf("expected configured language, got %q", gotLanguage)
	}
	if gotHeader.Get("X-Api-App-Key") != "app" || gotHeader.Get("X-Api-Access-Key") != "token" {
		t.Fatalf("missing credentials headers: %v", gotHeader)
	}
}

func TestTranscriberClassifiesQuotaErrors(t *testing.T) {
	url := fakeVolcServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readFrame(t, conn)
		f := &frame{Type: msgError, ErrorCode: 45000292, Payload: []byte("quota exceeded for concurrency")}
		_ = conn.WriteMessage(websocket.BinaryMessage, encodeFrame(f))
		// 等待客户端关闭连接
		_, _, _ = conn.ReadMessage()
	})

	tr := NewTranscriber(testConfig, Endpoints{ASR: url}, WithChunkInterval(0))
	_, err := tr.Transcribe(context.Background(), []byte{1, 2, 3, 4}, "pcm", "he-IL")
	if !backoff.IsRateLimited(err) {
		t.Fatalf("expected rate-limited error, got %v", err)
	}
}

func TestTranscriberHandshake429IsRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	tr := NewTranscriber(testConfig, Endpoints{ASR: "ws" + strings.TrimPrefix(srv.URL, "http")}, WithChunkInterval(0))
	_, err := tr.Transcribe(context.Background(), []byte{1, 2}, "pcm", "")
	if !backoff.IsRateLimited(err) {
		t.Fatalf("expected rate-limited error, got %v", err)
	}
}

func TestTranscriberRequiresCredentials(t *testing.T) {
	tr := NewTranscriber(&speechmodel.SpeechConfig{}, Endpoints{ASR: "ws://127.0.0.1:1"})
	if _, err := tr.Transcribe(context.Background(), []byte{1}, "pcm", ""); err != ErrNotConfigured {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestSynthesizerAccumulatesAudio(t *testing.T) {
	var gotResource string
	var gotSpeaker string
	url := fakeVolcServer(t, func(conn *websocket.Conn, r *http.Request) {
		gotResource = r.Header.Get("X-Api-Resource-Id")
		first := readFrame(t, conn)
		if first == nil {
			return
		}
		var req ttsRequestPayload
		_ = json.Unmarshal(first.Payload, &req)
		gotSpeaker = req.ReqParams.Speaker

		for _, chunk := range [][]byte{[]byte("ID3"), []byte("mp3data")} {
			f := &frame{Type: msgAudioOnlyResponse, Flags: flagWithEvent, Event: 352, SessionID: "s", Payload: chunk}
			_ = conn.WriteMessage(websocket.BinaryMessage, encodeFrame(f))
		}
		done := &frame{Type: msgFullServerResponse, Flags: flagWithEvent, Serial: serialJSON, Event: eventSessionFinished, SessionID: "s", Payload: []byte(`{"code":20000000}`)}
		_ = conn.WriteMessage(websocket.BinaryMessage, encodeFrame(done))
	})

	syn := NewSynthesizer(testConfig, Endpoints{TTS: url})
	audio, format, err := syn.Synthesize(context.Background(), "Send me the numbers.", "it-precise", "en-US")
	if err != nil {
		t.Fatalf("Synthesize err: %v", err)
	}
	if string(audio) != "ID3mp3data" || format != "mp3" {
		t.Fatalf("unexpected audio %q format %q", audio, format)
	}
	if gotSpeaker != "en_female_amy_jupiter_bigtts" {
		t.Fatalf("expected alias to be resolved, got %q", gotSpeaker)
	}
	if gotResource != ttsSeedResource {
		t.Fatalf("expected seed resource first for bigtts voice, got %q", gotResource)
	}
}

func TestSynthesizerFallsBackOnResourceMismatch(t *testing.T) {
	var resources []string
	url := fakeVolcServer(t, func(conn *websocket.Conn, r *http.Request) {
		resource := r.Header.Get("X-Api-Resource-Id")
		resources = append(resources, resource)
		readFrame(t, conn)
		if resource == ttsDefaultResource {
			f := &frame{Type: msgError, ErrorCode: 45000000, Payload: []byte(errResourceMismatch.Error())}
			_ = conn.WriteMessage(websocket.BinaryMessage, encodeFrame(f))
			return
		}
		audio := &frame{Type: msgAudioOnlyResponse, Flags: flagNegativeSeq, Sequence: -1, Payload: []byte("pcm")}
		_ = conn.WriteMessage(websocket.BinaryMessage, encodeFrame(audio))
		done := &frame{Type: msgFullServerResponse, Flags: flagNegativeSeq, Sequence: -2}
		_ = conn.WriteMessage(websocket.BinaryMessage, encodeFrame(done))
	})

	syn := NewSynthesizer(testConfig, Endpoints{TTS: url})
	audio, _, err := syn.Synthesize(context.Background(), "hello", "custom_voice", "")
	if err != nil {
		t.Fatalf("Synthesize err: %v", err)
	}
	if string(audio) != "pcm" {
		t.Fatalf("unexpected audio %q", audio)
	}
	if len(resources) != 2 || resources[0] != ttsDefaultResource || resources[1] != ttsSeedResource {
		t.Fatalf("unexpected resource order: %v", resources)
	}
}

func TestResourceCandidates(t *testing.T) {
	cases := []struct {
		voice string
		want  string
	}{
		{voice: "S_clone", want: ttsMegaResource},
		{voice: "zh_female_vv_uranus_bigtts", want: ttsSeedResource},
		{voice: "zh_male_organizer", want: ttsDefaultResource},
	}
	for _, tc := range cases {
		if got := resourceCandidates(tc.voice)[0]; got != tc.want {
			t.Fatalf("resourceCandidates(%q)[0] = %s, want %s", tc.voice, got, tc.want)
		}
	}
}
