// Command speechtester exercises the speech adapters against the live
// provider without going through a simulation session.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/pitchroom/backend/internal/config"
	speechmodel "github.com/zhouzirui/pitchroom/backend/internal/model/speech"
	"github.com/zhouzirui/pitchroom/backend/internal/service/speech"
)

type options struct {
	sessionID string
	audioPath string
	text      string
	outPath   string
	format    string
	language  string
	voice     string
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}
	if !cfg.Speech.Enabled {
		log.Fatal("语音服务未启用，请先在环境变量中配置 SPEECH_* 或 Ark 凭证")
	}

	mode := flag.String("mode", "", "测试模式: asr, tts 或 roundtrip")
	var opts options
	flag.StringVar(&opts.audioPath, "audio", "", "ASR 输入音频文件路径")
	flag.StringVar(&opts.text, "text", "", "TTS 输入文本")
	flag.StringVar(&opts.outPath, "out", "", "TTS 输出音频文件路径 (默认根据格式自动生成)")
	flag.StringVar(&opts.format, "format", "", "音频格式 (ASR: 输入格式; TTS: 输出格式)")
	flag.StringVar(&opts.language, "lang", "", "BCP-47 语言代码，如 he-IL，默认使用配置中的语言")
	flag.StringVar(&opts.voice, "voice", "", "TTS 声音 ID，默认使用配置中的 TTSVoice")
	flag.StringVar(&opts.sessionID, "session", "", "自定义 sessionID，留空则自动生成")
	timeout := flag.Duration("timeout", 45*time.Second, "请求超时时间")
	flag.Parse()

	if opts.sessionID == "" {
		opts.sessionID = fmt.Sprintf("manual-%d", time.Now().UnixNano())
	}

	speechCfg := cfg.Speech.Adapter()
	stt := speech.NewTranscriber(speechCfg, speech.Endpoints{})
	tts := speech.NewSynthesizer(speechCfg, speech.Endpoints{})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch *mode {
	case "asr":
		audio := readAudio(&opts)
		runASR(ctx, stt, cfg, opts, audio)
	case "tts":
		runTTS(ctx, tts, cfg, opts)
	case "roundtrip":
		// 合成后再识别，用于快速核对两端的语言与格式配置
		resp := runTTS(ctx, tts, cfg, opts)
		opts.format = resp.Format
		runASR(ctx, stt, cfg, opts, resp.AudioData)
	default:
		flag.Usage()
		log.Fatal("请通过 -mode=asr、-mode=tts 或 -mode=roundtrip 指定测试模式")
	}
}

func readAudio(opts *options) []byte {
	if opts.audioPath == "" {
		log.Fatal("ASR 模式需要通过 -audio 指定音频文件路径")
	}
	audio, err := os.ReadFile(opts.audioPath)
	if err != nil {
		log.Fatalf("读取音频文件失败: %v", err)
	}
	if opts.format == "" {
		opts.format = strings.TrimPrefix(strings.ToLower(filepath.Ext(opts.audioPath)), ".")
	}
	return audio
}

func runASR(ctx context.Context, stt *speech.Transcriber, cfg *config.Config, opts options, audio []byte) {
	format := opts.format
	if format == "" {
		format = "wav"
	}
	language := opts.language
	if language == "" {
		language = cfg.Speech.ASRLanguage
	}

	log.Printf("开始进行 ASR 测试: session=%s format=%s language=%s bytes=%d", opts.sessionID, format, language, len(audio))

	resp, err := stt.Recognize(ctx, &speechmodel.ASRRequest{
		SessionID: opts.sessionID,
		Audio:     audio,
		Format:    format,
		Language:  language,
	})
	if err != nil {
		log.Fatalf("ASR 调用失败: %v", err)
	}

	log.Printf("ASR 识别成功: text=%q duration=%dms", resp.Text, resp.Duration)
}

func runTTS(ctx context.Context, tts *speech.Synthesizer, cfg *config.Config, opts options) *speechmodel.TTSResponse {
	if strings.TrimSpace(opts.text) == "" {
		log.Fatal("TTS 模式需要通过 -text 提供待合成文本")
	}

	voice := opts.voice
	if voice == "" {
		voice = cfg.Speech.TTSVoice
	}
	language := opts.language
	if language == "" {
		language = cfg.Speech.TTSLanguage
	}
	format := opts.format
	if format == "" {
		format = "mp3"
	}

	log.Printf("开始进行 TTS 测试: session=%s voice=%s format=%s", opts.sessionID, voice, format)

	resp, err := tts.SynthesizeRequest(ctx, &speechmodel.TTSRequest{
		SessionID: opts.sessionID,
		Text:      opts.text,
		Voice:     voice,
		Format:    format,
		Language:  language,
	})
	if err != nil {
		log.Fatalf("TTS 调用失败: %v", err)
	}

	outPath := opts.outPath
	if outPath == "" {
		outPath = fmt.Sprintf("tts-output-%d.%s", time.Now().Unix(), resp.Format)
	}
	if err := os.WriteFile(outPath, resp.AudioData, 0o644); err != nil {
		log.Fatalf("写入音频文件失败: %v", err)
	}

	log.Printf("TTS 合成成功: 输出文件 %s, 时长=%dms", outPath, resp.Duration)
	return resp
}
