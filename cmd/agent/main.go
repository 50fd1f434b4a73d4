package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/spf13/cobra"

	"github.com/duet-ai/duet-orchestrator/pkg/config"
	"github.com/duet-ai/duet-orchestrator/pkg/engine"
	"github.com/duet-ai/duet-orchestrator/pkg/observability"
	"github.com/duet-ai/duet-orchestrator/pkg/session"
	"github.com/duet-ai/duet-orchestrator/pkg/storage"
	"github.com/duet-ai/duet-orchestrator/pkg/transport"
)

// duet-agent is a microphone-driven single-session demo of the same
// session.Manager/engine.Engine stack cmd/server exposes over a
// websocket, built directly on malgo duplex audio instead of a browser
// client. It exists to exercise a provider stack end to end without
// standing up the HTTP server.
func main() {
	var sttFlag, llmFlag, languageFlag string

	root := &cobra.Command{
		Use:   "duet-agent",
		Short: "Microphone-driven voice agent demo (single local session).",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(sttFlag, llmFlag, languageFlag)
		},
	}
	root.Flags().StringVar(&sttFlag, "stt", "", "STT provider: groq|openai|deepgram|assemblyai (default: $STT_PROVIDER)")
	root.Flags().StringVar(&llmFlag, "llm", "", "LLM provider: groq|openai|anthropic|google (default: $LLM_PROVIDER)")
	root.Flags().StringVar(&languageFlag, "language", "", "conversation language code (default: $AGENT_LANGUAGE or en)")

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

const sampleRate = 44100

func runAgent(sttFlag, llmFlag, languageFlag string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.SampleRateHz = sampleRate
	if sttFlag != "" {
		cfg.STTProvider = sttFlag
	}
	if llmFlag != "" {
		cfg.LLMProvider = llmFlag
	}
	lang := languageFlag
	if lang == "" {
		lang = os.Getenv("AGENT_LANGUAGE")
	}
	if lang == "" {
		lang = "en"
	}

	fmt.Printf("Configured: STT=%s | LLM=%s | TTS=%s\n", cfg.STTProvider, cfg.LLMProvider, cfg.TTSProvider)
	fmt.Printf("Sample rate: %dHz | Language: %s\n", sampleRate, lang)
	fmt.Println("Voice agent started! Listening to microphone...")
	fmt.Println("Press Ctrl+C to exit.")

	metrics := observability.NewMetrics("duet_agent")
	sessions := session.NewManager(1, 30*time.Minute, nil)
	store := storage.NewInMemoryStore()
	factory := engine.NewFactory(cfg)
	eng := engine.New(sessions, factory, metrics, store, cfg)
	eng.SetPersona(&config.Persona{DefaultLanguage: lang})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := sessions.Create(ctx, session.Config{
		EngineSTT: cfg.STTProvider,
		EngineLLM: cfg.LLMProvider,
		EngineTTS: cfg.TTSProvider,
		TenantID:  "cli",
		VoiceID:   "",
	})
	if err != nil {
		return fmt.Errorf("creating local session: %w", err)
	}

	inbound := make(chan transport.ClientMessage, 256)
	outbound := make(chan transport.ServerMessage, 256)

	connDone := make(chan error, 1)
	go func() {
		connDone <- eng.RunConnection(ctx, sess, inbound, outbound)
	}()

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return err
	}
	defer mctx.Uninit()

	var playbackMu sync.Mutex
	var playbackBytes []byte

	var botPlayingMu sync.Mutex
	var lastPlayedAt time.Time

	var rmsMu sync.Mutex
	lastRMS := 0.0

	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		if pInput != nil {
			var sum float64
			for i := 0; i < len(pInput)-1; i += 2 {
				sample := int16(pInput[i]) | (int16(pInput[i+1]) << 8)
				f := float64(sample) / 32768.0
				sum += f * f
			}
			rms := math.Sqrt(sum / float64(len(pInput)/2))
			rmsMu.Lock()
			lastRMS = rms
			rmsMu.Unlock()

			effectiveThreshold := 0.02
			botPlayingMu.Lock()
			isActuallyPlaying := time.Since(lastPlayedAt) < 200*time.Millisecond
			botPlayingMu.Unlock()
			if isActuallyPlaying {
				effectiveThreshold = 0.15
				if rms > effectiveThreshold {
					// Loud enough to be real speech over playback: treat as
					// barge-in, same as the browser client's "barge_in" frame.
					if err := eng.BargeIn(sess.ID, ""); err != nil {
						fmt.Printf("\r\033[K[barge-in] %v\n", err)
					}
				}
			}

			pcm := pInput
			if rms <= effectiveThreshold {
				// Send silence so server-side VAD keeps tracking silence
				// duration instead of seeing a gap in the stream.
				pcm = make([]byte, len(pInput))
			}
			select {
			case inbound <- transport.ClientMessage{Type: "audio", PCM: pcm}:
			default:
			}
		}
		if pOutput != nil {
			playbackMu.Lock()
			n := copy(pOutput, playbackBytes)
			playbackBytes = playbackBytes[n:]
			if n > 0 {
				botPlayingMu.Lock()
				lastPlayedAt = time.Now()
				botPlayingMu.Unlock()
			}
			for i := n; i < len(pOutput); i++ {
				pOutput[i] = 0
			}
			playbackMu.Unlock()
		}
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = sampleRate
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onSamples})
	if err != nil {
		return err
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		return err
	}

	go func() {
		for {
			rmsMu.Lock()
			level := lastRMS
			rmsMu.Unlock()

			dots := int(level * 500)
			if dots > 40 {
				dots = 40
			}
			meter := ""
			for i := 0; i < dots; i++ {
				meter += "|"
			}
			fmt.Printf("\r[MIC ENERGY: %-40s] RMS: %.5f", meter, level)
			time.Sleep(100 * time.Millisecond)
		}
	}()

	go func() {
		for msg := range outbound {
			switch msg.Type {
			case "audio_chunk":
				playbackMu.Lock()
				playbackBytes = append(playbackBytes, msg.PCM...)
				playbackMu.Unlock()
			case "event":
				fmt.Printf("\r\033[K[event] %s %s\n", msg.Event, msg.Detail)
			case "error":
				fmt.Printf("\r\033[K[error] %s\n", msg.Detail)
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Printf("\nShutting down...\n")

	cancel()
	close(inbound)
	<-connDone
	_, _ = sessions.Close(sess.ID)
	return nil
}
