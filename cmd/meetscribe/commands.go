package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"meetscribe/internal/audio"
	"meetscribe/internal/bootstrap"
	"meetscribe/internal/chat"
	"meetscribe/internal/domain"
	"meetscribe/internal/transcript"
)

func newDevicesCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List capture devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			services, cleanup, err := flags.build(cmd.Context(), bootstrap.Options{})
			if err != nil {
				return err
			}
			defer cleanup()

			devices, err := services.Controller.Devices(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tID\tNAME\tCHANNELS\tRATE\tDEFAULT")
			for _, d := range devices {
				def := ""
				if d.IsDefault {
					def = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.0f\t%s\n", d.Kind, d.ID, d.Name, d.Channels, d.DefaultSampleRate, def)
			}
			return w.Flush()
		},
	}
}

type recordFlags struct {
	mode   string
	copy   bool
	output string
}

func newRecordCmd(flags *rootFlags) *cobra.Command {
	var rf recordFlags

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record and transcribe live until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mode := domain.InputMode(strings.ToLower(rf.mode))
			if mode != "" && !mode.Valid() {
				return fmt.Errorf("unknown input mode %q", rf.mode)
			}
			services, cleanup, err := flags.build(cmd.Context(), bootstrap.Options{
				Clipboard: systemClipboard{},
				InputMode: mode,
			})
			if err != nil {
				return err
			}
			defer cleanup()

			return runSession(cmd, services, rf)
		},
	}
	cmd.Flags().StringVar(&rf.mode, "mode", "", "input mode override: mic-only, system-only or both")
	cmd.Flags().BoolVar(&rf.copy, "copy", false, "copy the transcript to the clipboard when recording stops")
	cmd.Flags().StringVarP(&rf.output, "output", "o", "", "write the transcript to this file when recording stops")
	return cmd
}

func newTranscribeCmd(flags *rootFlags) *cobra.Command {
	var (
		rf       recordFlags
		realtime bool
	)

	cmd := &cobra.Command{
		Use:   "transcribe <file.wav>",
		Short: "Transcribe a PCM WAV recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err != nil {
				return err
			}
			services, cleanup, err := flags.build(cmd.Context(), bootstrap.Options{
				Clipboard:  systemClipboard{},
				Microphone: audio.NewWAVSource(args[0], realtime, nil),
				InputMode:  domain.InputModeMicOnly,
			})
			if err != nil {
				return err
			}
			defer cleanup()

			return runSession(cmd, services, rf)
		},
	}
	cmd.Flags().BoolVar(&realtime, "realtime", true, "pace the file at its recorded speed")
	cmd.Flags().BoolVar(&rf.copy, "copy", false, "copy the transcript to the clipboard when done")
	cmd.Flags().StringVarP(&rf.output, "output", "o", "", "write the transcript to this file when done")
	return cmd
}

// runSession starts a session and waits for an interrupt or for the session to end on its
// own, then stops it and prints the rest of the transcript.
func runSession(cmd *cobra.Command, services bootstrap.Services, rf recordFlags) error {
	controller := services.Controller
	sink := newConsoleSink(cmd.OutOrStdout())
	unsubscribe := controller.Subscribe(sink)
	defer unsubscribe()

	if err := controller.Start(cmd.Context()); err != nil {
		return err
	}

	var sessionErr error
	select {
	case <-cmd.Context().Done():
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 10*time.Second)
		err := controller.Stop(stopCtx)
		cancel()
		if err != nil && !errors.Is(err, domain.ErrNoActiveSession) {
			sessionErr = err
		}
	case status := <-sink.Ended():
		if status.State == domain.SessionStateError {
			sessionErr = errors.New(status.Message)
		}
	}

	text := controller.DisplayText()
	sink.flush(text)

	if rf.output != "" && text != "" {
		if err := os.WriteFile(rf.output, []byte(text+"\n"), 0o644); err != nil {
			return errors.Join(sessionErr, fmt.Errorf("write transcript: %w", err))
		}
	}
	if rf.copy && text != "" {
		if err := controller.CopyTranscript(context.WithoutCancel(cmd.Context())); err != nil {
			return errors.Join(sessionErr, err)
		}
		printf(cmd, "-- transcript copied to clipboard\n")
	}
	return sessionErr
}

func newAskCmd(flags *rootFlags) *cobra.Command {
	var transcriptPath string

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question about a saved transcript",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readTranscript(transcriptPath)
			if err != nil {
				return err
			}
			services, cleanup, err := flags.build(cmd.Context(), bootstrap.Options{})
			if err != nil {
				return err
			}
			defer cleanup()

			backend, err := bootstrap.NewChatBackend(services.Config, services.Logger)
			if err != nil {
				return err
			}
			conversation := chat.NewConversation(
				backend,
				func(maxChars int) string { return transcript.Tail(text, maxChars) },
				chat.Config{SystemPrompt: services.Config.Chat.SystemPrompt, TranscriptChars: services.Config.Chat.TranscriptChars},
				services.Logger,
				services.Metrics,
			)

			_, err = conversation.Send(cmd.Context(), strings.Join(args, " "), func(token string) {
				printf(cmd, "%s", token)
			})
			printf(cmd, "\n")
			return err
		},
	}
	cmd.Flags().StringVarP(&transcriptPath, "transcript", "t", "", "transcript file, - for stdin")
	_ = cmd.MarkFlagRequired("transcript")
	return cmd
}

func readTranscript(path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read transcript: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", errors.New("transcript is empty")
	}
	return text, nil
}
