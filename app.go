package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"meetscribe/internal/bootstrap"
	"meetscribe/internal/chat"
	"meetscribe/internal/domain"
)

const (
	eventSession    = "meetscribe:session"
	eventTranscript = "meetscribe:transcript"
	eventWarning    = "meetscribe:warning"
	eventError      = "meetscribe:error"
	eventChatToken  = "meetscribe:chat-token"
	eventChatDone   = "meetscribe:chat-done"
)

// App is the Wails application root.
type App struct {
	ctx  context.Context
	emit func(ctx context.Context, name string, data ...interface{})

	services    bootstrap.Services
	unsubscribe func()
	bootErr     error
}

// TranscriptView is the transcript as the frontend renders it.
type TranscriptView struct {
	Text     string           `json:"text"`
	Segments []domain.Segment `json:"segments"`
}

func NewApp() *App {
	return &App{emit: runtime.EventsEmit}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	services, err := bootstrap.Build(bootstrap.Options{Clipboard: &wailsClipboard{}})
	if err != nil {
		a.bootErr = err
		a.SessionError(domain.ErrorCodeStartup, err.Error())
		return
	}

	a.services = services
	a.unsubscribe = services.Controller.Subscribe(a)
	a.SessionStateChanged(services.Controller.Status(), domain.SessionReasonReady)
}

func (a *App) shutdown(context.Context) {
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	a.services.Close()
}

// Start begins a recording session.
func (a *App) Start() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	if err := a.services.Controller.Start(a.ctx); err != nil {
		return a.services.Controller.Status(), err
	}
	return a.services.Controller.Status(), nil
}

// Stop ends the recording session. Stopping while idle is not an error for the UI.
func (a *App) Stop() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	if err := a.services.Controller.Stop(a.ctx); err != nil && !errors.Is(err, domain.ErrNoActiveSession) {
		return a.services.Controller.Status(), err
	}
	return a.services.Controller.Status(), nil
}

// GetStatus returns the current session status.
func (a *App) GetStatus() domain.Status {
	if a.services.Controller == nil {
		if a.bootErr != nil {
			return domain.Status{State: domain.SessionStateError, Active: false, Message: a.bootErr.Error()}
		}
		return domain.Status{State: domain.SessionStateIdle, Active: false}
	}
	return a.services.Controller.Status()
}

func (a *App) GetTranscript() TranscriptView {
	if a.services.Controller == nil {
		return TranscriptView{}
	}
	return TranscriptView{
		Text:     a.services.Controller.DisplayText(),
		Segments: a.services.Controller.Segments(),
	}
}

func (a *App) RenameSpeaker(raw, name string) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.services.Controller.RenameSpeaker(raw, name)
}

// ClearTranscript empties the transcript and starts a fresh conversation.
func (a *App) ClearTranscript() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	if err := a.services.Controller.ClearTranscript(); err != nil {
		return err
	}
	a.services.Chat.Reset()
	return nil
}

func (a *App) CopyTranscript() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.services.Controller.CopyTranscript(a.ctx)
}

func (a *App) ListDevices() ([]domain.Device, error) {
	if err := a.requireReady(); err != nil {
		return nil, err
	}
	return a.services.Controller.Devices(a.ctx)
}

// Ask sends a question about the transcript. Tokens stream to the frontend as they arrive.
func (a *App) Ask(question string) (string, error) {
	if err := a.requireReady(); err != nil {
		return "", err
	}
	reply, err := a.services.Chat.Send(a.ctx, question, func(token string) {
		a.publish(eventChatToken, map[string]string{"token": token})
	})
	done := map[string]string{"reply": reply}
	if err != nil {
		done["error"] = err.Error()
		if !errors.Is(err, chat.ErrBusy) && !errors.Is(err, chat.ErrEmptyQuestion) {
			a.SessionError(domain.ErrorCodeChat, err.Error())
		}
	}
	a.publish(eventChatDone, done)
	return reply, err
}

// StopGenerating cancels the chat response in flight.
func (a *App) StopGenerating() {
	if a.services.Chat != nil {
		a.services.Chat.Cancel()
	}
}

func (a *App) ChatHistory() []chat.Message {
	if a.services.Chat == nil {
		return nil
	}
	return a.services.Chat.History()
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}

	cfg := a.services.Config
	return map[string]string{
		"provider":     cfg.Provider,
		"region":       cfg.Credentials.Region,
		"language":     cfg.Transcription.LanguageCode,
		"inputMode":    cfg.Audio.InputMode,
		"microphone":   cfg.Audio.MicrophoneID,
		"rulesFile":    cfg.Rules.Path,
		"chatBackend":  cfg.Chat.Backend,
		"settingsFile": a.services.Store.Path(),
	}
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.services.Controller == nil {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}

func (a *App) publish(name string, data interface{}) {
	if a.ctx == nil || a.emit == nil {
		return
	}
	a.emit(a.ctx, name, data)
}

// SessionStateChanged emits session lifecycle updates to the frontend.
func (a *App) SessionStateChanged(status domain.Status, reason domain.SessionStateReason) {
	message := status.Message
	if message == "" {
		message = sessionReasonMessage(reason)
	}
	a.publish(eventSession, map[string]interface{}{
		"state":    string(status.State),
		"active":   status.Active,
		"reason":   string(reason),
		"message":  message,
		"sources":  status.Sources,
		"warnings": status.Warnings,
	})
}

// TranscriptUpdated emits the rendered transcript.
func (a *App) TranscriptUpdated(text string) {
	a.publish(eventTranscript, map[string]string{"text": text})
}

func (a *App) SessionWarning(code domain.ErrorCode, detail string) {
	a.publish(eventWarning, map[string]string{
		"code":    string(code),
		"message": errorMessage(code, detail),
		"detail":  detail,
	})
}

// SessionError emits backend errors to the UI.
func (a *App) SessionError(code domain.ErrorCode, detail string) {
	a.publish(eventError, map[string]string{
		"code":    string(code),
		"message": errorMessage(code, detail),
		"detail":  detail,
	})
}

func sessionReasonMessage(reason domain.SessionStateReason) string {
	switch reason {
	case domain.SessionReasonReady:
		return "Ready"
	case domain.SessionReasonPreparing:
		return "Preparing audio and transcription..."
	case domain.SessionReasonRecordingStarted:
		return "Recording"
	case domain.SessionReasonStopping:
		return "Stopping..."
	case domain.SessionReasonStopped:
		return "Recording stopped"
	case domain.SessionReasonCancelled:
		return "Start cancelled"
	case domain.SessionReasonStreamEnded:
		return "Transcription stream ended"
	case domain.SessionReasonMissingCredentials:
		return "Credentials are missing"
	case domain.SessionReasonInvalidSettings:
		return "Settings are invalid"
	case domain.SessionReasonAudioUnavailable:
		return "No audio source available"
	case domain.SessionReasonTranscriptionFailed:
		return "Transcription failed"
	default:
		return ""
	}
}

func errorMessage(code domain.ErrorCode, detail string) string {
	switch code {
	case domain.ErrorCodeStartup:
		return "Startup failed"
	case domain.ErrorCodeConfiguration:
		return "Configuration problem"
	case domain.ErrorCodeMicrophone:
		return "Microphone unavailable"
	case domain.ErrorCodeSystemAudio:
		return "System audio unavailable"
	case domain.ErrorCodeAudioStream:
		return "Audio streaming issue"
	case domain.ErrorCodeTranscription:
		return "Transcription error"
	case domain.ErrorCodeRules:
		return "Rules processing failed"
	case domain.ErrorCodeClipboard:
		return "Clipboard write failed"
	case domain.ErrorCodeChat:
		return "Chat request failed"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}

type wailsClipboard struct{}

func (c *wailsClipboard) SetText(ctx context.Context, text string) error {
	return runtime.ClipboardSetText(ctx, text)
}
