package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/voicelink/internal/capture"
	"github.com/MrWong99/voicelink/internal/session"
	"github.com/MrWong99/voicelink/pkg/audio"
)

const helpText = `commands:
  call [name]      start a conversation (default: selected character)
  listen           turn the microphone on
  mute             turn the microphone off
  switch <name>    talk to a different character
  characters       list available characters
  devices          list audio devices
  device in|out <name>  select an audio device (empty name = default)
  status           show the session state
  history          show recent calls
  hangup           end the conversation
  quit             exit
`

// console reads commands line by line until ctx is done, input ends, or the
// user quits.
func (a *App) console(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(a.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			slog.Warn("console input error", "err", err)
		}
	}()

	// Commands that wait on the network or the microphone run in order on
	// a worker, so hangup and mute still reach the session while one is
	// pending.
	jobs := make(chan string, 16)
	a.pending.Go(func() {
		for line := range jobs {
			if ctx.Err() != nil {
				continue
			}
			a.report(a.Exec(ctx, line))
		}
	})
	defer close(jobs)

	a.printf("» %s\n", a.ctrl.Status())
	a.printf("type \"help\" for commands\n")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			if waitsOnSession(line) {
				select {
				case jobs <- line:
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			}
			err := a.Exec(ctx, line)
			if errors.Is(err, errQuit) {
				return err
			}
			a.report(err)
		}
	}
}

// waitsOnSession reports whether line is a command that can block until a
// connection or the microphone is ready.
func waitsOnSession(line string) bool {
	cmd, _, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch strings.ToLower(cmd) {
	case "call", "switch", "listen":
		return true
	}
	return false
}

func (a *App) report(err error) {
	if err != nil {
		a.printf("error: %v\n", err)
	}
}

// Exec runs one console command.
func (a *App) Exec(ctx context.Context, line string) error {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(cmd) {
	case "":
		return nil
	case "help", "?":
		a.printf("%s", helpText)
	case "call":
		return a.ctrl.Connect(ctx, arg)
	case "listen":
		err := a.ctrl.StartListening(ctx)
		var micErr *capture.MicrophoneError
		if errors.As(err, &micErr) && micErr.PermissionDenied() {
			return fmt.Errorf("microphone access was denied: %w", err)
		}
		return err
	case "mute":
		a.ctrl.StopListening()
	case "switch":
		if arg == "" {
			return errors.New("usage: switch <name>")
		}
		return a.ctrl.SwitchCharacter(ctx, arg)
	case "characters":
		selected := a.ctrl.Character()
		for _, name := range a.refreshCharacters(ctx) {
			marker := " "
			if strings.EqualFold(name, selected) {
				marker = "*"
			}
			a.printf("%s %s\n", marker, name)
		}
	case "devices":
		return a.listDevices()
	case "device":
		return a.setDevice(arg)
	case "status":
		s := a.ctrl.Session()
		if s.ID == "" {
			a.printf("%s (character %s)\n", a.ctrl.State(), a.ctrl.Character())
		} else {
			a.printf("%s (character %s, session %s)\n", s.State, s.Character, s.ID)
		}
	case "history":
		return a.showHistory()
	case "hangup":
		a.ctrl.Disconnect()
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q (type \"help\")", cmd)
	}
	return nil
}

func (a *App) listDevices() error {
	for _, kind := range []audio.DeviceKind{audio.DeviceInput, audio.DeviceOutput} {
		list, err := a.devices.Devices(kind)
		if err != nil {
			return err
		}
		selected := a.devices.Selected(kind)
		a.printf("%s devices:\n", kind)
		for _, d := range list {
			marker := " "
			if d.ID == selected || (selected == "" && d.Default) {
				marker = "*"
			}
			a.printf("%s %s\n", marker, d.Label)
		}
	}
	return nil
}

func (a *App) setDevice(arg string) error {
	which, name, _ := strings.Cut(arg, " ")
	name = strings.TrimSpace(name)

	var kind audio.DeviceKind
	switch which {
	case "in", "input":
		kind = audio.DeviceInput
	case "out", "output":
		kind = audio.DeviceOutput
	default:
		return errors.New("usage: device in|out <name>")
	}
	if err := a.selectDevice(kind, name); err != nil {
		return err
	}
	if kind == audio.DeviceOutput {
		a.output.SetDevice(a.devices.Selected(audio.DeviceOutput))
	}
	if kind == audio.DeviceInput && a.ctrl.State() == session.StateStreaming {
		a.printf("» The new microphone is used the next time you start listening.\n")
	}
	return nil
}

func (a *App) showHistory() error {
	if a.history == nil {
		a.printf("call history is off (set session.history_file)\n")
		return nil
	}
	records, err := a.history.Recent(10)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.printf("no calls yet\n")
	}
	for _, r := range records {
		a.printf("%s  %-12s %-7s %s\n",
			r.EndedAt.Local().Format(time.DateTime), r.Character, r.Outcome, r.Duration().Round(time.Second))
	}
	return nil
}
