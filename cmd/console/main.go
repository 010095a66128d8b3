package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"attendsync/internal/client"
	"attendsync/internal/config"
	"attendsync/internal/edit"
	"attendsync/internal/events"
	"attendsync/internal/register"
)

const usage = `commands:
  load <group> <YYYY-MM>
  edit <employee> <YYYY-MM-DD> <netHR|otHR|dayShift|comment> <value...>
  lock <group> <YYYY-MM-DD>
  locks <group> <YYYY-MM-DD>
  status
  elevate <password>
  mode <attendance|diff>
  mismatches
  save
  quit`

func main() {
	cfg, err := config.Load(os.Getenv("ATTENDSYNC_CONFIG_PATH"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	logger := zerolog.New(output).With().Timestamp().Logger()

	user := register.UserInfo{
		ID:              cfg.Console.UserID,
		Name:            cfg.Console.UserName,
		Role:            register.Role(cfg.Console.Role),
		ReportingGroups: cfg.Console.ReportingGroups,
	}
	if user.ID == "" {
		logger.Fatal().Msg("set console.user_id in config")
	}

	transport := client.NewTransport(cfg.Console.HubURL, nil, logger)
	session := client.NewSession(transport, client.Options{
		User:            user,
		Verifier:        edit.BcryptVerifier{Hash: []byte(cfg.Admin.PasswordHash)},
		ElevationWindow: cfg.ElevationWindow(),
		CommitTimeout:   cfg.CommitTimeout(),
	}, logger)

	session.Events().Subscribe(events.TypeAnyWildcard, func(e events.Event) error {
		fmt.Printf("[%s] %s\n", e.Type, e.Payload)
		return nil
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := session.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Msg("connect to hub")
	}
	defer session.Close()

	go func() {
		if err := session.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("session ended")
		}
		stop()
	}()

	fmt.Println(usage)
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := run(ctx, session, transport, strings.Fields(line)); quit {
				return
			}
		}
	}
}

func run(ctx context.Context, s *client.Session, t *client.Transport, args []string) bool {
	if len(args) == 0 {
		return false
	}
	var err error
	switch args[0] {
	case "quit", "exit":
		return true
	case "load":
		if len(args) != 3 {
			err = errors.New("load <group> <YYYY-MM>")
			break
		}
		err = s.RequestSnapshot(ctx, args[1], args[2])
	case "edit":
		if len(args) < 5 {
			err = errors.New("edit <employee> <date> <field> <value>")
			break
		}
		var field register.Field
		if field, err = register.ParseField(args[3]); err != nil {
			break
		}
		var m *edit.Mutation
		m, err = s.Edit(ctx, edit.CellKey{Field: field, EmployeeID: args[1], Date: args[2]}, strings.Join(args[4:], " "))
		if err == nil && m == nil {
			fmt.Println("unchanged")
		} else if m != nil {
			fmt.Printf("sent %s: %s\n", m.ID, m.Patch.NewValue)
		}
	case "lock":
		if len(args) != 3 {
			err = errors.New("lock <group> <date>")
			break
		}
		var target register.LockStatus
		target, err = s.ToggleLock(ctx, register.LockKey{Group: args[1], Date: args[2]})
		if err == nil {
			fmt.Printf("requested %s\n", target)
		}
	case "locks":
		if len(args) != 3 {
			err = errors.New("locks <group> <date>")
			break
		}
		key := register.LockKey{Group: args[1], Date: args[2]}
		shown := s.Locks().Effective(key)
		if _, pending := s.Locks().Pending(key); pending {
			fmt.Printf("%s (pending, confirmed %s)\n", shown, s.Locks().Status(key))
		} else {
			fmt.Println(shown)
		}
	case "status":
		group, month := s.Store().Scope()
		fmt.Printf("connected=%t group=%s month=%s pending=%d version=%d\n",
			t.IsOpen(), group, month, s.Pipeline().Pending().Len(), s.Store().Version())
		if cause := t.Err(); cause != nil {
			fmt.Printf("last disconnect: %v\n", cause)
		}
	case "elevate":
		if len(args) != 2 {
			err = errors.New("elevate <password>")
			break
		}
		err = s.Elevate(ctx, args[1])
	case "mode":
		if len(args) != 2 {
			err = errors.New("mode <attendance|diff>")
			break
		}
		mode := edit.DisplayMode(args[1])
		if mode != edit.ModeAttendance && mode != edit.ModeDiff {
			err = fmt.Errorf("unknown mode %q", args[1])
			break
		}
		err = s.SetMode(ctx, mode)
	case "mismatches":
		var data []byte
		r, rerr := s.Mismatches(ctx)
		if rerr != nil {
			err = rerr
			break
		}
		data, err = json.MarshalIndent(r.Flagged(), "", "  ")
		if err == nil {
			fmt.Println(string(data))
		}
	case "save":
		err = s.SaveStaged(ctx)
	default:
		fmt.Println(usage)
	}
	if err != nil {
		fmt.Printf("error: %v\n", err)
	}
	return false
}
