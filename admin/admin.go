// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/yuin/goldmark"

	"github.com/bureau-foundation/homeserver/lib/clock"
	"github.com/bureau-foundation/homeserver/lib/ref"
)

// ServiceUserLocalpart is the localpart of the server's own user,
// the author of control-room replies.
const ServiceUserLocalpart = "homeserver"

// ServiceUser returns the server's own user ID.
func ServiceUser(server ref.ServerName) (ref.UserID, error) {
	return ref.NewUserID(ServiceUserLocalpart, server)
}

// commandPrefix starts every control-room command.
const commandPrefix = "!admin"

// CommandHandler receives control-room messages. Non-command
// messages must be ignored, not errored.
type CommandHandler interface {
	HandleCommand(ctx context.Context, body string, eventID ref.EventID) error
}

// Replier posts a reply into the control room as the service user.
// Both the markdown source and its rendered HTML are carried, the
// usual formatted-message pair.
type Replier interface {
	Reply(ctx context.Context, markdown, html string) error
}

// Stats exposes the introspection counters the stats command
// reports. Functions rather than values: they are read at command
// time.
type Stats struct {
	StateGateLen      func() int
	InsertGateLen     func() int
	FederationGateLen func() int
	SendQueueLen      func() int
}

// Service is the built-in [CommandHandler].
type Service struct {
	replier Replier
	stats   Stats
	clock   clock.Clock
	logger  *slog.Logger
	started time.Time
}

// NewService wires the command handler. replier is bound after the
// timeline exists; see [Service.BindReplier].
func NewService(stats Stats, clk clock.Clock, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{
		stats:   stats,
		clock:   clk,
		logger:  logger,
		started: clk.Now(),
	}
}

// BindReplier injects the reply path. Separate from construction
// because replies go through the timeline, which is built after the
// command handler it dispatches to.
func (s *Service) BindReplier(replier Replier) { s.replier = replier }

// HandleCommand implements [CommandHandler].
func (s *Service) HandleCommand(ctx context.Context, body string, eventID ref.EventID) error {
	fields := strings.Fields(body)
	if len(fields) == 0 || fields[0] != commandPrefix {
		return nil
	}
	command := "help"
	if len(fields) > 1 {
		command = fields[1]
	}
	s.logger.Info("admin command", "command", command, "event_id", eventID.String())

	var markdown string
	switch command {
	case "help":
		markdown = helpText
	case "stats":
		markdown = s.statsText()
	default:
		markdown = fmt.Sprintf("Unrecognized command `%s`.\n\n%s", command, helpText)
	}
	return s.reply(ctx, markdown)
}

const helpText = `## Commands

- ` + "`!admin help`" + ` — this text
- ` + "`!admin stats`" + ` — server process and queue statistics`

// statsText renders the stats command reply.
func (s *Service) statsText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Server statistics\n\n")
	fmt.Fprintf(&b, "- uptime: %s\n", s.clock.Now().Sub(s.started).Round(time.Second))
	fmt.Fprintf(&b, "- goroutines: %d\n", runtime.NumGoroutine())

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if memory, err := proc.MemoryInfo(); err == nil {
			fmt.Fprintf(&b, "- resident memory: %d MiB\n", memory.RSS/(1<<20))
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			fmt.Fprintf(&b, "- cpu: %.1f%%\n", cpu)
		}
	}

	gauge := func(name string, read func() int) {
		if read != nil {
			fmt.Fprintf(&b, "- %s: %d\n", name, read())
		}
	}
	gauge("held state gates", s.stats.StateGateLen)
	gauge("held insert gates", s.stats.InsertGateLen)
	gauge("held federation gates", s.stats.FederationGateLen)
	gauge("active send lanes", s.stats.SendQueueLen)
	return b.String()
}

// reply renders markdown to HTML and posts both forms.
func (s *Service) reply(ctx context.Context, markdown string) error {
	if s.replier == nil {
		return fmt.Errorf("admin: no replier bound")
	}
	var html bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &html); err != nil {
		return fmt.Errorf("admin: rendering reply: %w", err)
	}
	return s.replier.Reply(ctx, markdown, strings.TrimSpace(html.String()))
}
