package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"quizsync/internal/host"
	"quizsync/internal/protocol"
	"quizsync/internal/transport/ws"
)

// NewHostCmd drives a session as its host from stdin.
func NewHostCmd(rt *runtime) *cobra.Command {
	var sessionID int64
	var wsURL string
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Host a session",
		Long: `Join a session as host. Commands read from stdin:
  start <questionId>   open a question
  next                 open the next question in session order
  end                  close the active question
  participants         list joined participants
  finish               end the quiz and exit
  quit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ep := rt.endpoints(wsURL, "")
			return runHost(cmd.Context(), ep, rt.logger, sessionID, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().Int64Var(&sessionID, "session", 0, "session id")
	cmd.Flags().StringVar(&wsURL, "url", "", "WebSocket endpoint (overrides client.url)")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func runHost(ctx context.Context, ep endpoints, logger *zap.Logger, sessionID int64, in io.Reader, w io.Writer) error {
	out := &lockedWriter{w: w}
	client := ws.NewClient(ep.transport, ws.WithLogger(logger))
	defer client.Close()

	h := host.New(client, sessionID, host.WithLogger(logger))
	defer h.Close()

	var prompts ws.Group
	defer prompts.Dispose()
	prompts.Add(
		ws.Subscribe(client, protocol.EventParticipantJoined, func(p protocol.ParticipantJoined) {
			out.printf("+ %s (%d)\n", p.Name, p.ID)
		}),
		ws.Subscribe(client, protocol.EventParticipantLeft, func(p protocol.ParticipantLeft) {
			out.printf("- participant %d left\n", p.ID)
		}),
		ws.Subscribe(client, protocol.EventQuestionEnded, func(e protocol.QuestionEnded) {
			out.results(e.Results)
		}),
	)

	if err := h.Join(ctx); err != nil {
		return err
	}
	if err := waitSynced(ctx, h, ep.transport.InvokeTimeout); err != nil {
		return err
	}
	out.printf("hosting session %d (%d questions)\n", sessionID, len(h.QuestionIDs()))

	next := 0
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		cmd, rest := splitCommand(scanner.Text())
		var err error
		switch cmd {
		case "":
			continue
		case "quit", "exit":
			return nil
		case "start":
			var id int64
			if id, err = strconv.ParseInt(rest, 10, 64); err == nil {
				if err = h.StartQuestion(ctx, id); err == nil {
					out.printf("started question %d\n", id)
				}
			}
		case "next":
			if err = h.StartQuestionAt(ctx, next); err == nil {
				id, _ := h.ActiveQuestion()
				out.printf("started question %d\n", id)
				next++
			}
		case "end":
			id, _ := h.ActiveQuestion()
			if err = h.EndQuestion(ctx); err == nil {
				out.printf("ended question %d (%d responses)\n", id, h.ResponseCount(id))
			}
		case "participants":
			for _, p := range h.Participants() {
				out.printf("  %d %s\n", p.ID, p.Name)
			}
		case "finish":
			if err = h.EndQuiz(ctx); err == nil {
				out.printf("quiz ended\n")
				return nil
			}
		default:
			out.printf("unknown command %q\n", cmd)
			continue
		}
		if err != nil {
			out.printf("error: %v\n", err)
		}
	}
	return scanner.Err()
}

// waitSynced blocks until the snapshot sent after JoinAsHost has been applied,
// since the ack can overtake the event.
func waitSynced(ctx context.Context, h *host.Controller, timeout time.Duration) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)
	for !h.Synced() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("no session snapshot within %s of joining", timeout)
		case <-ticker.C:
		}
	}
	return nil
}
