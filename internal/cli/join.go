package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"quizsync/internal/api"
	"quizsync/internal/domain"
	"quizsync/internal/participant"
	"quizsync/internal/protocol"
	"quizsync/internal/transport/ws"
)

// NewJoinCmd joins a session as a participant and reads answers from stdin.
func NewJoinCmd(rt *runtime) *cobra.Command {
	var pin, name, wsURL, apiURL string
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a session as a participant",
		Long: `Join a session by PIN. Commands read from stdin:
  answer <id>[,<id>...]   submit answer ids for the current question
  text <response>         submit a free-text response
  next | prev             move through a self-paced survey
  rejoin                  re-issue the join with the cached identity
  quit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ep := rt.endpoints(wsURL, apiURL)
			return runParticipant(cmd.Context(), ep, rt.logger, pin, name, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&pin, "pin", "", "session PIN")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&wsURL, "url", "", "WebSocket endpoint (overrides client.url)")
	cmd.Flags().StringVar(&apiURL, "api", "", "REST API base URL (overrides client.api_url)")
	_ = cmd.MarkFlagRequired("pin")
	return cmd
}

func runParticipant(ctx context.Context, ep endpoints, logger *zap.Logger, pin, name string, in io.Reader, w io.Writer) error {
	out := &lockedWriter{w: w}
	shared := ws.NewShared(ep.transport, ws.WithLogger(logger))
	lease := shared.Acquire()
	defer lease.Release()
	conn := lease.Client()

	p := participant.New(conn,
		participant.WithLogger(logger),
		participant.WithBackend(api.NewClient(ep.api)),
	)
	defer p.Close()

	info, err := p.Join(ctx, pin, name)
	if err != nil {
		return err
	}
	out.printf("joined %q as participant %d on the %s path\n", info.Title, info.ParticipantID, p.Path())

	// Registered after Join so the controller sees each event before it is printed.
	var prompts ws.Group
	defer prompts.Dispose()
	prompts.Add(
		ws.Subscribe(conn, protocol.EventQuestionStarted, func(q protocol.QuestionStarted) {
			out.question(q.Question())
		}),
		ws.Subscribe(conn, protocol.EventQuestionEnded, func(e protocol.QuestionEnded) {
			out.results(e.Results)
		}),
		conn.On(protocol.EventQuizEnded, func(json.RawMessage) {
			out.printf("the host ended the quiz\n")
		}),
	)
	if q, err := p.Current(); err == nil {
		out.question(q)
	} else if q, ok := p.Question(); ok {
		out.question(q)
	}

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		cmd, rest := splitCommand(scanner.Text())
		if cmd == "" {
			continue
		}
		var err error
		submitted := false
		switch cmd {
		case "quit", "exit":
			return nil
		case "answer", "a":
			var ids []int64
			if ids, err = parseIDs(rest); err == nil {
				err = p.SubmitAnswer(ctx, ids, nil)
				submitted = err == nil
			}
		case "text", "t":
			text := rest
			err = p.SubmitAnswer(ctx, nil, &text)
			submitted = err == nil
		case "next", "n":
			var q domain.Question
			if q, err = p.Next(); err == nil {
				out.question(q)
			}
		case "prev", "p":
			var q domain.Question
			if q, err = p.Previous(); err == nil {
				out.question(q)
			}
		case "rejoin":
			if _, err = p.Rejoin(ctx); err == nil {
				out.printf("rejoined\n")
			}
		default:
			out.printf("unknown command %q\n", cmd)
			continue
		}
		switch {
		case participant.IsDuplicate(err):
			out.printf("already answered\n")
		case err != nil:
			out.printf("error: %v\n", err)
		case submitted:
			out.printf("answer accepted\n")
			advanceSurvey(p, out)
		}
		if p.State() == participant.StateSessionEnded {
			out.printf("session ended\n")
			return nil
		}
	}
	return scanner.Err()
}

// advanceSurvey moves a self-paced participant to the next question after
// an answer was recorded.
func advanceSurvey(p *participant.Controller, out *lockedWriter) {
	if p.State() != participant.StateAnswering || len(p.Questions()) == 0 {
		return
	}
	q, err := p.Next()
	if errors.Is(err, domain.ErrNoMoreQuestions) {
		return
	}
	if err == nil {
		out.question(q)
	}
}
