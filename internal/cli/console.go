package cli

import (
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"quizsync/internal/domain"
	"quizsync/internal/transport/ws"
)

const defaultServerURL = "ws://localhost:8080/ws"

// endpoints resolves where the interactive clients connect.
type endpoints struct {
	transport ws.Config
	api       string
}

func (rt *runtime) endpoints(wsURL, apiURL string) endpoints {
	tc := rt.cfg.Client.Transport()
	if wsURL != "" {
		tc.URL = wsURL
	}
	if tc.URL == "" {
		tc.URL = defaultServerURL
	}
	if apiURL == "" {
		apiURL = rt.cfg.Client.APIURL
	}
	if apiURL == "" {
		apiURL = apiFromSocket(tc.URL)
	}
	return endpoints{transport: tc, api: apiURL}
}

// apiFromSocket maps ws://host/ws to http://host.
func apiFromSocket(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws")
	u.RawQuery = ""
	return strings.TrimSuffix(u.String(), "/")
}

// lockedWriter serialises writes from the event goroutine and the input loop.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, format, args...)
}

func (l *lockedWriter) question(q domain.Question) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "Q%d [%s] %s\n", q.ID, q.Type, q.Text)
	for _, a := range q.Answers {
		fmt.Fprintf(l.w, "  %d) %s\n", a.ID, a.Text)
	}
}

func (l *lockedWriter) results(r domain.ResultSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "results for Q%d (%d responses)\n", r.QuestionID, r.Total)
	ids := make([]int64, 0, len(r.Counts))
	for id := range r.Counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	correct := make(map[int64]bool, len(r.Correct))
	for _, id := range r.Correct {
		correct[id] = true
	}
	for _, id := range ids {
		mark := ""
		if correct[id] {
			mark = " *"
		}
		fmt.Fprintf(l.w, "  %d: %d%s\n", id, r.Counts[id], mark)
	}
	for _, text := range r.FreeText {
		fmt.Fprintf(l.w, "  - %s\n", text)
	}
}

// splitCommand returns the first word and the rest of line.
func splitCommand(line string) (string, string) {
	line = strings.TrimSpace(line)
	cmd, rest, _ := strings.Cut(line, " ")
	return strings.ToLower(cmd), strings.TrimSpace(rest)
}

// parseIDs accepts ids separated by commas or spaces.
func parseIDs(raw string) ([]int64, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' })
	if len(fields) == 0 {
		return nil, fmt.Errorf("no answer ids given")
	}
	ids := make([]int64, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad answer id %q", f)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
