package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	tea "github.com/charmbracelet/bubbletea"

	"writingbuddy/pkg/client"
	"writingbuddy/pkg/domain"
)

var (
	serverURL = flag.String("server", envOr("WRITING_SERVER", "http://localhost:3001"), "writing service base URL")
	token     = flag.String("token", os.Getenv("WRITING_TOKEN"), "bearer token")
	sessionID = flag.Int64("session", 0, "open an existing session")
	newTitle  = flag.String("new", "", "create a session with this title and open it")
	kind      = flag.String("kind", string(domain.KindFree), "session type for -new (homework|free)")
	locale    = flag.String("locale", "en", "ui locale (en|he)")
	listFlag  = flag.Bool("list", false, "list sessions and exit")
)

func main() {
	flag.Parse()
	if strings.TrimSpace(*token) == "" {
		fatalf("a token is required (-token or WRITING_TOKEN)")
	}
	ctx := context.Background()
	api := client.NewClient(*serverURL, *token)

	if *listFlag {
		if err := listSessions(ctx, api); err != nil {
			fatalf("list sessions: %v", err)
		}
		return
	}

	id := *sessionID
	if title := strings.TrimSpace(*newTitle); title != "" {
		session, err := api.CreateSession(ctx, title, domain.SessionKind(*kind))
		if err != nil {
			fatalf("create session: %v", err)
		}
		id = session.ID
	}
	if id <= 0 {
		fatalf("pass -session <id>, -new <title> or -list")
	}

	transcript := client.NewTranscript(api, id, client.DefaultTranscriptConfig(*locale))
	p := tea.NewProgram(newModel(ctx, api, transcript, *locale), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fatalf("run: %v", err)
	}
}

func listSessions(ctx context.Context, api *client.Client) error {
	items, err := api.ListSessions(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tTYPE\tSTATUS\tMESSAGES\tUPDATED")
	for _, s := range items {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n", s.ID, s.Title, s.Kind, s.Status, s.MessageCount, s.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "buddy: "+format+"\n", args...)
	os.Exit(1)
}
