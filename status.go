package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"
)

// status queries a running server for one session's state.
func status(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr := fs.String("addr", "localhost:8080", "server address")
	trace := fs.String("trace", "", "trace id of the session")
	asJSON := fs.Bool("json", false, "print the raw JSON response")
	_ = fs.Parse(args)

	if *trace == "" {
		fatal("status requires --trace")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/v1/sessions/%s", *addr, *trace))
	if err != nil {
		fatal("query server: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fatal("read response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		fatal("server returned %s: %s", resp.Status, body)
	}
	if *asJSON {
		fmt.Println(string(body))
		return
	}

	var st struct {
		TraceID      string    `json:"trace_id"`
		State        string    `json:"state"`
		StartedAt    time.Time `json:"started_at"`
		LastSeq      int64     `json:"last_seq"`
		LastKind     string    `json:"last_kind"`
		TerminalKind string    `json:"terminal_kind"`
	}
	if err := json.Unmarshal(body, &st); err != nil {
		fatal("decode response: %v", err)
	}
	fmt.Printf("trace:    %s\n", st.TraceID)
	fmt.Printf("state:    %s\n", st.State)
	fmt.Printf("started:  %s\n", st.StartedAt.Format(time.RFC3339))
	if st.LastSeq > 0 {
		fmt.Printf("last:     #%d %s\n", st.LastSeq, st.LastKind)
	}
	if st.TerminalKind != "" {
		fmt.Printf("terminal: %s\n", st.TerminalKind)
	}
}
