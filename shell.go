package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"

	"directlink/models"
	"directlink/ui"
)

const shellHelp = `intents:
  connect <address>           invite a discovered peer
  cancel                      cancel a pending invitation
  disconnect                  leave the current connection
  create-group                host a group on this device
  remove-group                tear the current group down
  discover | stop             start or stop peer discovery
  peers | info | group        query the radio
  state                       print the session snapshot
  send <text>                 send a text message
  receive                     wait for a text message
  send-file <path>            send a file
  receive-file [dir] [name]   wait for a file
  grant <capability>          request a capability
  help | quit`

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// parseIntent turns one shell line into an intent. ok is false for blank
// lines.
func parseIntent(line string) (in ui.Intent, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return ui.Intent{}, false, nil
	}
	fields := strings.Fields(line)
	verb := strings.ToLower(fields[0])
	args := fields[1:]
	rest := strings.TrimSpace(line[len(fields[0]):])

	in = ui.Intent{Intent: verb}
	switch verb {
	case ui.IntentConnect:
		if len(args) != 1 {
			return ui.Intent{}, true, fmt.Errorf("usage: connect <address>")
		}
		in.Address = args[0]
	case ui.IntentSend:
		if rest == "" {
			return ui.Intent{}, true, fmt.Errorf("usage: send <text>")
		}
		in.Text = rest
	case ui.IntentSendFile:
		if rest == "" {
			return ui.Intent{}, true, fmt.Errorf("usage: send-file <path>")
		}
		in.Path = rest
	case ui.IntentReceiveFile:
		if len(args) > 2 {
			return ui.Intent{}, true, fmt.Errorf("usage: receive-file [dir] [name]")
		}
		if len(args) > 0 {
			in.Dir = args[0]
		}
		if len(args) > 1 {
			in.Name = args[1]
		}
	case ui.IntentGrant:
		if len(args) != 1 {
			return ui.Intent{}, true, fmt.Errorf("usage: grant <capability>")
		}
		in.Capability = args[0]
	}
	return in, true, nil
}

// runShell reads intents from r until EOF, "quit" or ctx ends. Intents run
// concurrently so a pending receive does not block the prompt.
func runShell(ctx context.Context, r io.Reader, w io.Writer, d *ui.Dispatcher) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	fmt.Fprintln(w, `type "help" for intents`)
	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			return err
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = l
		}

		switch strings.ToLower(strings.TrimSpace(line)) {
		case "help", "?":
			fmt.Fprintln(w, shellHelp)
			continue
		case "quit", "exit":
			return nil
		}

		in, ok, err := parseIntent(line)
		if !ok {
			continue
		}
		if err != nil {
			fmt.Fprintln(w, err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			printResult(w, d.Dispatch(ctx, in))
		}()
	}
}

func printResult(w io.Writer, res ui.Result) {
	if !res.OK {
		fmt.Fprintf(w, "%s failed: %s\n", res.Intent, res.Error)
		return
	}
	switch data := res.Data.(type) {
	case nil:
		fmt.Fprintf(w, "%s ok\n", res.Intent)
	case models.MetaInfo:
		fmt.Fprintf(w, "%s ok: %s\n", res.Intent, describeTransfer(data))
	case []models.Peer:
		fmt.Fprintf(w, "%s ok: %d peer(s)\n", res.Intent, len(data))
		for _, peer := range data {
			fmt.Fprintf(w, "  %-20s %-24q %s\n", peer.Address, peer.Name, peer.Status)
		}
	default:
		fmt.Fprintf(w, "%s ok:\n", res.Intent)
		if err := writeFormatted(w, "yaml", data); err != nil {
			fmt.Fprintf(w, "  %v\n", data)
		}
	}
}

func describeTransfer(meta models.MetaInfo) string {
	if meta.Kind == models.TransferMessage {
		return fmt.Sprintf("%q from %s", meta.Text, meta.Remote)
	}
	size := humanize.Bytes(uint64(max(meta.Bytes, 0)))
	if meta.Path != "" {
		return fmt.Sprintf("%s (%s)", meta.Path, size)
	}
	return fmt.Sprintf("%s (%s)", meta.Name, size)
}
