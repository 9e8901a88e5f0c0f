// Command shell is an interactive console client for the trading
// core's WebSocket protocol: type a tag-first command line, see the
// server's replies and live pushes printed as they arrive, exit with
// Ctrl-D. Speaks the tag-first JSON-array wire format
// internal/frontend/protocol.go implements.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var (
	addr string
	user string
	pass string
)

func main() {
	root := &cobra.Command{
		Use:          "shell",
		Short:        "Interactive console client for the trading core",
		SilenceUsage: true,
		RunE:         run,
	}
	flags := root.Flags()
	flags.StringVar(&addr, "addr", "ws://127.0.0.1:8080/ws", "WebSocket URL of the running server")
	flags.StringVar(&user, "user", "", "username to auto-login with (optional)")
	flags.StringVar(&pass, "password", "", "password to auto-login with (optional)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	writeLine := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	done := make(chan struct{})
	go readLoop(conn, done)

	if user != "" {
		if err := writeLine([]interface{}{"login", user, pass}); err != nil {
			return fmt.Errorf("send login: %w", err)
		}
	}

	fmt.Println("connected to", addr, "— type a tag-first command, e.g. securities")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		msg, err := parseLine(line)
		if err != nil {
			fmt.Println("parse error:", err)
			continue
		}
		if err := writeLine(msg); err != nil {
			fmt.Println("send error:", err)
			break
		}
	}

	select {
	case <-done:
	case <-time.After(time.Second):
	}
	return nil
}

// parseLine turns a space-separated command line into the tag-first
// JSON array the protocol expects, e.g. "order BTC-USD buy 1.5 30000"
// -> ["order", "BTC-USD", "buy", 1.5, 30000]. Numeric-looking tokens
// become numbers; everything else stays a string.
func parseLine(line string) ([]interface{}, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	out := make([]interface{}, 0, len(fields))
	out = append(out, fields[0])
	for _, f := range fields[1:] {
		if n, err := strconv.ParseFloat(f, 64); err == nil {
			out = append(out, n)
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			fmt.Println("connection closed:", err)
			return
		}
		fmt.Println(formatReply(data))
	}
}

// formatReply pretty-prints a server push: the tag plain, the
// remaining array elements as compact JSON, except that every
// top-level numeric element is printed with thousands separators.
func formatReply(data []byte) string {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil || len(arr) == 0 {
		return string(data)
	}
	var tag string
	_ = json.Unmarshal(arr[0], &tag)

	parts := make([]string, 0, len(arr)-1)
	for _, raw := range arr[1:] {
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			parts = append(parts, humanize.CommafWithDigits(f, 6))
			continue
		}
		parts = append(parts, string(raw))
	}
	return fmt.Sprintf("[%s] %s", tag, strings.Join(parts, " "))
}
