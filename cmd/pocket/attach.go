package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/michaelbrown/pocket/internal/relay"
)

// detachKey is Ctrl-], as in telnet.
const detachKey = 0x1d

var (
	serverFlag  string
	tokenFlag   string
	sessionFlag string
	profileFlag string
	removeFlag  bool
)

var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Open a shell in a new or existing session",
	Long: `Open an interactive shell in a sandbox.

Without --session a new session is created with the given profile. Press
Ctrl-] to detach; the sandbox keeps running until it is reattached,
terminated, or reaped for inactivity.

Examples:
  pocket attach --token $POCKET_TOKEN
  pocket attach --profile medium --rm
  pocket attach --session 3f2a9c1e-...`,
	RunE: runAttach,
}

func init() {
	attachCmd.Flags().StringVar(&serverFlag, "server", "http://127.0.0.1:8080", "Pocket server URL")
	attachCmd.Flags().StringVar(&tokenFlag, "token", os.Getenv("POCKET_TOKEN"), "API token (default: $POCKET_TOKEN)")
	attachCmd.Flags().StringVar(&sessionFlag, "session", "", "Existing session to attach to")
	attachCmd.Flags().StringVar(&profileFlag, "profile", "small", "Resource profile for a new session")
	attachCmd.Flags().BoolVar(&removeFlag, "rm", false, "Terminate the session on exit instead of detaching")
	rootCmd.AddCommand(attachCmd)
}

// apiClient is a minimal client for the pocket REST API.
type apiClient struct {
	base  *url.URL
	token string
	http  *http.Client
}

func (c *apiClient) do(method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base.JoinPath(path).String(), rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", apiErr.Error, apiErr.Message)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func runAttach(cmd *cobra.Command, args []string) error {
	if tokenFlag == "" {
		return errors.New("a token is required (--token or POCKET_TOKEN)")
	}
	base, err := url.Parse(serverFlag)
	if err != nil {
		return fmt.Errorf("parsing server URL: %w", err)
	}
	api := &apiClient{base: base, token: tokenFlag, http: &http.Client{Timeout: 2 * time.Minute}}

	id := sessionFlag
	if id == "" {
		var created struct {
			SessionID string `json:"sessionId"`
		}
		if err := api.do(http.MethodPost, "/api/sessions", map[string]string{"profile": profileFlag}, &created); err != nil {
			return fmt.Errorf("creating session: %w", err)
		}
		id = created.SessionID
		fmt.Fprintf(os.Stderr, "session %s (%s)\r\n", id, profileFlag)
	}
	if removeFlag {
		defer func() {
			if err := api.do(http.MethodDelete, "/api/sessions/"+id, nil, nil); err != nil {
				fmt.Fprintf(os.Stderr, "terminating session: %v\n", err)
			}
		}()
	}

	wsURL := *base
	switch base.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = strings.TrimSuffix(base.Path, "/") + "/api/sessions/" + id + "/stream"

	header := http.Header{}
	header.Set("Authorization", "Bearer "+tokenFlag)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("attaching to %s: %s", id, resp.Status)
		}
		return fmt.Errorf("attaching to %s: %w", id, err)
	}
	defer conn.Close()

	stdinFd := int(os.Stdin.Fd())
	if term.IsTerminal(stdinFd) {
		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("set terminal raw mode: %w", err)
		}
		defer term.Restore(stdinFd, oldState)
	}

	t := &terminal{conn: conn}
	t.sendSize()

	resize := make(chan os.Signal, 1)
	notifyResize(resize)
	defer stopResize(resize)
	go func() {
		for range resize {
			t.sendSize()
		}
	}()

	go t.pumpStdin(os.Stdin)

	err = t.pumpOutput(os.Stdout)
	if removeFlag {
		return err
	}
	if err == nil && t.detached() {
		fmt.Fprintf(os.Stderr, "\r\ndetached from %s\r\n", id)
	}
	return err
}

// terminal drives one attached websocket from the local tty.
type terminal struct {
	conn *websocket.Conn

	mu        sync.Mutex
	detaching bool
}

func (t *terminal) write(mt int, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(mt, data)
}

func (t *terminal) sendSize() {
	cols, rows, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || cols <= 0 || rows <= 0 {
		return
	}
	data, err := relay.EncodeText(relay.Frame{Type: relay.FrameResize, Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return
	}
	_ = t.write(websocket.TextMessage, data)
}

func (t *terminal) detached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.detaching
}

// pumpStdin forwards keystrokes until stdin closes or the detach key is hit.
func (t *terminal) pumpStdin(in io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if i := bytes.IndexByte(chunk, detachKey); i >= 0 {
				if i > 0 {
					_ = t.write(websocket.BinaryMessage, chunk[:i])
				}
				t.mu.Lock()
				t.detaching = true
				t.mu.Unlock()
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "detach")
				_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				return
			}
			if err := t.write(websocket.BinaryMessage, chunk); err != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// pumpOutput copies sandbox output to out until the server closes the
// stream. Error frames are returned as errors.
func (t *terminal) pumpOutput(out io.Writer) error {
	var streamErr error
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			if streamErr != nil {
				return streamErr
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || t.detached() {
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		}

		switch mt {
		case websocket.BinaryMessage:
			if _, err := out.Write(data); err != nil {
				return err
			}
		case websocket.TextMessage:
			f, err := relay.DecodeText(data)
			if err != nil {
				continue
			}
			switch f.Type {
			case relay.FrameData:
				if _, err := out.Write(f.Payload); err != nil {
					return err
				}
			case relay.FrameError:
				streamErr = fmt.Errorf("%s: %s", f.Code, f.Message)
			case relay.FrameClose:
				return streamErr
			}
		}
	}
}
