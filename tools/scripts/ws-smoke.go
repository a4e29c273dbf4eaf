// Package main provides a CI-friendly WebSocket smoke test for tether branch sync.
//
// It validates:
//   - handshake + subprotocol selection
//   - login (anonymous, or with a pre-issued connection token)
//   - watch_branch initial snapshot
//   - add_updates -> updates_received ack for the sender
//   - add_updates fanout to another watcher
//   - get_updates pull with timestamps
//   - broadcast send_action -> receive_action
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "tether/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "tether.realtime.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name   string
	conn   *websocket.Conn
	nextID int64

	inbox chan v1.Frame
	errCh chan error
}

func main() {
	var (
		wsURL     = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin    = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		inst      = flag.String("inst", "smoke", "Inst that owns the branch")
		branch    = flag.String("branch", "dev-branch-1", "Branch to watch")
		temporary = flag.Bool("temporary", true, "Watch the branch as temporary")
		token     = flag.String("token", "", "Connection token used by both clients (empty = anonymous)")
		timeout   = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose   = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	infoA := mustLogin(root, a, *token, *timeout)
	infoB := mustLogin(root, b, *token, *timeout)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", infoA.ConnectionID, infoB.ConnectionID, *origin)
	}

	watch := v1.WatchBranch{Type: v1.TypeWatchBranch, Inst: *inst, Branch: *branch, Temporary: *temporary}
	initialA := mustWatch(root, a, watch, *timeout)
	initialB := mustWatch(root, b, watch, *timeout)
	if len(initialA.Updates) != len(initialB.Updates) {
		fatalf("initial snapshots differ: A=%d B=%d", len(initialA.Updates), len(initialB.Updates))
	}

	update := fmt.Sprintf("c21va2Ut%d", time.Now().UnixNano())
	updateID := int64(time.Now().Unix())

	mustAddAndAssertAck(root, a, *inst, *branch, update, updateID, *timeout)
	mustAssertFanout(root, b, *branch, update, *timeout)

	n := mustGetUpdatesContains(root, b, *inst, *branch, update, *timeout)

	mustBroadcastAction(root, a, b, *inst, *branch, *timeout)

	mustAssertNoType(root, a, v1.TypeAddUpdates, 750*time.Millisecond)

	fmt.Printf("OK: A=%s B=%s branch=%s updates=%d\n", infoA.ConnectionID, infoB.ConnectionID, *branch, n)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Frame, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var f v1.Frame
			if err := json.Unmarshal(data, &f); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := f.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad frame: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- f:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustLogin(parent context.Context, c *smokeClient, token string, stepTimeout time.Duration) v1.ConnectionInfo {
	c.mustSend(parent, v1.Login{
		Type:            v1.TypeLogin,
		ConnectionToken: strings.TrimSpace(token),
		ConnectionID:    "smoke-" + strings.ToLower(c.name),
	}, stepTimeout)

	var res v1.LoginResult
	c.mustReadUntilType(parent, v1.TypeLoginResult, stepTimeout, &res)
	if strings.TrimSpace(res.Info.ConnectionID) == "" {
		fatalf("login_result missing connectionId (%s)", c.name)
	}
	return res.Info
}

func mustWatch(parent context.Context, c *smokeClient, msg v1.WatchBranch, stepTimeout time.Duration) v1.AddUpdates {
	c.mustSend(parent, msg, stepTimeout)

	var initial v1.AddUpdates
	c.mustReadUntilType(parent, v1.TypeAddUpdates, stepTimeout, &initial)
	if !initial.Initial {
		fatalf("watch snapshot not marked initial (%s)", c.name)
	}
	if initial.Branch != msg.Branch {
		fatalf("watch snapshot branch mismatch (%s): got=%q want=%q", c.name, initial.Branch, msg.Branch)
	}
	return initial
}

func mustAddAndAssertAck(parent context.Context, c *smokeClient, inst, branch, update string, updateID int64, stepTimeout time.Duration) {
	c.mustSend(parent, v1.AddUpdates{
		Type:     v1.TypeAddUpdates,
		Inst:     inst,
		Branch:   branch,
		Updates:  []string{update},
		UpdateID: &updateID,
	}, stepTimeout)

	var ack v1.UpdatesReceived
	c.mustReadUntilType(parent, v1.TypeUpdatesReceived, stepTimeout, &ack)
	if ack.UpdateID != updateID {
		fatalf("ack updateId mismatch (%s): got=%d want=%d", c.name, ack.UpdateID, updateID)
	}
	if ack.ErrorCode != "" {
		fatalf("ack carries error (%s): code=%q max=%d needed=%d", c.name, ack.ErrorCode, ack.MaxBranchSizeInBytes, ack.NeededBranchSizeInBytes)
	}
}

func mustAssertFanout(parent context.Context, c *smokeClient, branch, update string, stepTimeout time.Duration) {
	var got v1.AddUpdates
	c.mustReadUntilType(parent, v1.TypeAddUpdates, stepTimeout, &got)
	if got.Initial {
		fatalf("fanout marked initial (%s)", c.name)
	}
	if got.Branch != branch {
		fatalf("fanout branch mismatch (%s): got=%q want=%q", c.name, got.Branch, branch)
	}
	if len(got.Updates) != 1 || got.Updates[0] != update {
		fatalf("fanout updates mismatch (%s): got=%v want=[%s]", c.name, got.Updates, update)
	}
}

func mustGetUpdatesContains(parent context.Context, c *smokeClient, inst, branch, update string, stepTimeout time.Duration) int {
	c.mustSend(parent, v1.GetUpdates{Type: v1.TypeGetUpdates, Inst: inst, Branch: branch}, stepTimeout)

	var got v1.AddUpdates
	c.mustReadUntilType(parent, v1.TypeAddUpdates, stepTimeout, &got)
	if got.Initial {
		fatalf("get_updates reply marked initial (%s)", c.name)
	}
	if len(got.Timestamps) != len(got.Updates) {
		fatalf("get_updates timestamps mismatch (%s): updates=%d timestamps=%d", c.name, len(got.Updates), len(got.Timestamps))
	}

	for _, u := range got.Updates {
		if u == update {
			return len(got.Updates)
		}
	}
	fatalf("get_updates missing expected update (%s)", c.name)
	return 0
}

func mustBroadcastAction(parent context.Context, from, to *smokeClient, inst, branch string, stepTimeout time.Duration) {
	from.mustSend(parent, v1.SendAction{
		Type:   v1.TypeSendAction,
		Inst:   inst,
		Branch: branch,
		Action: v1.RemoteAction{
			Type:      "remote",
			Broadcast: true,
			Event:     json.RawMessage(`{"type":"smoke/ping"}`),
		},
	}, stepTimeout)

	var got v1.ReceiveAction
	to.mustReadUntilType(parent, v1.TypeReceiveAction, stepTimeout, &got)
	if got.Branch != branch {
		fatalf("receive_action branch mismatch (%s): got=%q want=%q", to.name, got.Branch, branch)
	}

	// Broadcasts include the sender.
	var echo v1.ReceiveAction
	from.mustReadUntilType(parent, v1.TypeReceiveAction, stepTimeout, &echo)
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case f, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if f.Event == v1.EventError {
				fatalf("server error (%s): code=%q msg=%q", c.name, f.ErrorCode, f.ErrorMessage)
			}
			if messageType(f) == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

// mustReadUntilType skips unrelated server pushes (presence events, rate
// limit notices) and decodes the first message of wantType into out.
func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, out any) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case f, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if f.Event == v1.EventError {
				fatalf("server error (%s): code=%q msg=%q", c.name, f.ErrorCode, f.ErrorMessage)
			}
			if messageType(f) != wantType {
				continue
			}
			if err := json.Unmarshal(f.Message, out); err != nil {
				fatalf("unmarshal %s (%s): %v", wantType, c.name, err)
			}
			return
		}
	}
}

func (c *smokeClient) mustSend(parent context.Context, msg any, stepTimeout time.Duration) {
	c.nextID++
	f, err := v1.NewMessageFrame(c.nextID, msg)
	if err != nil {
		fatalf("encode frame: %v", err)
	}
	mustWriteWithTimeout(parent, c.conn, f, stepTimeout)
}

func messageType(f v1.Frame) string {
	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(f.Message, &head)
	return head.Type
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, f v1.Frame, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(f)
	if err != nil {
		fatalf("marshal frame: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
