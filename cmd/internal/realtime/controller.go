package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"tether/cmd/security/token"
	v1 "tether/shared/contracts/realtime/v1"
)

// TokenIdentity is what a verified connection token binds to a connection.
type TokenIdentity struct {
	UserID       string
	SessionID    string
	ConnectionID string
}

// TokenVerifier validates connection tokens presented at login.
type TokenVerifier interface {
	VerifyConnectionToken(ctx context.Context, tok string, now time.Time) (TokenIdentity, error)
}

// TokenVerifierFunc adapts a function to TokenVerifier.
type TokenVerifierFunc func(ctx context.Context, tok string, now time.Time) (TokenIdentity, error)

// VerifyConnectionToken calls f.
func (f TokenVerifierFunc) VerifyConnectionToken(ctx context.Context, tok string, now time.Time) (TokenIdentity, error) {
	return f(ctx, tok, now)
}

// WebhookRequest is an inbound HTTP request forwarded to one device on a branch.
type WebhookRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Data    json.RawMessage
}

// webhookConnectionID identifies the server itself as the sender of webhook actions.
const webhookConnectionID = "server"

// Controller implements branch synchronization on top of a registry, an
// update store and a messenger. It holds no per-connection state of its own:
// everything lives in the registry so several controllers can share it.
//
// Concurrency: all methods are safe for concurrent use. Appends to one branch
// are ordered by the store.
type Controller struct {
	log       *slog.Logger
	registry  ConnectionRegistry
	store     UpdateStore
	messenger Messenger

	merger     Merger
	authorizer BranchAuthorizer
	verifier   TokenVerifier
	random     RandomSource
	metrics    *Metrics
	now        func() time.Time

	compactOnOverflow bool
	requireAuth       bool
}

// ControllerOption configures Controller behavior.
type ControllerOption func(*Controller)

// WithMerger sets the CRDT merger used for overflow compaction.
func WithMerger(m Merger) ControllerOption {
	return func(c *Controller) { c.merger = m }
}

// WithAuthorizer sets the branch authorization policy (default: allow all).
func WithAuthorizer(a BranchAuthorizer) ControllerOption {
	return func(c *Controller) {
		if a != nil {
			c.authorizer = a
		}
	}
}

// WithTokenVerifier sets the verifier used for connection tokens.
func WithTokenVerifier(v TokenVerifier) ControllerOption {
	return func(c *Controller) { c.verifier = v }
}

// WithRandom sets the source used to pick a device for untargeted actions.
func WithRandom(r RandomSource) ControllerOption {
	return func(c *Controller) {
		if r != nil {
			c.random = r
		}
	}
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// WithClock injects the controller clock.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithCompactOnOverflow enables merging a branch log into one update when an
// append would exceed the size limit. It has no effect without a merger.
func WithCompactOnOverflow(enabled bool) ControllerOption {
	return func(c *Controller) { c.compactOnOverflow = enabled }
}

// WithRequireAuth rejects logins that carry no connection token.
func WithRequireAuth(required bool) ControllerOption {
	return func(c *Controller) { c.requireAuth = required }
}

// NewController constructs a Controller. registry, store and messenger are required.
func NewController(log *slog.Logger, registry ConnectionRegistry, store UpdateStore, messenger Messenger, opts ...ControllerOption) (*Controller, error) {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if registry == nil {
		return nil, errors.New("realtime: nil registry")
	}
	if store == nil {
		return nil, errors.New("realtime: nil store")
	}
	if messenger == nil {
		return nil, errors.New("realtime: nil messenger")
	}

	c := &Controller{
		log:        log,
		registry:   registry,
		store:      store,
		messenger:  messenger,
		authorizer: AllowAllAuthorizer{},
		random:     DefaultRandom,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// ---- connection lifecycle ----

// Connect records an authenticated connection.
func (c *Controller) Connect(ctx context.Context, conn Connection) error {
	if strings.TrimSpace(conn.ServerConnectionID) == "" {
		return fmt.Errorf("%w: missing server connection id", ErrInvalidMessage)
	}
	if err := c.registry.SaveConnection(ctx, conn); err != nil {
		return fmt.Errorf("save connection: %w", err)
	}
	c.refreshConnectionGauge(ctx)
	return nil
}

// Login authenticates a socket and replies with login_result.
//
// A connection without a token is anonymous unless authentication is required.
// The client connection id comes from the token, then the message, then the
// server connection id.
func (c *Controller) Login(ctx context.Context, serverConnectionID string, msg v1.Login) (Connection, error) {
	defer c.metrics.observe("login", time.Now())

	conn := Connection{
		ServerConnectionID: serverConnectionID,
		ClientConnectionID: strings.TrimSpace(msg.ConnectionID),
	}

	tok := strings.TrimSpace(msg.ConnectionToken)
	switch {
	case tok != "":
		if c.verifier == nil {
			return Connection{}, fmt.Errorf("%w: no verifier configured", ErrUnacceptableConnectionToken)
		}
		ident, err := c.verifier.VerifyConnectionToken(ctx, tok, c.now())
		if err != nil {
			c.log.Info("connection.login.reject",
				"connection_id", serverConnectionID,
				"token_fp", token.Fingerprint(tok),
				"err", err,
			)
			return Connection{}, fmt.Errorf("%w: %v", ErrUnacceptableConnectionToken, err)
		}
		conn.UserID = ident.UserID
		conn.SessionID = ident.SessionID
		conn.Token = tok
		if ident.ConnectionID != "" {
			conn.ClientConnectionID = ident.ConnectionID
		}
	case c.requireAuth:
		return Connection{}, fmt.Errorf("%w: token required", ErrUnacceptableConnectionToken)
	}
	if conn.ClientConnectionID == "" {
		conn.ClientConnectionID = serverConnectionID
	}

	if err := c.Connect(ctx, conn); err != nil {
		return Connection{}, err
	}

	c.send(ctx, []string{serverConnectionID}, v1.LoginResult{Type: v1.TypeLoginResult, Info: conn.Info()}, "")

	c.log.Info("connection.login",
		"connection_id", serverConnectionID,
		"client_connection_id", conn.ClientConnectionID,
		"user_id", conn.UserID,
		"anonymous", conn.Token == "",
	)
	return conn, nil
}

// Disconnect removes a connection and everything it subscribed to.
// Presence watchers of each data branch are told the connection left, and
// temporary branches left without watchers are cleared.
func (c *Controller) Disconnect(ctx context.Context, serverConnectionID string) error {
	defer c.metrics.observe("disconnect", time.Now())

	conn, subs, ok, err := c.registry.ClearConnection(ctx, serverConnectionID)
	if err != nil {
		return fmt.Errorf("clear connection: %w", err)
	}
	if !ok {
		return nil
	}
	c.refreshConnectionGauge(ctx)

	var errs []error
	for _, sub := range subs {
		if sub.Kind != NamespaceBranch {
			continue
		}
		if err := c.teardownIfAbandoned(ctx, sub); err != nil {
			errs = append(errs, err)
		}
		if err := c.notifyDisconnected(ctx, sub.Key, conn); err != nil {
			errs = append(errs, err)
		}
	}

	c.log.Info("connection.disconnect", "connection_id", serverConnectionID, "subscriptions", len(subs))
	return errors.Join(errs...)
}

// ---- branch data ----

// WatchBranch subscribes the connection to a branch, announces it to presence
// watchers and sends the current log with initial set.
func (c *Controller) WatchBranch(ctx context.Context, serverConnectionID string, msg v1.WatchBranch) error {
	defer c.metrics.observe("watch_branch", time.Now())

	conn, err := c.requireConnection(ctx, serverConnectionID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(msg.Branch) == "" {
		return fmt.Errorf("%w: missing branch", ErrInvalidMessage)
	}
	key := BranchKey{RecordName: msg.RecordName, Inst: msg.Inst, Branch: msg.Branch}
	if err := c.authorize(ctx, conn, key); err != nil {
		return err
	}

	ns := key.DataNamespace()
	if err := c.registry.SaveNamespaceConnection(ctx, serverConnectionID, NamespaceSubscription{
		Namespace: ns,
		Kind:      NamespaceBranch,
		Key:       key,
		Temporary: msg.Temporary,
	}); err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}

	stored, err := c.store.GetUpdates(ctx, ns)
	if err != nil {
		// A watcher without its snapshot must not receive incremental updates.
		if _, _, derr := c.registry.DeleteNamespaceConnection(ctx, serverConnectionID, ns); derr != nil {
			c.log.Error("branch.watch.rollback_fail", "connection_id", serverConnectionID, "namespace", ns, "err", derr)
		}
		return fmt.Errorf("get updates: %w", err)
	}

	watchers, err := c.registry.GetConnectionsByNamespace(ctx, key.PresenceNamespace())
	if err != nil {
		return fmt.Errorf("presence watchers: %w", err)
	}
	c.send(ctx, connectionIDs(watchers), v1.ConnectedToBranch{
		Type:       v1.TypeConnectedToBranch,
		Branch:     watchBranchInfo(key, msg.Temporary),
		Connection: conn.Info(),
	}, "")

	updates := stored.Updates
	if updates == nil {
		updates = []string{}
	}
	c.send(ctx, []string{serverConnectionID}, v1.AddUpdates{
		Type:       v1.TypeAddUpdates,
		RecordName: key.RecordName,
		Inst:       key.Inst,
		Branch:     key.Branch,
		Updates:    updates,
		Initial:    true,
	}, "")

	c.log.Debug("branch.watch",
		"connection_id", serverConnectionID,
		"namespace", ns,
		"temporary", msg.Temporary,
		"updates", len(updates),
	)
	return nil
}

// UnwatchBranch removes a data subscription. Unknown subscriptions are ignored.
func (c *Controller) UnwatchBranch(ctx context.Context, serverConnectionID string, msg v1.UnwatchBranch) error {
	defer c.metrics.observe("unwatch_branch", time.Now())

	conn, err := c.requireConnection(ctx, serverConnectionID)
	if err != nil {
		return err
	}
	key := BranchKey{RecordName: msg.RecordName, Inst: msg.Inst, Branch: msg.Branch}

	sub, ok, err := c.registry.DeleteNamespaceConnection(ctx, serverConnectionID, key.DataNamespace())
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if !ok {
		return nil
	}

	if err := c.teardownIfAbandoned(ctx, sub); err != nil {
		return err
	}
	return c.notifyDisconnected(ctx, key, conn)
}

// AddUpdates appends updates to a branch, forwards them to the other watchers
// and acknowledges when the request carries an updateId.
func (c *Controller) AddUpdates(ctx context.Context, serverConnectionID string, msg v1.AddUpdates) error {
	defer c.metrics.observe("add_updates", time.Now())

	conn, err := c.requireConnection(ctx, serverConnectionID)
	if err != nil {
		return err
	}
	key := BranchKey{RecordName: msg.RecordName, Inst: msg.Inst, Branch: msg.Branch}

	if strings.TrimSpace(msg.Branch) == "" || len(msg.Updates) == 0 {
		c.ack(ctx, serverConnectionID, key, msg.UpdateID, nil)
		return nil
	}

	if err := c.authorize(ctx, conn, key); err != nil {
		if errors.Is(err, ErrNotAuthorized) && msg.UpdateID != nil {
			c.ack(ctx, serverConnectionID, key, msg.UpdateID, err)
			return nil
		}
		return err
	}

	ns := key.DataNamespace()
	err = c.store.AddUpdates(ctx, ns, msg.Updates)

	var maxErr *MaxSizeReachedError
	if errors.As(err, &maxErr) && c.compactOnOverflow && c.merger != nil {
		if cerr := c.compact(ctx, ns, msg.Updates); cerr != nil {
			c.log.Info("branch.compact.fail", "namespace", ns, "err", cerr)
		} else {
			err = nil
		}
	}

	if err != nil {
		if errors.As(err, &maxErr) {
			c.metrics.rejected()
			c.log.Info("branch.updates.reject",
				"connection_id", serverConnectionID,
				"namespace", ns,
				"max_bytes", maxErr.MaxBranchSizeInBytes,
				"needed_bytes", maxErr.NeededBranchSizeInBytes,
			)
		} else {
			c.log.Error("branch.updates.store_fail", "namespace", ns, "err", err)
		}
		if msg.UpdateID != nil {
			c.ack(ctx, serverConnectionID, key, msg.UpdateID, err)
			return nil
		}
		return err
	}

	c.metrics.appended(len(msg.Updates))

	watchers, err := c.registry.GetConnectionsByNamespace(ctx, ns)
	if err != nil {
		// The append is durable; watchers catch up on their next watch.
		c.log.Error("branch.updates.watchers_fail", "namespace", ns, "err", err)
	} else {
		c.send(ctx, connectionIDs(watchers), v1.AddUpdates{
			Type:       v1.TypeAddUpdates,
			RecordName: key.RecordName,
			Inst:       key.Inst,
			Branch:     key.Branch,
			Updates:    msg.Updates,
		}, serverConnectionID)
	}

	c.ack(ctx, serverConnectionID, key, msg.UpdateID, nil)
	return nil
}

// GetUpdates replies with the full log and its timestamps without subscribing.
func (c *Controller) GetUpdates(ctx context.Context, serverConnectionID string, msg v1.GetUpdates) error {
	defer c.metrics.observe("get_updates", time.Now())

	conn, err := c.requireConnection(ctx, serverConnectionID)
	if err != nil {
		return err
	}
	key := BranchKey{RecordName: msg.RecordName, Inst: msg.Inst, Branch: msg.Branch}
	if err := c.authorize(ctx, conn, key); err != nil {
		return err
	}

	stored, err := c.store.GetUpdates(ctx, key.DataNamespace())
	if err != nil {
		return fmt.Errorf("get updates: %w", err)
	}
	updates, timestamps := stored.Updates, stored.Timestamps
	if updates == nil {
		updates = []string{}
	}
	if timestamps == nil {
		timestamps = []int64{}
	}

	c.send(ctx, []string{serverConnectionID}, v1.AddUpdates{
		Type:       v1.TypeAddUpdates,
		RecordName: key.RecordName,
		Inst:       key.Inst,
		Branch:     key.Branch,
		Updates:    updates,
		Timestamps: timestamps,
	}, "")
	return nil
}

// ---- device actions ----

// SendAction translates a remote action and routes it to the selected
// devices watching the branch. The sender receives it too if selected.
func (c *Controller) SendAction(ctx context.Context, serverConnectionID string, msg v1.SendAction) error {
	defer c.metrics.observe("send_action", time.Now())

	conn, err := c.requireConnection(ctx, serverConnectionID)
	if err != nil {
		return err
	}
	key := BranchKey{RecordName: msg.RecordName, Inst: msg.Inst, Branch: msg.Branch}
	if err := c.authorize(ctx, conn, key); err != nil {
		return err
	}

	action, err := translateAction(msg.Action, conn.Info())
	if err != nil {
		return err
	}

	watchers, err := c.registry.GetConnectionsByNamespace(ctx, key.DataNamespace())
	if err != nil {
		return fmt.Errorf("branch watchers: %w", err)
	}

	targets := c.resolveTargets(SelectorFromAction(msg.Action), watchers)
	if len(targets) == 0 {
		c.log.Debug("branch.action.no_target", "namespace", key.DataNamespace(), "action", msg.Action.Type)
		return nil
	}

	c.send(ctx, targets, v1.ReceiveAction{
		Type:       v1.TypeReceiveAction,
		RecordName: key.RecordName,
		Inst:       key.Inst,
		Branch:     key.Branch,
		Action:     action,
	}, "")
	return nil
}

// Webhook forwards an HTTP request to one random device watching the branch.
// It returns 503 when nobody is watching.
func (c *Controller) Webhook(ctx context.Context, key BranchKey, req WebhookRequest) (int, error) {
	defer c.metrics.observe("webhook", time.Now())

	watchers, err := c.registry.GetConnectionsByNamespace(ctx, key.DataNamespace())
	if err != nil {
		c.metrics.webhook("500")
		return http.StatusInternalServerError, fmt.Errorf("branch watchers: %w", err)
	}

	i := PickIndex(c.random, len(watchers))
	if i < 0 {
		c.metrics.webhook("503")
		return http.StatusServiceUnavailable, nil
	}

	event, err := json.Marshal(struct {
		Type    string            `json:"type"`
		Method  string            `json:"method"`
		URL     string            `json:"url"`
		Headers map[string]string `json:"headers"`
		Data    json.RawMessage   `json:"data,omitempty"`
	}{
		Type:    "webhook",
		Method:  req.Method,
		URL:     req.URL,
		Headers: req.Headers,
		Data:    req.Data,
	})
	if err != nil {
		c.metrics.webhook("500")
		return http.StatusInternalServerError, fmt.Errorf("encode webhook event: %w", err)
	}

	c.send(ctx, []string{watchers[i].ServerConnectionID}, v1.ReceiveAction{
		Type:       v1.TypeReceiveAction,
		RecordName: key.RecordName,
		Inst:       key.Inst,
		Branch:     key.Branch,
		Action: v1.DeviceAction{
			Type:       v1.ActionDevice,
			Connection: v1.ConnectionInfo{ConnectionID: webhookConnectionID},
			Event:      event,
		},
	}, "")

	c.metrics.webhook("200")
	c.metrics.actionRouted("webhook")
	return http.StatusOK, nil
}

// ---- presence ----

// WatchBranchDevices subscribes to presence events of a branch and replays
// connected_to_branch for every current data watcher.
func (c *Controller) WatchBranchDevices(ctx context.Context, serverConnectionID string, msg v1.WatchBranchDevices) error {
	defer c.metrics.observe("watch_branch_devices", time.Now())

	conn, err := c.requireConnection(ctx, serverConnectionID)
	if err != nil {
		return err
	}
	key := BranchKey{RecordName: msg.RecordName, Inst: msg.Inst, Branch: msg.Branch}
	if err := c.authorize(ctx, conn, key); err != nil {
		return err
	}

	if err := c.registry.SaveNamespaceConnection(ctx, serverConnectionID, NamespaceSubscription{
		Namespace: key.PresenceNamespace(),
		Kind:      NamespaceWatchedBranch,
		Key:       key,
	}); err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}

	watchers, err := c.registry.GetConnectionsByNamespace(ctx, key.DataNamespace())
	if err != nil {
		return fmt.Errorf("branch watchers: %w", err)
	}
	for _, w := range watchers {
		c.send(ctx, []string{serverConnectionID}, v1.ConnectedToBranch{
			Type:       v1.TypeConnectedToBranch,
			Branch:     watchBranchInfo(key, w.Temporary),
			Connection: w.Info(),
		}, "")
	}
	return nil
}

// UnwatchBranchDevices removes a presence subscription.
func (c *Controller) UnwatchBranchDevices(ctx context.Context, serverConnectionID string, msg v1.UnwatchBranchDevices) error {
	if _, err := c.requireConnection(ctx, serverConnectionID); err != nil {
		return err
	}
	key := BranchKey{RecordName: msg.RecordName, Inst: msg.Inst, Branch: msg.Branch}
	if _, _, err := c.registry.DeleteNamespaceConnection(ctx, serverConnectionID, key.PresenceNamespace()); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// DeviceCount replies with the number of data watchers of a branch, or of
// all connections when no branch is given.
func (c *Controller) DeviceCount(ctx context.Context, serverConnectionID string, msg v1.ConnectionCount) error {
	if _, err := c.requireConnection(ctx, serverConnectionID); err != nil {
		return err
	}

	var (
		n   int
		err error
	)
	if msg.Branch == nil {
		n, err = c.registry.CountConnections(ctx)
	} else {
		key := BranchKey{RecordName: msg.RecordName, Inst: msg.Inst, Branch: *msg.Branch}
		n, err = c.registry.CountConnectionsByNamespace(ctx, key.DataNamespace())
	}
	if err != nil {
		return fmt.Errorf("count connections: %w", err)
	}

	c.send(ctx, []string{serverConnectionID}, v1.ConnectionCountResult{
		Type:       v1.TypeConnectionCount,
		RecordName: msg.RecordName,
		Inst:       msg.Inst,
		Branch:     msg.Branch,
		Count:      n,
	}, "")
	return nil
}

// ---- misc ----

// SyncTime answers a clock sync request. It does not require login.
func (c *Controller) SyncTime(ctx context.Context, serverConnectionID string, msg v1.SyncTime, receivedAt time.Time) error {
	c.send(ctx, []string{serverConnectionID}, v1.SyncTimeResponse{
		Type:               v1.TypeSyncTimeResponse,
		ID:                 msg.ID,
		ClientRequestTime:  msg.ClientRequestTime,
		ServerReceiveTime:  receivedAt.UnixMilli(),
		ServerTransmitTime: c.now().UnixMilli(),
	}, "")
	return nil
}

// RateLimitExceeded tells a throttled connection to back off, at most once
// per notify interval. The exceeded time is recorded on every call.
func (c *Controller) RateLimitExceeded(ctx context.Context, serverConnectionID string, retryAfterMs int64, totalHits int, nowMs int64) error {
	if _, ok, err := c.registry.GetConnection(ctx, serverConnectionID); err != nil {
		return fmt.Errorf("get connection: %w", err)
	} else if !ok {
		return nil
	}

	last, notified, err := c.registry.RateLimitNotifiedTime(ctx, serverConnectionID)
	if err != nil {
		return fmt.Errorf("rate limit notified time: %w", err)
	}
	if err := c.registry.SetRateLimitExceededTime(ctx, serverConnectionID, nowMs); err != nil {
		return fmt.Errorf("set rate limit exceeded time: %w", err)
	}
	if notified && nowMs-last < rateLimitNotifyInterval.Milliseconds() {
		return nil
	}
	if err := c.registry.SetRateLimitNotifiedTime(ctx, serverConnectionID, nowMs); err != nil {
		return fmt.Errorf("set rate limit notified time: %w", err)
	}

	c.metrics.rateLimitNotification()
	c.send(ctx, []string{serverConnectionID}, v1.RateLimitExceeded{
		Type:       v1.TypeRateLimitExceeded,
		RetryAfter: retryAfterMs,
		TotalHits:  totalHits,
	}, "")
	return nil
}

// ---- helpers ----

func (c *Controller) requireConnection(ctx context.Context, id string) (Connection, error) {
	conn, ok, err := c.registry.GetConnection(ctx, id)
	if err != nil {
		return Connection{}, fmt.Errorf("get connection: %w", err)
	}
	if !ok {
		return Connection{}, ErrConnectionNotFound
	}
	return conn, nil
}

func (c *Controller) authorize(ctx context.Context, conn Connection, key BranchKey) error {
	ok, err := c.authorizer.CanAccessBranch(ctx, conn, key)
	if err != nil {
		return fmt.Errorf("authorize: %w", err)
	}
	if !ok {
		return ErrNotAuthorized
	}
	return nil
}

// teardownIfAbandoned clears a temporary branch once its last data watcher is gone.
// Unwatch and disconnect both go through here.
func (c *Controller) teardownIfAbandoned(ctx context.Context, sub NamespaceSubscription) error {
	if !sub.Temporary {
		return nil
	}
	n, err := c.registry.CountConnectionsByNamespace(ctx, sub.Namespace)
	if err != nil {
		return fmt.Errorf("count watchers: %w", err)
	}
	if n > 0 {
		return nil
	}
	if err := c.store.ClearUpdates(ctx, sub.Namespace); err != nil {
		return fmt.Errorf("clear temporary branch: %w", err)
	}
	c.log.Debug("branch.temporary.clear", "namespace", sub.Namespace)
	return nil
}

func (c *Controller) notifyDisconnected(ctx context.Context, key BranchKey, conn Connection) error {
	watchers, err := c.registry.GetConnectionsByNamespace(ctx, key.PresenceNamespace())
	if err != nil {
		return fmt.Errorf("presence watchers: %w", err)
	}
	c.send(ctx, connectionIDs(watchers), v1.DisconnectedFromBranch{
		Type:       v1.TypeDisconnectedFromBranch,
		RecordName: key.RecordName,
		Inst:       key.Inst,
		Branch:     key.Branch,
		Connection: conn.Info(),
	}, "")
	return nil
}

// compact merges the stored log plus the rejected batch into one update and
// swaps it in if nobody appended meanwhile.
func (c *Controller) compact(ctx context.Context, namespace string, added []string) error {
	current, err := c.store.GetUpdates(ctx, namespace)
	if err != nil {
		c.metrics.compaction("error")
		return fmt.Errorf("read log: %w", err)
	}

	all := make([]string, 0, len(current.Updates)+len(added))
	all = append(all, current.Updates...)
	all = append(all, added...)

	merged, err := safeMerge(c.merger, all)
	if err != nil {
		c.metrics.compaction("merge_failed")
		return err
	}
	if err := c.store.ReplaceUpdates(ctx, namespace, current.Version, []string{merged}); err != nil {
		c.metrics.compaction("replace_failed")
		return err
	}

	c.metrics.compaction("ok")
	c.log.Info("branch.compact", "namespace", namespace, "merged", len(all), "bytes", UpdateSize(merged))
	return nil
}

func (c *Controller) ack(ctx context.Context, id string, key BranchKey, updateID *int64, err error) {
	if updateID == nil {
		return
	}
	ack := v1.UpdatesReceived{
		Type:       v1.TypeUpdatesReceived,
		RecordName: key.RecordName,
		Inst:       key.Inst,
		Branch:     key.Branch,
		UpdateID:   *updateID,
	}

	var maxErr *MaxSizeReachedError
	switch {
	case err == nil:
	case errors.As(err, &maxErr):
		ack.ErrorCode = v1.ErrCodeMaxSizeReached
		ack.MaxBranchSizeInBytes = maxErr.MaxBranchSizeInBytes
		ack.NeededBranchSizeInBytes = maxErr.NeededBranchSizeInBytes
	default:
		ack.ErrorCode = ErrorCode(err)
	}
	c.send(ctx, []string{id}, ack, "")
}

func (c *Controller) resolveTargets(sel DeviceSelector, watchers []NamespaceConnection) []string {
	if sel.IsEmpty() {
		i := PickIndex(c.random, len(watchers))
		if i < 0 {
			return nil
		}
		c.metrics.actionRouted("random")
		return []string{watchers[i].ServerConnectionID}
	}

	var out []string
	for _, w := range watchers {
		if IsEventForDevice(sel, w.Connection) {
			out = append(out, w.ServerConnectionID)
		}
	}
	if sel.Broadcast {
		c.metrics.actionRouted("broadcast")
	} else {
		c.metrics.actionRouted("targeted")
	}
	return out
}

// send delivers msg and swallows delivery errors after logging them.
func (c *Controller) send(ctx context.Context, ids []string, msg v1.ServerMessage, excludeID string) {
	if len(ids) == 0 {
		return
	}
	if err := c.messenger.SendMessage(ctx, ids, msg, excludeID); err != nil {
		c.metrics.deliveryFailed()
		c.log.Info("messenger.send.fail", "type", msg.MessageType(), "recipients", len(ids), "err", err)
	}
}

func (c *Controller) refreshConnectionGauge(ctx context.Context) {
	if c.metrics == nil {
		return
	}
	n, err := c.registry.CountConnections(ctx)
	if err != nil {
		return
	}
	c.metrics.setConnections(n)
}

func translateAction(a v1.RemoteAction, from v1.ConnectionInfo) (v1.DeviceAction, error) {
	out := v1.DeviceAction{Connection: from, TaskID: a.TaskID}
	switch a.Type {
	case v1.ActionRemote:
		out.Type = v1.ActionDevice
		out.Event = a.Event
	case v1.ActionRemoteResult:
		out.Type = v1.ActionDeviceResult
		out.Result = a.Result
	case v1.ActionRemoteError:
		out.Type = v1.ActionDeviceError
		out.Error = a.Error
	default:
		return v1.DeviceAction{}, fmt.Errorf("%w: %q", ErrUnsupportedAction, a.Type)
	}
	return out, nil
}

func watchBranchInfo(key BranchKey, temporary bool) v1.WatchBranch {
	return v1.WatchBranch{
		Type:       v1.TypeWatchBranch,
		RecordName: key.RecordName,
		Inst:       key.Inst,
		Branch:     key.Branch,
		Temporary:  temporary,
	}
}

func connectionIDs(conns []NamespaceConnection) []string {
	out := make([]string, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.ServerConnectionID)
	}
	return out
}
