package handler

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pesio-ai/be-group-carts/internal/platform/errors"
	"github.com/pesio-ai/be-group-carts/internal/platform/logger"
	"github.com/pesio-ai/be-group-carts/internal/platform/metrics"
	"github.com/pesio-ai/be-group-carts/internal/repository"
	"github.com/pesio-ai/be-group-carts/internal/service"
)

// Command is a slash command invoked in the chat workspace.
type Command struct {
	Name    string
	Args    []string
	Channel string
	User    repository.User
}

// ReactionKind distinguishes reaction additions from removals.
type ReactionKind string

const (
	ReactionAdded   ReactionKind = "added"
	ReactionRemoved ReactionKind = "removed"
)

// ReactionEvent is an emoji reaction on a chat message.
type ReactionEvent struct {
	Emoji     string
	MessageID string
	Channel   string
	User      repository.User
	Kind      ReactionKind
	EventTS   time.Time
}

// OutboundKind says who sees a message.
type OutboundKind string

const (
	// OutboundPost is visible to the whole channel.
	OutboundPost OutboundKind = "post"
	// OutboundNotify is visible only to the invoking user.
	OutboundNotify OutboundKind = "notify"
)

// Outbound is a message the chat adapter must deliver. When BindCart is set
// the adapter posts the message and binds the resulting message id to that
// cart's purchase request via /api/v1/messages/bind.
type Outbound struct {
	Kind     OutboundKind `json:"kind"`
	Channel  string       `json:"channel,omitempty"`
	UserID   string       `json:"user_id,omitempty"`
	Text     string       `json:"text"`
	BindCart string       `json:"bind_cart,omitempty"`
}

// MessagePoster posts to a chat channel and returns the new message id.
type MessagePoster interface {
	PostMessage(ctx context.Context, channel, text string) (string, error)
}

// RouterConfig holds the chat-facing settings of the router.
type RouterConfig struct {
	Channel      string
	ApproveEmoji string
}

// Router turns chat commands and reactions into cart and workflow operations
// and renders their outcomes as chat messages.
type Router struct {
	carts   *service.CartService
	engine  *service.ApprovalEngine
	cfg     RouterConfig
	poster  MessagePoster
	alerts  service.OperatorAlerter
	metrics *metrics.Metrics
	log     *logger.Logger
}

// NewRouter creates a new Router. poster, alerts and m may be nil; without a
// poster purchase requests are returned to the adapter with BindCart set.
func NewRouter(
	carts *service.CartService,
	engine *service.ApprovalEngine,
	cfg RouterConfig,
	poster MessagePoster,
	alerts service.OperatorAlerter,
	m *metrics.Metrics,
	log *logger.Logger,
) *Router {
	if cfg.ApproveEmoji == "" {
		cfg.ApproveEmoji = "white_check_mark"
	}
	return &Router{
		carts:   carts,
		engine:  engine,
		cfg:     cfg,
		poster:  poster,
		alerts:  alerts,
		metrics: m,
		log:     log,
	}
}

// ParseArgs splits command text on spaces, dropping empty fields.
func ParseArgs(text string) []string {
	var args []string
	for _, a := range strings.Split(text, " ") {
		if a != "" {
			args = append(args, a)
		}
	}
	return args
}

func mention(u repository.User) string {
	name := u.Name
	if name == "" {
		name = u.ID
	}
	return "<@" + name + ">"
}

// reply accumulates the messages produced while handling one event.
type reply struct {
	channel string
	user    string
	out     []Outbound
	outcome string
}

func (r *reply) post(format string, args ...any) {
	r.out = append(r.out, Outbound{Kind: OutboundPost, Channel: r.channel, Text: fmt.Sprintf(format, args...)})
}

func (r *reply) notify(format string, args ...any) {
	r.out = append(r.out, Outbound{Kind: OutboundNotify, Channel: r.channel, UserID: r.user, Text: fmt.Sprintf(format, args...)})
	if r.outcome == "ok" {
		r.outcome = "rejected"
	}
}

// ── Commands ──────────────────────────────────────────────────────────────────

type commandFunc func(ctx context.Context, cmd Command, rep *reply) error

type commandDef struct {
	usage   string
	minArgs int
	maxArgs int // -1 means unbounded
	run     commandFunc
}

func (c commandDef) expected() string {
	switch {
	case c.maxArgs < 0:
		return fmt.Sprintf("at least %d", c.minArgs)
	case c.minArgs == c.maxArgs:
		return strconv.Itoa(c.minArgs)
	default:
		return fmt.Sprintf("%d or %d", c.minArgs, c.maxArgs)
	}
}

func (rt *Router) commands() map[string]commandDef {
	return map[string]commandDef{
		"/sb-create":       {usage: "/sb-create <cart>", minArgs: 1, maxArgs: 1, run: rt.createCart},
		"/sb-add":          {usage: "/sb-add <cart> <part> [quantity]", minArgs: 2, maxArgs: 3, run: rt.addPart},
		"/sb-add-all":      {usage: "/sb-add-all <cart> <part[:quantity]>...", minArgs: 2, maxArgs: -1, run: rt.addAll},
		"/sb-rm":           {usage: "/sb-rm <cart> <part>", minArgs: 2, maxArgs: 2, run: rt.removePart},
		"/sb-list":         {usage: "/sb-list <cart> [public]", minArgs: 1, maxArgs: 2, run: rt.listCart},
		"/sb-clear":        {usage: "/sb-clear <cart>", minArgs: 1, maxArgs: 1, run: rt.clearCart},
		"/sb-buy":          {usage: "/sb-buy <cart>", minArgs: 1, maxArgs: 1, run: rt.buy},
		"/sb-cancel":       {usage: "/sb-cancel <cart>", minArgs: 1, maxArgs: 1, run: rt.cancel},
		"/sb-status":       {usage: "/sb-status <cart>", minArgs: 1, maxArgs: 1, run: rt.status},
		"/sb-approver-add": {usage: "/sb-approver-add <user-id> <display-name>", minArgs: 2, maxArgs: -1, run: rt.addApprover},
		"/sb-approver-rm":  {usage: "/sb-approver-rm <user-id>", minArgs: 1, maxArgs: 1, run: rt.removeApprover},
		"/sb-approvers":    {usage: "/sb-approvers", minArgs: 0, maxArgs: 0, run: rt.listApprovers},
		"/sb-help":         {usage: "/sb-help", minArgs: 0, maxArgs: 0, run: rt.help},
	}
}

// HandleCommand runs one slash command and returns the messages to deliver.
func (rt *Router) HandleCommand(ctx context.Context, cmd Command) []Outbound {
	rep := &reply{channel: cmd.Channel, user: cmd.User.ID, outcome: "ok"}
	name := strings.ToLower(strings.TrimSpace(cmd.Name))
	def, known := rt.commands()[name]
	label := name
	if !known {
		label = "unknown"
	}
	defer func() { rt.countCommand(label, rep.outcome) }()

	if cmd.Channel != rt.cfg.Channel {
		rep.notify("Incorrect channel. Expected %s, got %s.", rt.cfg.Channel, cmd.Channel)
		return rep.out
	}
	if !known {
		rep.notify("Unknown command %s. Try /sb-help.", cmd.Name)
		return rep.out
	}
	if len(cmd.Args) < def.minArgs || (def.maxArgs >= 0 && len(cmd.Args) > def.maxArgs) {
		rep.notify("Incorrect number of arguments. Expected %s, got %d.", def.expected(), len(cmd.Args))
		return rep.out
	}

	if err := def.run(ctx, cmd, rep); err != nil {
		rt.log.Error().Err(err).
			Str("command", name).
			Str("user_id", cmd.User.ID).
			Msg("Command failed")
		rep.outcome = "error"
		rep.out = append(rep.out, Outbound{
			Kind:    OutboundNotify,
			Channel: cmd.Channel,
			UserID:  cmd.User.ID,
			Text:    fmt.Sprintf("Command %s failed. Please try again later.", name),
		})
	}
	return rep.out
}

func (rt *Router) createCart(ctx context.Context, cmd Command, rep *reply) error {
	cart := cmd.Args[0]
	ok, err := rt.carts.CreateCart(ctx, cart, cmd.User)
	if err != nil {
		return err
	}
	if !ok {
		rep.notify("Creating cart %s did not succeed.", cart)
		return nil
	}
	rep.post("%s created cart %s", mention(cmd.User), cart)
	return nil
}

func (rt *Router) addPart(ctx context.Context, cmd Command, rep *reply) error {
	cart, part := cmd.Args[0], cmd.Args[1]
	qty := 1
	if len(cmd.Args) == 3 {
		n, ok := parseQuantity(cmd.Args[2])
		if !ok {
			rep.notify("Quantity must be a non-negative integer, got %s.", cmd.Args[2])
			return nil
		}
		qty = n
	}
	ok, err := rt.carts.AddPart(ctx, cart, part, qty, cmd.User)
	if err != nil {
		return err
	}
	if !ok {
		rep.notify("Addition of %d part(s) %s to cart %s did not succeed.", qty, part, cart)
		return nil
	}
	rep.post("%s added %d of %s to %s", mention(cmd.User), qty, part, cart)
	return nil
}

// addAll adds each part[:qty] token in order and stops at the first one that
// is malformed or rejected. Parts added before that point stay added.
func (rt *Router) addAll(ctx context.Context, cmd Command, rep *reply) error {
	cart := cmd.Args[0]
	var added []string
	for _, token := range cmd.Args[1:] {
		part, qty, ok := parsePartToken(token)
		if !ok {
			rep.notify("Malformed part %s. Expected part or part:quantity.", token)
			break
		}
		ok, err := rt.carts.AddPart(ctx, cart, part, qty, cmd.User)
		if err != nil {
			return err
		}
		if !ok {
			rep.notify("Addition of %d part(s) %s to cart %s did not succeed.", qty, part, cart)
			break
		}
		added = append(added, fmt.Sprintf("- %d x %s", qty, part))
	}
	if len(added) > 0 {
		rep.post("%s added to %s:\n%s", mention(cmd.User), cart, strings.Join(added, "\n"))
	}
	return nil
}

func (rt *Router) removePart(ctx context.Context, cmd Command, rep *reply) error {
	cart, part := cmd.Args[0], cmd.Args[1]
	ok, err := rt.carts.RemovePart(ctx, cart, part, cmd.User)
	if err != nil {
		return err
	}
	if !ok {
		rep.notify("Removal of part %s from cart %s did not succeed.", part, cart)
		return nil
	}
	rep.post("%s removed %s from %s", mention(cmd.User), part, cart)
	return nil
}

func (rt *Router) listCart(ctx context.Context, cmd Command, rep *reply) error {
	name := cmd.Args[0]
	cart, err := rt.carts.ListCart(ctx, name)
	if err != nil {
		return err
	}
	if cart == nil {
		rep.notify("Cart %s does not exist.", name)
		return nil
	}

	var text string
	if len(cart.Parts) == 0 {
		text = fmt.Sprintf("%s requested cart %s: cart %s is empty.", mention(cmd.User), name, name)
	} else {
		text = fmt.Sprintf("%s requested cart %s:\n%s", mention(cmd.User), name, formatParts(cart.Parts))
	}
	if len(cmd.Args) == 2 {
		rep.post("%s", text)
	} else {
		rep.out = append(rep.out, Outbound{Kind: OutboundNotify, Channel: rep.channel, UserID: rep.user, Text: text})
	}
	return nil
}

func (rt *Router) clearCart(ctx context.Context, cmd Command, rep *reply) error {
	cart := cmd.Args[0]
	ok, err := rt.carts.ClearCart(ctx, cart, cmd.User)
	if err != nil {
		return err
	}
	if !ok {
		rep.notify("Clearing cart %s did not succeed.", cart)
		return nil
	}
	rep.post("%s cleared cart %s", mention(cmd.User), cart)
	return nil
}

func (rt *Router) buy(ctx context.Context, cmd Command, rep *reply) error {
	name := cmd.Args[0]
	result, _, err := rt.engine.BeginApproval(ctx, name, cmd.User)
	if err != nil {
		return err
	}
	switch result {
	case service.BeginCartMissing:
		rep.notify("Cart %s does not exist.", name)
		return nil
	case service.BeginAlreadyOpen:
		rep.notify("A purchase request for cart %s is already open.", name)
		return nil
	}

	cart, err := rt.carts.ListCart(ctx, name)
	if err != nil {
		return err
	}
	var parts []repository.Part
	if cart != nil {
		parts = cart.Parts
	}
	text := fmt.Sprintf("%s requested purchase of cart %s:\n%s\nReact with :%s: to approve (%d approval(s) needed).",
		mention(cmd.User), name, formatParts(parts), rt.cfg.ApproveEmoji, rt.engine.Threshold())

	if rt.poster != nil {
		messageID, err := rt.poster.PostMessage(ctx, cmd.Channel, text)
		if err == nil {
			notice := fmt.Sprintf("Purchase request for cart %s posted.", name)
			// The request is already visible, so a bind failure is reported
			// alongside it rather than as a failed command.
			if _, err := rt.engine.BindRequestMessage(ctx, name, messageID); err != nil {
				rt.log.Error().
					Err(err).
					Str("cart", name).
					Str("message_id", messageID).
					Msg("Purchase request posted but message could not be bound")
				rt.alertOperator(ctx, fmt.Sprintf(
					"Purchase request for cart %s was posted as message %q but could not be linked to its workflow: %v",
					name, messageID, err))
				notice = fmt.Sprintf("Purchase request for cart %s posted, but approvals on it cannot be tracked yet. "+
					"An operator has been notified.", name)
			}
			rep.out = append(rep.out, Outbound{
				Kind:    OutboundNotify,
				Channel: cmd.Channel,
				UserID:  cmd.User.ID,
				Text:    notice,
			})
			return nil
		}
		rt.log.Warn().Err(err).Str("cart", name).Msg("Failed to post purchase request, handing it to the adapter")
	}
	rep.out = append(rep.out, Outbound{Kind: OutboundPost, Channel: cmd.Channel, Text: text, BindCart: name})
	return nil
}

func (rt *Router) cancel(ctx context.Context, cmd Command, rep *reply) error {
	cart := cmd.Args[0]
	result, err := rt.engine.CancelApproval(ctx, cart, cmd.User)
	if err != nil {
		return err
	}
	if result == service.CancelNotOpen {
		rep.notify("Cart %s has no open purchase request.", cart)
		return nil
	}
	rep.post("%s cancelled the purchase request for cart %s", mention(cmd.User), cart)
	return nil
}

func (rt *Router) status(ctx context.Context, cmd Command, rep *reply) error {
	cart := cmd.Args[0]
	st, err := rt.engine.WorkflowStatus(ctx, cart)
	if err != nil {
		return err
	}
	if st.State == service.StateNone {
		rep.notify("Cart %s has no open purchase request.", cart)
		return nil
	}
	names := make([]string, 0, len(st.Workflow.Approvals))
	for _, a := range st.Workflow.Approvals {
		names = append(names, mention(a.Approver))
	}
	text := fmt.Sprintf("Purchase request for cart %s: %d of %d approvals.", cart, len(st.Workflow.Approvals), st.Threshold)
	if len(names) > 0 {
		text += " Approved by " + strings.Join(names, ", ") + "."
	}
	rep.out = append(rep.out, Outbound{Kind: OutboundNotify, Channel: rep.channel, UserID: rep.user, Text: text})
	return nil
}

func (rt *Router) addApprover(ctx context.Context, cmd Command, rep *reply) error {
	user := repository.User{ID: cmd.Args[0], Name: strings.Join(cmd.Args[1:], " ")}
	ok, err := rt.carts.AddApprover(ctx, user, cmd.User)
	if err != nil {
		return err
	}
	if !ok {
		rep.notify("%s is already an approver.", user.Name)
		return nil
	}
	rep.post("%s added approver %s", mention(cmd.User), mention(user))
	return nil
}

func (rt *Router) removeApprover(ctx context.Context, cmd Command, rep *reply) error {
	user := repository.User{ID: cmd.Args[0]}
	ok, err := rt.carts.RemoveApprover(ctx, user, cmd.User)
	if err != nil {
		return err
	}
	if !ok {
		rep.notify("%s is not an approver.", user.ID)
		return nil
	}
	rep.post("%s removed approver %s", mention(cmd.User), user.ID)
	return nil
}

func (rt *Router) listApprovers(ctx context.Context, _ Command, rep *reply) error {
	users, err := rt.carts.ListApprovers(ctx)
	if err != nil {
		return err
	}
	text := "There are no approvers."
	if len(users) > 0 {
		lines := make([]string, 0, len(users))
		for _, u := range users {
			lines = append(lines, fmt.Sprintf("- %s (%s)", u.Name, u.ID))
		}
		text = "Approvers:\n" + strings.Join(lines, "\n")
	}
	rep.out = append(rep.out, Outbound{Kind: OutboundNotify, Channel: rep.channel, UserID: rep.user, Text: text})
	return nil
}

func (rt *Router) help(_ context.Context, _ Command, rep *reply) error {
	cmds := rt.commands()
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	slices.Sort(names)
	lines := make([]string, 0, len(names))
	for _, name := range names {
		lines = append(lines, cmds[name].usage)
	}
	text := "Commands:\n" + strings.Join(lines, "\n") +
		fmt.Sprintf("\nApprovers react with :%s: on a purchase request to approve it.", rt.cfg.ApproveEmoji)
	rep.out = append(rep.out, Outbound{Kind: OutboundNotify, Channel: rep.channel, UserID: rep.user, Text: text})
	return nil
}

// ── Reactions ─────────────────────────────────────────────────────────────────

// HandleReaction applies an approve-emoji reaction on a purchase request.
// Reactions elsewhere or with other emoji produce no messages.
func (rt *Router) HandleReaction(ctx context.Context, ev ReactionEvent) []Outbound {
	if ev.Channel != rt.cfg.Channel || strings.Trim(ev.Emoji, ":") != rt.cfg.ApproveEmoji {
		return nil
	}
	cart, ok, err := rt.engine.CartForMessage(ctx, ev.MessageID)
	if err != nil {
		rt.log.Error().Err(err).Str("message_id", ev.MessageID).Msg("Failed to resolve request message")
		return nil
	}
	if !ok {
		return nil
	}

	rep := &reply{channel: ev.Channel, user: ev.User.ID, outcome: "ok"}
	switch ev.Kind {
	case ReactionAdded:
		rt.approve(ctx, cart, ev, rep)
		rt.countCommand("reaction_added", rep.outcome)
	case ReactionRemoved:
		rt.retract(ctx, cart, ev, rep)
		rt.countCommand("reaction_removed", rep.outcome)
	}
	return rep.out
}

func (rt *Router) approve(ctx context.Context, cart string, ev ReactionEvent, rep *reply) {
	out, err := rt.engine.RecordApproval(ctx, cart, ev.User, ev.EventTS)
	if err != nil {
		rep.outcome = "error"
		rt.log.Error().Err(err).
			Str("cart", cart).
			Str("approver_id", ev.User.ID).
			Str("result", out.Result.String()).
			Msg("Approval failed")
		if out.Result == service.ApprovalAccepted {
			rep.out = append(rep.out, Outbound{
				Kind:    OutboundNotify,
				Channel: ev.Channel,
				UserID:  ev.User.ID,
				Text:    fmt.Sprintf("Your approval was recorded but the purchase of cart %s could not be finalized. An operator has been notified.", cart),
			})
			// Inconsistent state has already been reported by the engine.
			if !errors.HasCode(err, errors.ErrCodeInconsistent) {
				rt.alertOperator(ctx, fmt.Sprintf("Purchase of cart %s could not be finalized: %v", cart, err))
			}
			return
		}
		rep.out = append(rep.out, Outbound{
			Kind:    OutboundNotify,
			Channel: ev.Channel,
			UserID:  ev.User.ID,
			Text:    fmt.Sprintf("Your approval of cart %s could not be recorded. Please try again later.", cart),
		})
		return
	}

	switch out.Result {
	case service.ApprovalNotOpen:
		rep.notify("Cart %s has no open purchase request.", cart)
	case service.ApprovalNotApprover:
		rep.notify("You are not an approver for purchases.")
	case service.ApprovalDuplicate:
		rep.notify("You already approved the purchase of cart %s.", cart)
	case service.ApprovalAccepted:
		if !out.Finalized {
			rep.post("%s approved the purchase of cart %s (%d of %d).", mention(ev.User), cart, out.Approvals, out.Threshold)
			return
		}
		names := make([]string, 0, len(out.Approvers))
		for _, u := range out.Approvers {
			names = append(names, mention(u))
		}
		text := fmt.Sprintf("Purchase of cart %s approved by %s; cart cleared.", cart, strings.Join(names, ", "))
		if len(out.Purchased) > 0 {
			text += "\n" + formatParts(out.Purchased)
		}
		rep.post("%s", text)
	}
}

func (rt *Router) retract(ctx context.Context, cart string, ev ReactionEvent, rep *reply) {
	out, err := rt.engine.RetractApproval(ctx, cart, ev.User)
	if err != nil {
		rep.outcome = "error"
		rt.log.Error().Err(err).Str("cart", cart).Str("approver_id", ev.User.ID).Msg("Retraction failed")
		return
	}
	if out.Result != service.RetractRetracted {
		rep.outcome = "rejected"
		return
	}
	rep.post("%s withdrew approval for cart %s (%d of %d).", mention(ev.User), cart, out.Approvals, out.Threshold)
}

// ── helpers ───────────────────────────────────────────────────────────────────

func (rt *Router) alertOperator(ctx context.Context, text string) {
	if rt.alerts == nil {
		return
	}
	if err := rt.alerts.AlertOperator(ctx, text); err != nil {
		rt.log.Error().Err(err).Msg("Failed to alert operator")
	}
}

func (rt *Router) countCommand(name, outcome string) {
	if rt.metrics == nil {
		return
	}
	rt.metrics.Commands.WithLabelValues(name, outcome).Inc()
}

func formatParts(parts []repository.Part) string {
	lines := make([]string, 0, len(parts))
	for _, p := range parts {
		lines = append(lines, fmt.Sprintf("- %d x %s", p.Quantity, p.Name))
	}
	return strings.Join(lines, "\n")
}

func parseQuantity(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// parsePartToken reads "part" or "part:qty".
func parsePartToken(token string) (string, int, bool) {
	part, qtyText, hasQty := strings.Cut(token, ":")
	if part == "" {
		return "", 0, false
	}
	if !hasQty {
		return part, 1, true
	}
	qty, ok := parseQuantity(qtyText)
	if !ok {
		return "", 0, false
	}
	return part, qty, true
}
