// Package bot routes inbound chat commands to handlers through a
// middleware chain and a bounded worker pool.
package bot

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"dutybot/internal/ratelimit"
	kit "dutybot/internal/transport"
	"dutybot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessAdminOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic recovered",
						logx.String("cmd", req.Command),
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			fields := []logx.Field{
				logx.String("cmd", req.Command),
				logx.Int64("chat_id", req.Chat.ChatID),
				logx.Int64("from_id", req.FromID),
				logx.Duration("dur", time.Since(start)),
			}
			if err != nil {
				log.Warn("command failed", append(fields, logx.Err(err))...)
			} else {
				log.Info("command ok", fields...)
			}
			return err
		}
	}
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	IsAdmin bool

	Adapter kit.Adapter
	Log     logx.Logger
}

func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, nil)
	return err
}

func (r *Request) ReplyHTML(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{
		ParseMode:      kit.ParseModeHTML,
		DisablePreview: true,
	})
	return err
}

type Command struct {
	Name        string
	Description string
	Access      Access
	// RateLimited commands are throttled per user; admins bypass.
	RateLimited bool
	Handle      HandlerFunc
}

// Router holds the command registry and dispatches updates. The rate
// limiter is checked before the handler runs, keyed "cmd:userID".
type Router struct {
	mu     sync.RWMutex
	cmds   map[string]Command
	admins []int64

	adapter kit.Adapter
	limiter *ratelimit.Limiter
	log     logx.Logger

	jobs    chan func()
	timeout time.Duration
}

func NewRouter(adapter kit.Adapter, limiter *ratelimit.Limiter, log logx.Logger) *Router {
	return &Router{
		cmds:    map[string]Command{},
		adapter: adapter,
		limiter: limiter,
		log:     log,
		jobs:    make(chan func(), 256),
		timeout: 30 * time.Second,
	}
}

// SetAdmins replaces the admin list. Safe during hot reload.
func (r *Router) SetAdmins(ids []int64) {
	cp := append([]int64(nil), ids...)
	r.mu.Lock()
	r.admins = cp
	r.mu.Unlock()
}

func (r *Router) isAdmin(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.admins {
		if a == id {
			return true
		}
	}
	return false
}

func (r *Router) Register(cmds ...Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cmds {
		name := strings.TrimSpace(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		r.cmds[name] = c
	}
}

// MenuCommands lists the public commands for the platform command menu.
func (r *Router) MenuCommands() []kit.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]kit.BotCommand, 0, len(r.cmds))
	for _, c := range r.cmds {
		if c.Access != AccessEveryone {
			continue
		}
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

// DispatchLoop consumes updates until ctx is done. Handlers run on a
// bounded worker pool so one slow command cannot stall the rest.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	r.log.Info("command dispatcher started", logx.Int("workers", workers))

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-r.jobs:
					if !ok {
						return
					}
					job()
				}
			}
		}()
	}
	defer func() {
		wg.Wait()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Kind == kit.UpdateMessage {
				r.routeMessage(ctx, up)
			}
		}
	}
}

func (r *Router) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}

	parts := strings.Fields(text)
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}

	r.mu.RLock()
	cmd, ok := r.cmds[word]
	r.mu.RUnlock()
	if !ok {
		r.log.Debug("unknown command ignored", logx.String("cmd", word), logx.Int64("from_id", msg.FromID))
		return
	}

	req := &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID:  msg.FromID,
		Command: word,
		Args:    parts[1:],
		IsAdmin: r.isAdmin(msg.FromID),
		Adapter: r.adapter,
		Log:     r.log.With(logx.String("cmd", word)),
	}

	if cmd.Access == AccessAdminOnly && !req.IsAdmin {
		_ = req.Reply(ctx, "⛔ Нет прав")
		r.log.Warn("admin command rejected",
			logx.String("cmd", word), logx.Int64("from_id", msg.FromID))
		return
	}

	if cmd.RateLimited && !req.IsAdmin && r.limiter != nil {
		id := fmt.Sprintf("%s:%d", word, msg.FromID)
		if ok, wait := r.limiter.Allow(id); !ok {
			secs := int(math.Ceil(wait.Seconds()))
			_ = req.ReplyHTML(ctx, fmt.Sprintf(
				"⏳ <b>Слишком много запросов</b>\n\nКоманда /%s доступна не чаще 1 раза в минуту.\nПожалуйста, подождите %d секунд.",
				word, secs))
			r.log.Warn("rate limit triggered",
				logx.String("cmd", word),
				logx.Int64("from_id", msg.FromID),
				logx.Duration("wait", wait))
			return
		}
	}

	handler := Chain(cmd.Handle,
		MWRequestLog(r.log),
		MWTimeout(r.timeout),
		MWPanicRecover(r.log),
	)

	select {
	case r.jobs <- func() { _ = handler(ctx, req) }:
	default:
		r.log.Warn("command queue full, update dropped", logx.String("cmd", word))
	}
}
