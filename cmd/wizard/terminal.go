package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/safelease/risk-platform/internal/cache"
	"github.com/safelease/risk-platform/internal/events"
	"github.com/safelease/risk-platform/internal/flow"
	"github.com/safelease/risk-platform/internal/model"
	natsclient "github.com/safelease/risk-platform/internal/nats"
	"github.com/safelease/risk-platform/internal/syncer"
	"github.com/safelease/risk-platform/internal/wizard"
	"github.com/safelease/risk-platform/pkg/logger"
)

const (
	initialBufferSize = 64 * 1024
	maxLineSize       = 1024 * 1024
)

const helpText = `commands:
  /upload <path>   upload a registry PDF
  /retry <id>      resend a failed message
  /new             start a new analysis after a report
  /reset           abandon the current analysis
  /history         show visited steps
  /events          show recent telemetry
  /quit            exit`

// terminal drives a flow.Session from line input and records the
// conversation in the local cache.
type terminal struct {
	in        io.Reader
	out       io.Writer
	session   *flow.Session
	store     *cache.Store
	syncer    *syncer.Syncer
	bus       *events.Bus
	publisher *natsclient.Publisher
	logger    *logger.Logger

	conversationID string
}

// Run reads lines until EOF, /quit, or ctx is done.
func (t *terminal) Run(ctx context.Context) error {
	unsubscribe := t.watch()
	defer unsubscribe()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(t.in)
		scanner.Buffer(make([]byte, initialBufferSize), maxLineSize)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	t.show(t.session.Current())
	for {
		fmt.Fprint(t.out, "> ")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case line := <-lines:
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if line == "/quit" {
				return nil
			}
			t.handle(ctx, line)
		}
	}
}

func (t *terminal) watch() func() {
	offProgress := t.bus.Subscribe(events.TopicAnalysisProgress, func(ev events.Event) {
		if p, ok := ev.Payload.(*events.AnalysisProgress); ok {
			fmt.Fprintf(t.out, "  [%3.0f%%] %s\n", p.Progress*100, p.Message)
		}
	})
	offFailed := t.bus.Subscribe(events.TopicSyncFailed, func(ev events.Event) {
		if f, ok := ev.Payload.(*events.SyncFailed); ok {
			fmt.Fprintf(t.out, "  message %s was not saved (%s). /retry %s to resend\n", f.MessageID, f.Error, f.MessageID)
		}
	})
	return func() {
		offProgress()
		offFailed()
	}
}

func (t *terminal) handle(ctx context.Context, line string) {
	if strings.HasPrefix(line, "/") {
		t.command(ctx, line)
		return
	}

	t.record(ctx, model.RoleUser, line, "")
	reply, err := t.session.HandleInput(ctx, line)
	if err != nil {
		t.showError(err)
		return
	}
	t.show(reply)
	t.record(ctx, model.RoleAssistant, reply.Prompt, string(reply.Component))
}

func (t *terminal) command(ctx context.Context, line string) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/upload":
		if arg == "" {
			fmt.Fprintln(t.out, "usage: /upload <path>")
			return
		}
		f, err := os.Open(arg)
		if err != nil {
			t.showError(err)
			return
		}
		defer f.Close()
		reply, err := t.session.UploadRegistry(ctx, filepath.Base(arg), f)
		if err != nil {
			t.showError(err)
			return
		}
		t.show(reply)

	case "/retry":
		msg, err := t.store.RetryFailedMessage(ctx, arg)
		if err != nil {
			t.showError(err)
			return
		}
		if msg == nil {
			fmt.Fprintf(t.out, "no cached message %q\n", arg)
			return
		}
		t.syncer.Kick()
		fmt.Fprintf(t.out, "message %s queued again\n", msg.ID)

	case "/new":
		reply, err := t.session.NewAnalysis()
		if err != nil {
			t.showError(err)
			return
		}
		t.conversationID = ""
		t.show(reply)

	case "/reset":
		t.conversationID = ""
		t.show(t.session.Reset())

	case "/history":
		for _, v := range t.session.Machine().History().Entries() {
			fmt.Fprintf(t.out, "  %s  %s\n", v.At.Format("15:04:05"), v.State)
		}

	case "/events":
		if t.publisher == nil {
			fmt.Fprintln(t.out, "telemetry is not configured")
			return
		}
		records, err := t.publisher.Recent(ctx, "", 20)
		if err != nil {
			t.showError(err)
			return
		}
		for _, r := range records {
			fmt.Fprintf(t.out, "  #%d %s %s\n", r.Sequence, r.Envelope.Time.Format("15:04:05"), r.Subject)
		}

	default:
		fmt.Fprintln(t.out, helpText)
	}
}

// record stores one turn optimistically and asks the syncer to deliver it.
func (t *terminal) record(ctx context.Context, role model.Role, content, component string) {
	if content == "" {
		return
	}
	if t.conversationID == "" {
		conv, err := t.store.AddOptimisticConversation(ctx, &model.Conversation{
			Title:    "부동산 계약 분석",
			Metadata: map[string]any{"source": "terminal"},
		})
		if err != nil {
			t.logger.Warn("failed to cache conversation", zap.Error(err))
			return
		}
		t.conversationID = conv.ID
	}

	_, err := t.store.AddOptimisticMessage(ctx, &model.Message{
		ConversationID: t.conversationID,
		Role:           role,
		Content:        content,
		Component:      component,
	})
	if err != nil {
		t.logger.Warn("failed to cache message", zap.Error(err))
		return
	}
	t.syncer.Kick()
}

func (t *terminal) show(reply *flow.Reply) {
	fmt.Fprintf(t.out, "[%s %d%%] %s\n", reply.State, reply.Progress, reply.Prompt)
	for i, c := range reply.Candidates {
		fmt.Fprintf(t.out, "  %d. %s", i+1, c.RoadAddress)
		if c.BuildingName != "" {
			fmt.Fprintf(t.out, " (%s)", c.BuildingName)
		}
		fmt.Fprintln(t.out)
	}
	if r := reply.Report; r != nil {
		fmt.Fprintf(t.out, "  위험도 %d점 %s\n  %s\n", r.RiskScore, r.RiskLevel, r.Summary)
		for _, f := range r.Findings {
			fmt.Fprintf(t.out, "  - %s\n", f.Title)
		}
	}
	if reply.State == wizard.StateReport {
		fmt.Fprintln(t.out, "  /new 로 새 분석을 시작할 수 있습니다.")
	}
}

func (t *terminal) showError(err error) {
	switch {
	case errors.Is(err, flow.ErrInvalidInput):
		fmt.Fprintf(t.out, "  %v\n", err)
	case errors.Is(err, flow.ErrInsufficientCredits):
		fmt.Fprintln(t.out, "  분석 크레딧이 부족합니다.")
	default:
		t.logger.Debug("operation failed", zap.Error(err))
		fmt.Fprintf(t.out, "  error: %v\n", err)
	}
}
