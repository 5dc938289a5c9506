package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"chat-sync/internal/chatsync"
	"chat-sync/internal/config"
	"chat-sync/internal/connection"
	"chat-sync/internal/models"
	"chat-sync/internal/restclient"
	"chat-sync/internal/typing"
)

func newConnectCommand(cfg *config.Config) *cobra.Command {
	var (
		conversationID string
		with           []string
		eventID        string
		title          string
	)
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Sign in, open a conversation and chat from stdin",
		Long: `Lines typed on stdin are sent to the open conversation. Commands:
  /more               load older history
  /edit <id> <text>   edit one of your messages
  /delete <id>        delete one of your messages
  /react <id> <emoji> toggle a reaction
  /read               mark the conversation read
  /list               print the conversation list`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Client.Token == "" || cfg.Client.UserID == "" {
				return errors.New("client.token and client.user_id are required")
			}
			if conversationID == "" && len(with) == 0 {
				return errors.New("pass --conversation or --with")
			}
			return withTracing(cmd.Context(), *cfg, func(ctx context.Context) error {
				return runConnect(ctx, cfg.Client, conversationID, with, eventID, title, os.Stdin, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id to open")
	cmd.Flags().StringSliceVar(&with, "with", nil, "participant ids to create or find a conversation with")
	cmd.Flags().StringVar(&eventID, "event", "", "event id for --with")
	cmd.Flags().StringVar(&title, "title", "", "title for a new conversation")
	return cmd
}

func runConnect(ctx context.Context, cc config.ClientConfig, conversationID string, with []string, eventID, title string, in io.Reader, out io.Writer) error {
	var client *chatsync.Client
	api := restclient.New(restclient.Config{
		BaseURL:      cc.BaseURL,
		Timeout:      cc.HTTPTimeout,
		RetryMax:     cc.RetryMax,
		RetryWaitMin: cc.InitialBackoff,
		RetryWaitMax: cc.MaxBackoff,
	}, func() string { return client.Token() })

	connCfg := connection.DefaultConfig(cc.WSURL)
	connCfg.WriteWait = cc.WriteWait
	connCfg.PongWait = cc.PongWait
	connCfg.PingPeriod = cc.PingPeriod
	connCfg.InitialBackoff = cc.InitialBackoff
	connCfg.MaxBackoff = cc.MaxBackoff

	client = chatsync.New(chatsync.Config{
		PageSize: cc.PageSize,
		Typing: typing.Config{
			SendWindow: cc.Typing.SendWindow,
			IdleStop:   cc.Typing.IdleStop,
			Expiry:     cc.Typing.Expiry,
		},
	}, connection.NewManager(connCfg, connection.WebsocketDialer{}), api)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return client.Run(gctx) })
	g.Go(func() error {
		defer cancel()
		p := &printer{client: client, out: out, seen: map[string]string{}}
		if err := openSession(gctx, client, cc, conversationID, with, eventID, title, out); err != nil {
			return err
		}
		p.printNew(gctx)
		go p.watch(gctx)
		return readInput(gctx, client, p, in, out)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openSession(ctx context.Context, client *chatsync.Client, cc config.ClientConfig, conversationID string, with []string, eventID, title string, out io.Writer) error {
	if err := client.Connect(ctx, chatsync.Credential{Token: cc.Token, UserID: cc.UserID, UserName: cc.UserName}); err != nil {
		return err
	}
	if err := client.Refresh(ctx, eventID); err != nil {
		log.Warn().Err(err).Msg("initial refresh failed")
	}
	if len(with) > 0 {
		conv, err := client.CreateOrFind(ctx, with, eventID, title)
		if err != nil {
			return err
		}
		conversationID = conv.ID
	}
	if err := client.Open(ctx, conversationID); err != nil {
		return err
	}
	if _, err := client.LoadPage(ctx, ""); err != nil {
		log.Warn().Err(err).Msg("history load failed")
	}
	fmt.Fprintf(out, "-- conversation %s\n", conversationID)
	return nil
}

func readInput(ctx context.Context, client *chatsync.Client, p *printer, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := runLine(ctx, client, p, line, out); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(out, "!! %v\n", err)
		}
	}
	return scanner.Err()
}

func runLine(ctx context.Context, client *chatsync.Client, p *printer, line string, out io.Writer) error {
	if !strings.HasPrefix(line, "/") {
		return client.SendMessage(ctx, line, "")
	}
	fields := strings.Fields(line)
	arg := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}
	switch fields[0] {
	case "/more":
		more, err := client.LoadPage(ctx, "")
		if err != nil {
			return err
		}
		p.printNew(ctx)
		if !more {
			fmt.Fprintln(out, "-- start of history")
		}
		return nil
	case "/edit":
		rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(line, "/edit"), " "+arg(1)))
		return client.Edit(ctx, arg(1), rest)
	case "/delete":
		return client.Delete(ctx, arg(1))
	case "/react":
		return client.React(ctx, arg(1), arg(2))
	case "/read":
		active, err := client.ActiveConversation(ctx)
		if err != nil {
			return err
		}
		return client.MarkRead(ctx, active)
	case "/list":
		convs, err := client.Conversations(ctx, "")
		if err != nil {
			return err
		}
		for _, c := range convs {
			fmt.Fprintf(out, "%s  unread=%d  %s\n", c.ID, c.UnreadCount, strings.Join(c.ParticipantIDs(), ","))
		}
		return nil
	default:
		return errors.Errorf("unknown command %s", fields[0])
	}
}

// printer writes messages as they appear or change.
type printer struct {
	client *chatsync.Client
	out    io.Writer

	mu   sync.Mutex
	seen map[string]string
}

func (p *printer) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-p.client.Notifications():
			switch n.Kind {
			case chatsync.NotifyStreamChanged:
				p.printNew(ctx)
			case chatsync.NotifyTypingChanged:
				typists, err := p.client.Typing(ctx)
				if err == nil && len(typists) > 0 {
					names := make([]string, 0, len(typists))
					for _, u := range typists {
						names = append(names, displayName(u))
					}
					fmt.Fprintf(p.out, "-- %s typing\n", strings.Join(names, ", "))
				}
			case chatsync.NotifyMutationRejected:
				fmt.Fprintf(p.out, "!! rejected: %s\n", n.Reason)
			case chatsync.NotifyConnected, chatsync.NotifyDisconnected:
				fmt.Fprintf(p.out, "-- %s %s\n", n.Kind, n.Reason)
			}
		}
	}
}

func (p *printer) printNew(ctx context.Context) {
	msgs, err := p.client.Messages(ctx)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		line := render(m)
		if p.seen[m.ID] == line {
			continue
		}
		p.seen[m.ID] = line
		fmt.Fprintln(p.out, line)
	}
}

func render(m models.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s: ", m.CreatedAt.Local().Format(time.Kitchen), m.ID, displayName(m.Sender))
	switch m.Content.Type {
	case models.ContentImage, models.ContentGIF:
		fmt.Fprintf(&b, "[%s] %s", m.Content.Type, m.Content.URL)
	default:
		b.WriteString(m.Content.Text)
	}
	if m.EditedAt != nil && !m.Deleted {
		b.WriteString(" (edited)")
	}
	if len(m.Reactions) > 0 {
		counts := map[string]int{}
		var order []string
		for _, r := range m.Reactions {
			if counts[r.Emoji] == 0 {
				order = append(order, r.Emoji)
			}
			counts[r.Emoji]++
		}
		for _, e := range order {
			fmt.Fprintf(&b, " %s%d", e, counts[e])
		}
	}
	return b.String()
}

func displayName(u models.UserRef) string {
	if u.Name != "" {
		return u.Name
	}
	return u.ID
}
