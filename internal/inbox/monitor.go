package inbox

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iqstrade/payinbox/internal/config"
	"github.com/iqstrade/payinbox/internal/metrics"
)

const fetchBatchSize = 50

// Monitor reads unread mail from the payments mailbox over IMAP.
type Monitor struct {
	config        config.InboxConfig
	timeout       time.Duration
	attachmentDir string
	client        *client.Client
	logger        *zap.Logger
}

// NewMonitor creates a monitor that stores attachments under attachmentDir.
func NewMonitor(cfg config.InboxConfig, attachmentDir string, timeout time.Duration, logger *zap.Logger) *Monitor {
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if attachmentDir == "" {
		attachmentDir = os.TempDir()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		config:        cfg,
		timeout:       timeout,
		attachmentDir: attachmentDir,
		logger:        logger.Named("inbox"),
	}
}

// Connect dials the server over TLS and logs in.
func (m *Monitor) Connect(ctx context.Context) error {
	addr := net.JoinHostPort(m.config.Server, fmt.Sprint(m.config.Port))
	m.logger.Debug("connecting", zap.String("addr", addr))

	start := time.Now()
	dialer := &net.Dialer{Timeout: m.timeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}
	c, err := client.DialWithDialerTLS(dialer, addr, nil)
	if err != nil {
		metrics.ObserveCall("imap", err, time.Since(start))
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	c.Timeout = m.timeout

	if err := c.Login(m.config.Email, m.config.Password); err != nil {
		metrics.ObserveCall("imap", err, time.Since(start))
		c.Logout()
		return fmt.Errorf("failed to login: %w", err)
	}
	metrics.ObserveCall("imap", nil, time.Since(start))

	m.client = c
	m.logger.Info("connected", zap.String("addr", addr), zap.String("user", m.config.Email))
	return nil
}

// Disconnect logs out and closes the connection.
func (m *Monitor) Disconnect() error {
	if m.client == nil {
		return nil
	}
	err := m.client.Logout()
	m.client = nil
	return err
}

// FetchUnread returns every unseen message in the configured folder and
// flags them \Seen on the server. Attachments are written to a fresh
// directory per message; call Message.Cleanup when done with it.
//
// Only messages that were returned are flagged \Seen. One whose header
// block cannot be parsed is logged, skipped and left unseen so it stays
// visible in the mailbox; damaged parts inside a readable message are
// reported through Message.Problems instead.
func (m *Monitor) FetchUnread(ctx context.Context) ([]Message, error) {
	if m.client == nil {
		return nil, fmt.Errorf("not connected to IMAP server")
	}

	// go-imap v1 has no context support; closing the socket unblocks it.
	stop := context.AfterFunc(ctx, func() { m.client.Terminate() })
	defer stop()

	start := time.Now()
	mbox, err := m.client.Select(m.config.Folder, false)
	if err != nil {
		metrics.ObserveCall("imap", err, time.Since(start))
		return nil, fmt.Errorf("failed to select mailbox %s: %w", m.config.Folder, err)
	}
	if mbox.Messages == 0 {
		metrics.ObserveCall("imap", nil, time.Since(start))
		return nil, nil
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := m.client.UidSearch(criteria)
	if err != nil {
		metrics.ObserveCall("imap", err, time.Since(start))
		return nil, fmt.Errorf("failed to search unread emails: %w", err)
	}
	m.logger.Info("unread messages", zap.String("folder", m.config.Folder), zap.Int("count", len(uids)))

	var out []Message
	for i := 0; i < len(uids); i += fetchBatchSize {
		if err := ctx.Err(); err != nil {
			cleanupAll(out)
			return nil, err
		}
		end := min(i+fetchBatchSize, len(uids))
		batch, err := m.fetchBatch(uids[i:end])
		out = append(out, batch...)
		if err != nil {
			metrics.ObserveCall("imap", err, time.Since(start))
			cleanupAll(out)
			return nil, err
		}
	}

	if err := m.MarkRead(uidsOf(out)...); err != nil {
		metrics.ObserveCall("imap", err, time.Since(start))
		cleanupAll(out)
		return nil, err
	}
	metrics.ObserveCall("imap", nil, time.Since(start))
	return out, nil
}

func (m *Monitor) fetchBatch(uids []uint32) ([]Message, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- m.client.UidFetch(seqSet, items, messages)
	}()

	var out []Message
	for msg := range messages {
		parsed, err := m.convert(msg, section)
		if err != nil {
			m.logger.Warn("failed to parse message, leaving it unseen", zap.Uint32("uid", msg.Uid), zap.Error(err))
			metrics.IncIngestError("unparseable_message")
			continue
		}
		out = append(out, *parsed)
	}

	if err := <-done; err != nil {
		return out, fmt.Errorf("failed to fetch messages: %w", err)
	}
	return out, nil
}

func (m *Monitor) convert(msg *imap.Message, section *imap.BodySectionName) (*Message, error) {
	r := msg.GetBody(section)
	if r == nil {
		return nil, fmt.Errorf("server returned no body")
	}

	dir := filepath.Join(m.attachmentDir, "msg_"+uuid.NewString())
	parsed, err := ParseMessage(r, dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	parsed.UID = msg.Uid

	// Envelope values win over a malformed header block.
	if env := msg.Envelope; env != nil {
		if parsed.Subject == "" {
			parsed.Subject = env.Subject
		}
		if parsed.From == "" && len(env.From) > 0 {
			parsed.From = env.From[0].Address()
			parsed.FromName = env.From[0].PersonalName
		}
		if parsed.ReceivedAt.IsZero() {
			parsed.ReceivedAt = env.Date
		}
	}
	if parsed.ReceivedAt.IsZero() {
		parsed.ReceivedAt = msg.InternalDate
	}
	if parsed.MessageID == "" {
		parsed.MessageID = syntheticMessageID(parsed.From, parsed.Subject, parsed.ReceivedAt)
	}
	return parsed, nil
}

// MarkRead flags the given messages \Seen.
func (m *Monitor) MarkRead(uids ...uint32) error {
	if m.client == nil {
		return fmt.Errorf("not connected to IMAP server")
	}
	if len(uids) == 0 {
		return nil
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := m.client.UidStore(seqSet, item, []interface{}{imap.SeenFlag}, nil); err != nil {
		return fmt.Errorf("failed to mark emails as read: %w", err)
	}
	return nil
}

// uidsOf lists the UIDs of msgs. Messages dropped during fetch are absent,
// so they are never flagged \Seen.
func uidsOf(msgs []Message) []uint32 {
	uids := make([]uint32, 0, len(msgs))
	for _, msg := range msgs {
		uids = append(uids, msg.UID)
	}
	return uids
}

func cleanupAll(msgs []Message) {
	for _, msg := range msgs {
		msg.Cleanup()
	}
}
