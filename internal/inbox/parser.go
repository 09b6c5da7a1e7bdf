package inbox

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/text/encoding/simplifiedchinese"
)

var maxAttachmentBytes int64 = 25 << 20

// errSkipPart marks a part that could not be kept. The rest of the
// message is still usable.
var errSkipPart = errors.New("part skipped")

func init() {
	// Chinese mail clients routinely label GBK content as gb2312.
	charset.RegisterEncoding("gb2312", simplifiedchinese.GBK)
	charset.RegisterEncoding("gbk", simplifiedchinese.GBK)
	charset.RegisterEncoding("x-gbk", simplifiedchinese.GBK)
	charset.RegisterEncoding("gb18030", simplifiedchinese.GB18030)
}

// Message is one fetched email with its attachments saved to disk.
type Message struct {
	UID         uint32
	MessageID   string
	From        string
	FromName    string
	Subject     string
	Body        string // plain text; HTML-only mail is converted
	HTMLBody    string
	ReceivedAt  time.Time
	Attachments []Attachment

	// Problems lists parts that were dropped while parsing, such as an
	// oversized or undecodable attachment.
	Problems []Problem

	// Dir holds the attachment files and is removed by Cleanup.
	Dir string
}

// Problem is a part ParseMessage could not keep.
type Problem struct {
	Filename string
	Reason   string
}

type Attachment struct {
	Filename    string
	Path        string
	ContentType string
	Size        int64
}

// AttachmentPaths lists the saved files in message order.
func (m Message) AttachmentPaths() []string {
	paths := make([]string, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		paths = append(paths, a.Path)
	}
	return paths
}

// Cleanup removes the attachment directory.
func (m Message) Cleanup() error {
	if m.Dir == "" {
		return nil
	}
	return os.RemoveAll(m.Dir)
}

// ParseMessage reads an RFC 5322 message. Attachment parts are written
// under dir, which is created on first use. A part that cannot be read or
// kept is dropped and listed in Problems; only an unreadable header block or
// a local filesystem failure is an error.
func ParseMessage(r io.Reader, dir string) (*Message, error) {
	mr, err := mail.CreateReader(r)
	if mr == nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	// An unknown charset is reported but the reader is still usable.
	defer mr.Close()

	msg := &Message{Dir: dir}
	h := mr.Header
	msg.Subject, _ = h.Subject()
	msg.MessageID, _ = h.MessageID()
	if msg.MessageID != "" {
		msg.MessageID = "<" + msg.MessageID + ">"
	}
	msg.ReceivedAt, _ = h.Date()
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].Address
		msg.FromName = from[0].Name
	}

	var plain strings.Builder
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// The multipart stream cannot be resumed past a broken part.
			msg.Problems = append(msg.Problems, Problem{Reason: "unreadable part: " + err.Error()})
			break
		}

		switch ph := p.Header.(type) {
		case *mail.InlineHeader:
			ct, params, _ := ph.ContentType()
			if name := params["name"]; name != "" && !strings.HasPrefix(ct, "text/") {
				if err := msg.keepAttachment(p.Body, name, ct); err != nil {
					return nil, err
				}
				continue
			}
			body, _ := io.ReadAll(p.Body)
			switch {
			case strings.HasPrefix(ct, "text/plain"):
				if plain.Len() > 0 {
					plain.WriteString("\n")
				}
				plain.Write(body)
			case strings.HasPrefix(ct, "text/html") && msg.HTMLBody == "":
				msg.HTMLBody = string(body)
			}
		case *mail.AttachmentHeader:
			name, _ := ph.Filename()
			ct, _, _ := ph.ContentType()
			if err := msg.keepAttachment(p.Body, name, ct); err != nil {
				return nil, err
			}
		}
	}

	msg.Body = strings.TrimSpace(plain.String())
	if msg.Body == "" && msg.HTMLBody != "" {
		msg.Body = HTMLToText(msg.HTMLBody)
	}
	return msg, nil
}

// keepAttachment saves one attachment, turning a skipped part into a
// Problem.
func (m *Message) keepAttachment(r io.Reader, name, contentType string) error {
	err := m.saveAttachment(r, name, contentType)
	if errors.Is(err, errSkipPart) {
		m.Problems = append(m.Problems, Problem{
			Filename: safeFilename(name, contentType, len(m.Attachments)),
			Reason:   err.Error(),
		})
		return nil
	}
	return err
}

func (m *Message) saveAttachment(r io.Reader, name, contentType string) error {
	if err := os.MkdirAll(m.Dir, 0o700); err != nil {
		return fmt.Errorf("failed to create attachment dir: %w", err)
	}
	name = safeFilename(name, contentType, len(m.Attachments))
	path := uniquePath(filepath.Join(m.Dir, name))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create attachment file: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(r, maxAttachmentBytes+1))
	if err != nil {
		err = fmt.Errorf("%w: %w", errSkipPart, err)
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err == nil && n > maxAttachmentBytes {
		err = fmt.Errorf("%w: exceeds %d bytes", errSkipPart, maxAttachmentBytes)
	}
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to save attachment %s: %w", name, err)
	}

	m.Attachments = append(m.Attachments, Attachment{
		Filename:    name,
		Path:        path,
		ContentType: contentType,
		Size:        n,
	})
	return nil
}

var unsafeChars = regexp.MustCompile(`[^\p{L}\p{N}._ -]+`)

func safeFilename(name, contentType string, index int) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.TrimSpace(unsafeChars.ReplaceAllString(name, "_"))
	if name == "" || name == "." || name == ".." {
		name = fmt.Sprintf("attachment_%d", index+1)
		if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
			name += exts[0]
		}
	}
	return name
}

func uniquePath(path string) string {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return path
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, i, ext)
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
	}
}

var blankLines = regexp.MustCompile(`\n{3,}`)

// HTMLToText flattens an HTML body to readable text.
func HTMLToText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return strings.TrimSpace(html)
	}
	doc.Find("script, style, head").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, tr, li, h1, h2, h3, h4, table").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	lines := strings.Split(doc.Text(), "\n")
	for i, l := range lines {
		lines[i] = strings.Join(strings.Fields(l), " ")
	}
	text := blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(text)
}

// syntheticMessageID derives a stable id for mail sent without a
// Message-ID header so a re-fetch maps to the same email row.
func syntheticMessageID(from, subject string, at time.Time) string {
	sum := sha256.Sum256([]byte(from + "\x00" + subject + "\x00" + at.UTC().Format(time.RFC3339)))
	return "<" + hex.EncodeToString(sum[:16]) + "@payinbox.local>"
}
