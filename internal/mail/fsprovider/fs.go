// Package fsprovider implements mail.Provider over a filesystem drop
// folder: each regular file is one message, named by UID, read as a
// raw RFC 5322 payload. It exists for local testing and demos without a
// live IMAP account (spec §4.1 "manual"/"drag-and-drop" ingestion path).
package fsprovider

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	emmail "github.com/emersion/go-message/mail"

	"github.com/kapella-hub/ngs/internal/apperr"
	"github.com/kapella-hub/ngs/internal/mail"
)

// Provider watches a directory; files are expected to be named
// "<uid>.eml" or "<uid>.ics" and contain a raw email or calendar
// payload respectively.
type Provider struct {
	dir          string
	folder       string
	pollInterval time.Duration
}

func New(dir, folder string, pollInterval time.Duration) *Provider {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Provider{dir: dir, folder: folder, pollInterval: pollInterval}
}

func (p *Provider) Fetch(ctx context.Context, cursor mail.Cursor) ([]mail.Message, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, apperr.Transientf("fsprovider.Fetch", "read dir %s: %v", p.dir, err)
	}

	type candidate struct {
		uid  uint32
		path string
	}
	var candidates []candidate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		uid64, err := strconv.ParseUint(name, 10, 32)
		if err != nil {
			continue
		}
		uid := uint32(uid64)
		if uid <= cursor.LastUID {
			continue
		}
		candidates = append(candidates, candidate{uid: uid, path: filepath.Join(p.dir, e.Name())})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].uid < candidates[j].uid })

	var out []mail.Message
	for _, c := range candidates {
		m, err := p.readFile(c.uid, c.path)
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (p *Provider) readFile(uid uint32, path string) (mail.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return mail.Message{}, err
	}
	defer f.Close()

	m := mail.Message{Folder: p.folder, UID: uid, Headers: map[string]string{}}

	if strings.HasSuffix(path, ".ics") {
		body, err := io.ReadAll(f)
		if err != nil {
			return mail.Message{}, err
		}
		m.ICSPayload = string(body)
		m.Subject = filepath.Base(path)
		return m, nil
	}

	mr, err := emmail.CreateReader(f)
	if err != nil {
		return mail.Message{}, apperr.Dataf("fsprovider.readFile", "parse %s: %v", path, err)
	}
	if s, err := mr.Header.Subject(); err == nil {
		m.Subject = s
	}
	if addrs, err := mr.Header.AddressList("From"); err == nil && len(addrs) > 0 {
		m.From = strings.ToLower(addrs[0].Address)
	}
	if d, err := mr.Header.Date(); err == nil {
		m.Date = d
	}
	if mid, err := mr.Header.MessageID(); err == nil {
		m.MessageID = mid
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		switch h := part.Header.(type) {
		case *emmail.InlineHeader:
			ct, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(ct, "text/plain"):
				m.BodyText = string(body)
			case strings.HasPrefix(ct, "text/html"):
				m.BodyHTML = string(body)
			case strings.HasPrefix(ct, "text/calendar"):
				m.ICSPayload = string(body)
			}
		case *emmail.AttachmentHeader:
			filename, _ := h.Filename()
			ct, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			if strings.HasPrefix(ct, "text/calendar") {
				m.ICSPayload = string(body)
				continue
			}
			m.Attachments = append(m.Attachments, mail.Attachment{
				Filename: filename, ContentType: ct, Size: len(body),
			})
		}
	}
	return m, nil
}

// Watch polls on a timer; the drop-folder source has no push mechanism.
func (p *Provider) Watch(ctx context.Context) error {
	t := time.NewTimer(p.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Provider) Close() error { return nil }
