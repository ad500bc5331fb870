package imapclient

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/jhillyerd/enmime"

	"github.com/mailvault/mailvault/internal/errs"
	"github.com/mailvault/mailvault/pkg/types"
)

// recencyWindow bounds the initial UID SEARCH. Messages older than this only
// surface through the full-mailbox fallback when the window comes up short.
const recencyWindow = 30 * 24 * time.Hour

// fetchBatchSize caps how many UIDs a single FETCH command carries.
const fetchBatchSize = 50

const previewLimit = 160

// FetchHeaders retrieves envelope metadata for up to limit of the newest
// messages in the folder. The returned UIDVALIDITY lets the caller detect a
// server-side renumbering of the mailbox.
func (c *Client) FetchHeaders(folder types.Folder, limit int) ([]types.Message, uint32, error) {
	if err := c.ensureConnected(); err != nil {
		return nil, 0, err
	}

	status, selectedPath, err := c.selectFolder(folder.ServerPath, true)
	if err != nil {
		return nil, 0, err
	}
	if status.Messages == 0 {
		return nil, status.UidValidity, nil
	}

	uids, err := c.searchRecent(limit)
	if err != nil {
		return nil, 0, err
	}
	if len(uids) == 0 {
		return nil, status.UidValidity, nil
	}

	messages, err := c.fetchEnvelopes(folder, uids)
	if err != nil {
		return nil, 0, err
	}

	sort.Slice(messages, func(i, j int) bool {
		return messageTime(messages[i]).After(messageTime(messages[j]))
	})
	if len(messages) > limit {
		messages = messages[:limit]
	}

	c.logger.WithFields(map[string]interface{}{
		"folder": selectedPath,
		"count":  len(messages),
	}).Debug("Fetched message headers")
	return messages, status.UidValidity, nil
}

// searchRecent finds the UIDs to fetch: recent messages first, topped up from
// the whole mailbox when the recency window holds fewer than limit. The
// numerically highest UIDs are kept, since UIDs ascend with arrival order.
func (c *Client) searchRecent(limit int) ([]uint32, error) {
	since := time.Now().Add(-recencyWindow)
	uids, err := c.conn.UidSearch(&imap.SearchCriteria{Since: since})
	if err != nil {
		return nil, fmt.Errorf("%w: UID SEARCH: %v", errs.ErrOperation, err)
	}

	if len(uids) < limit {
		all, err := c.conn.UidSearch(&imap.SearchCriteria{})
		if err != nil {
			return nil, fmt.Errorf("%w: UID SEARCH: %v", errs.ErrOperation, err)
		}
		uids = mergeUIDs(uids, all)
	}

	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	if len(uids) > limit {
		uids = uids[:limit]
	}
	return uids, nil
}

func mergeUIDs(a, b []uint32) []uint32 {
	seen := make(map[uint32]struct{}, len(a)+len(b))
	merged := make([]uint32, 0, len(a)+len(b))
	for _, set := range [][]uint32{a, b} {
		for _, uid := range set {
			if _, ok := seen[uid]; ok {
				continue
			}
			seen[uid] = struct{}{}
			merged = append(merged, uid)
		}
	}
	return merged
}

// fetchEnvelopes retrieves envelope, flags and body structure for the given
// UIDs in batches. A failed batch degrades to per-UID fetches so one broken
// message cannot hide the rest.
func (c *Client) fetchEnvelopes(folder types.Folder, uids []uint32) ([]types.Message, error) {
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchBodyStructure, imap.FetchInternalDate, imap.FetchUid}

	var out []types.Message
	for start := 0; start < len(uids); start += fetchBatchSize {
		end := start + fetchBatchSize
		if end > len(uids) {
			end = len(uids)
		}
		batch := uids[start:end]

		fetched, err := c.fetchBatch(batch, items)
		if err != nil {
			c.logger.WithError(err).WithField("folder", folder.ServerPath).
				Warn("Batch fetch failed, retrying messages individually")
			fetched = c.fetchIndividually(batch, items)
		}
		for _, raw := range fetched {
			out = append(out, buildMessage(folder, raw))
		}
	}
	return out, nil
}

func (c *Client) fetchBatch(uids []uint32, items []imap.FetchItem) ([]*imap.Message, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	ch := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.conn.UidFetch(seqset, items, ch)
	}()

	var fetched []*imap.Message
	for msg := range ch {
		fetched = append(fetched, msg)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("%w: UID FETCH: %v", errs.ErrOperation, err)
	}
	return fetched, nil
}

func (c *Client) fetchIndividually(uids []uint32, items []imap.FetchItem) []*imap.Message {
	var fetched []*imap.Message
	for _, uid := range uids {
		got, err := c.fetchBatch([]uint32{uid}, items)
		if err != nil {
			c.logger.WithError(err).WithField("uid", uid).Warn("Skipping unfetchable message")
			continue
		}
		fetched = append(fetched, got...)
	}
	return fetched
}

// buildMessage converts a raw IMAP fetch response into the cached shape.
func buildMessage(folder types.Folder, raw *imap.Message) types.Message {
	msg := types.Message{
		AccountID:   folder.AccountID,
		FolderID:    folder.ID,
		UIDOnServer: raw.Uid,
		Flags:       map[string]bool{},
	}

	for _, flag := range raw.Flags {
		msg.Flags[flag] = true
	}
	msg.IsRead = msg.Flags[types.FlagSeen]

	if env := raw.Envelope; env != nil {
		msg.Subject = env.Subject
		msg.Sender = formatAddress(env.From)
		msg.Recipients = formatAddresses(env.To)
		if !env.Date.IsZero() {
			sent := env.Date
			msg.SentAt = &sent
		}
	}
	if !raw.InternalDate.IsZero() {
		received := raw.InternalDate
		msg.ReceivedAt = &received
	} else if msg.SentAt != nil {
		msg.ReceivedAt = msg.SentAt
	}
	if raw.BodyStructure != nil {
		msg.HasAttachments = hasAttachments(raw.BodyStructure)
	}
	return msg
}

func formatAddress(addrs []*imap.Address) string {
	if len(addrs) == 0 {
		return ""
	}
	a := addrs[0]
	email := a.MailboxName + "@" + a.HostName
	if a.PersonalName != "" {
		return fmt.Sprintf("%s <%s>", a.PersonalName, email)
	}
	return email
}

func formatAddresses(addrs []*imap.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, formatAddress([]*imap.Address{a}))
	}
	return out
}

// hasAttachments walks the body structure looking for a part delivered as an
// attachment.
func hasAttachments(bs *imap.BodyStructure) bool {
	if strings.EqualFold(bs.Disposition, "attachment") {
		return true
	}
	for _, part := range bs.Parts {
		if hasAttachments(part) {
			return true
		}
	}
	return false
}

func messageTime(m types.Message) time.Time {
	if m.ReceivedAt != nil {
		return *m.ReceivedAt
	}
	if m.SentAt != nil {
		return *m.SentAt
	}
	return time.Time{}
}

// Body holds the decoded content of one message.
type Body struct {
	Plain       string
	HTML        string
	Preview     string
	Attachments []BodyAttachment
}

// BodyAttachment describes one attachment part of a fetched message.
type BodyAttachment struct {
	Filename string
	MimeType string
	Content  []byte
}

// FetchBody downloads and decodes the full MIME body of one message.
func (c *Client) FetchBody(folder types.Folder, uid uint32) (*Body, error) {
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}
	if _, _, err := c.selectFolder(folder.ServerPath, true); err != nil {
		return nil, err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	section := &imap.BodySectionName{Peek: true}

	ch := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.conn.UidFetch(seqset, []imap.FetchItem{section.FetchItem()}, ch)
	}()

	var raw *imap.Message
	for msg := range ch {
		raw = msg
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("%w: body fetch for UID %d: %v", errs.ErrOperation, uid, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: message UID %d", errs.ErrNotFound, uid)
	}

	literal := raw.GetBody(section)
	if literal == nil {
		return nil, fmt.Errorf("%w: server returned no body for UID %d", errs.ErrOperation, uid)
	}

	env, err := enmime.ReadEnvelope(literal)
	if err != nil {
		return nil, fmt.Errorf("%w: MIME parse for UID %d: %v", errs.ErrOperation, uid, err)
	}

	body := &Body{
		Plain:   env.Text,
		HTML:    env.HTML,
		Preview: previewText(env.Text, env.HTML),
	}
	for _, att := range env.Attachments {
		body.Attachments = append(body.Attachments, BodyAttachment{
			Filename: att.FileName,
			MimeType: att.ContentType,
			Content:  att.Content,
		})
	}
	return body, nil
}

// previewText derives a short single-line preview from the plain body,
// falling back to a crude tag strip of the HTML one.
func previewText(plain, html string) string {
	text := plain
	if text == "" {
		text = stripTags(html)
	}
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > previewLimit {
		text = text[:previewLimit]
	}
	return text
}

func stripTags(html string) string {
	var b strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			b.WriteRune(' ')
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// MarkRead sets or clears the \Seen flag on the server.
func (c *Client) MarkRead(folder types.Folder, uid uint32, read bool) error {
	var op imap.FlagsOp = imap.AddFlags
	if !read {
		op = imap.RemoveFlags
	}
	return c.storeFlags(folder, uid, op, imap.SeenFlag)
}

// DeleteMessage flags the message deleted and expunges the folder.
func (c *Client) DeleteMessage(folder types.Folder, uid uint32) error {
	if err := c.storeFlags(folder, uid, imap.AddFlags, imap.DeletedFlag); err != nil {
		return err
	}
	if err := c.conn.Expunge(nil); err != nil {
		return fmt.Errorf("%w: EXPUNGE: %v", errs.ErrOperation, err)
	}
	return nil
}

// MoveMessage copies the message to the destination folder and removes the
// original. The destination copy receives a new UID that this session never
// sees; the sync pass discovers it on the next pull.
func (c *Client) MoveMessage(srcFolder types.Folder, uid uint32, destPath string) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	if _, _, err := c.selectFolder(srcFolder.ServerPath, false); err != nil {
		return err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	if err := c.conn.UidCopy(seqset, destPath); err != nil {
		return fmt.Errorf("%w: COPY UID %d to %q: %v", errs.ErrOperation, uid, destPath, err)
	}
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.conn.UidStore(seqset, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return fmt.Errorf("%w: flagging moved message deleted: %v", errs.ErrOperation, err)
	}
	if err := c.conn.Expunge(nil); err != nil {
		return fmt.Errorf("%w: EXPUNGE after move: %v", errs.ErrOperation, err)
	}
	return nil
}

func (c *Client) storeFlags(folder types.Folder, uid uint32, op imap.FlagsOp, flag string) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	if _, _, err := c.selectFolder(folder.ServerPath, false); err != nil {
		return err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	item := imap.FormatFlagsOp(op, true)
	if err := c.conn.UidStore(seqset, item, []interface{}{flag}, nil); err != nil {
		return fmt.Errorf("%w: STORE %s on UID %d: %v", errs.ErrOperation, flag, uid, err)
	}
	return nil
}
