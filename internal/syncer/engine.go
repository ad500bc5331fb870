// Package syncer reconciles the IMAP server's view of an account with the
// local encrypted cache. The server is authoritative: sync pulls state down,
// and every mutating operation goes to the server first, touching the cache
// only after the server accepts it.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mailvault/mailvault/internal/errs"
	"github.com/mailvault/mailvault/internal/imapclient"
	"github.com/mailvault/mailvault/pkg/types"
)

// Mailbox is the remote side of a sync. Satisfied by *imapclient.Client.
type Mailbox interface {
	ListFolders() ([]types.Folder, error)
	FetchHeaders(folder types.Folder, limit int) ([]types.Message, uint32, error)
	FetchBody(folder types.Folder, uid uint32) (*imapclient.Body, error)
	MarkRead(folder types.Folder, uid uint32, read bool) error
	DeleteMessage(folder types.Folder, uid uint32) error
}

// Cache is the local side of a sync. Satisfied by *store.Store.
type Cache interface {
	UpsertFolder(folder types.Folder) (types.Folder, error)
	ListFolders(accountID int64) ([]types.Folder, error)
	GetFolder(id int64) (types.Folder, error)
	ClearFolderMessages(folderID int64) error
	UpsertMessage(msg types.Message) (types.Message, error)
	ListMessages(folderID int64, limit, offset int) ([]types.Message, error)
	GetMessage(id int64) (types.Message, error)
	UpdateMessageBody(id int64, bodyPlain, bodyHTML string) error
	MarkMessageRead(id int64, isRead bool) error
	DeleteMessage(id int64) error
	AddAttachment(att types.Attachment) (types.Attachment, error)
}

// Options tunes sync behavior.
type Options struct {
	// InboxLimit caps how many messages a sync pulls for the inbox.
	InboxLimit int
	// FolderLimit caps the pull for every other folder.
	FolderLimit int
	// AttachmentDir is where fetched attachments are written.
	AttachmentDir string
}

// Progress reports one folder's outcome during a multi-folder sync.
type Progress struct {
	Folder string
	Index  int
	Total  int
	Synced int
	Err    error
}

// Engine drives synchronization for one account. At most one sync runs at a
// time; a second caller gets errs.ErrSyncInProgress instead of queueing.
type Engine struct {
	account types.Account
	mailbox Mailbox
	cache   Cache
	opts    Options
	logger  *logrus.Logger

	mu      sync.Mutex
	syncing bool
}

// New builds a sync engine.
func New(account types.Account, mailbox Mailbox, cache Cache, opts Options, logger *logrus.Logger) *Engine {
	if opts.InboxLimit == 0 {
		opts.InboxLimit = 100
	}
	if opts.FolderLimit == 0 {
		opts.FolderLimit = 50
	}
	return &Engine{
		account: account,
		mailbox: mailbox,
		cache:   cache,
		opts:    opts,
		logger:  logger,
	}
}

// IsSyncing reports whether a sync is currently running. It never blocks on
// the sync itself.
func (e *Engine) IsSyncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing
}

func (e *Engine) beginSync() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.syncing {
		return errs.ErrSyncInProgress
	}
	e.syncing = true
	return nil
}

func (e *Engine) endSync() {
	e.mu.Lock()
	e.syncing = false
	e.mu.Unlock()
}

// SyncAll discovers the account's folders and syncs each in turn, inbox
// first. A folder that fails is reported through progress and skipped; the
// remaining folders still sync. Authentication failures abort the whole run
// since every folder would fail the same way.
func (e *Engine) SyncAll(ctx context.Context, progress func(Progress)) error {
	if err := e.beginSync(); err != nil {
		return err
	}
	defer e.endSync()

	folders, err := e.refreshFolderList()
	if err != nil {
		return err
	}
	return e.syncFolders(ctx, folders, progress)
}

// SyncCached re-syncs the folders already known to the cache without
// re-listing the server. When nothing is cached yet it falls back to a full
// SyncAll.
func (e *Engine) SyncCached(ctx context.Context, progress func(Progress)) error {
	cached, err := e.cache.ListFolders(e.account.ID)
	if err != nil {
		return err
	}
	if len(cached) == 0 {
		return e.SyncAll(ctx, progress)
	}

	if err := e.beginSync(); err != nil {
		return err
	}
	defer e.endSync()
	return e.syncFolders(ctx, cached, progress)
}

func (e *Engine) syncFolders(ctx context.Context, folders []types.Folder, progress func(Progress)) error {
	for i, folder := range folders {
		if err := ctx.Err(); err != nil {
			return err
		}

		limit := e.opts.FolderLimit
		if isInbox(folder) {
			limit = e.opts.InboxLimit
		}

		synced, err := e.syncFolderLocked(folder, limit)
		if err != nil {
			if errors.Is(err, errs.ErrAuthentication) || errors.Is(err, errs.ErrTokenRefresh) {
				return err
			}
			e.logger.WithError(err).WithField("folder", folder.ServerPath).Warn("Folder sync failed, continuing")
		}
		if progress != nil {
			progress(Progress{Folder: folder.Name, Index: i + 1, Total: len(folders), Synced: synced, Err: err})
		}
	}

	e.logger.WithFields(logrus.Fields{
		"account": e.account.EmailAddress,
		"folders": len(folders),
	}).Info("Account sync complete")
	return nil
}

// SyncFolder syncs a single cached folder by ID.
func (e *Engine) SyncFolder(ctx context.Context, folderID int64) (int, error) {
	if err := e.beginSync(); err != nil {
		return 0, err
	}
	defer e.endSync()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	folder, err := e.cache.GetFolder(folderID)
	if err != nil {
		return 0, err
	}

	limit := e.opts.FolderLimit
	if isInbox(folder) {
		limit = e.opts.InboxLimit
	}
	return e.syncFolderLocked(folder, limit)
}

// RunPeriodic syncs the account on a fixed interval until the context is
// canceled. An overlapping manual sync just skips the tick.
func (e *Engine) RunPeriodic(ctx context.Context, interval time.Duration, progress func(Progress)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := e.SyncCached(ctx, progress)
			switch {
			case err == nil:
			case errors.Is(err, errs.ErrSyncInProgress):
				e.logger.Debug("Skipping periodic sync, another sync is running")
			case errors.Is(err, context.Canceled):
				return
			default:
				e.logger.WithError(err).Warn("Periodic sync failed")
			}
		}
	}
}

// refreshFolderList pulls the server's folder list and merges it into the
// cache, carrying over per-folder state the listing does not know about.
func (e *Engine) refreshFolderList() ([]types.Folder, error) {
	remote, err := e.mailbox.ListFolders()
	if err != nil {
		return nil, err
	}

	cached, err := e.cache.ListFolders(e.account.ID)
	if err != nil {
		return nil, err
	}
	byPath := make(map[string]types.Folder, len(cached))
	for _, f := range cached {
		byPath[f.ServerPath] = f
	}

	out := make([]types.Folder, 0, len(remote))
	for _, folder := range remote {
		if prev, ok := byPath[folder.ServerPath]; ok {
			folder.UnreadCount = prev.UnreadCount
			folder.UIDValidity = prev.UIDValidity
		}
		saved, err := e.cache.UpsertFolder(folder)
		if err != nil {
			return nil, err
		}
		out = append(out, saved)
	}
	return out, nil
}

// syncFolderLocked reconciles one folder. Callers must hold the sync gate.
//
// The reconciliation treats the fetched window as the server's truth for the
// UID range it covers: cached rows inside the window that the server no
// longer lists get the deleted flag added, rows below the window floor are
// left alone, and placeholder rows awaiting a post-move UID are matched back
// to server rows by content.
func (e *Engine) syncFolderLocked(folder types.Folder, limit int) (int, error) {
	remote, uidValidity, err := e.mailbox.FetchHeaders(folder, limit)
	if err != nil {
		return 0, err
	}

	if folder.UIDValidity != 0 && uidValidity != 0 && uidValidity != folder.UIDValidity {
		e.logger.WithFields(logrus.Fields{
			"folder": folder.ServerPath,
			"old":    folder.UIDValidity,
			"new":    uidValidity,
		}).Warn("UIDVALIDITY changed, invalidating cached messages")
		if err := e.cache.ClearFolderMessages(folder.ID); err != nil {
			return 0, err
		}
	}
	if uidValidity != 0 && uidValidity != folder.UIDValidity {
		folder.UIDValidity = uidValidity
		if folder, err = e.cache.UpsertFolder(folder); err != nil {
			return 0, err
		}
	}

	cached, err := e.cache.ListMessages(folder.ID, -1, 0)
	if err != nil {
		return 0, err
	}

	remoteByUID := make(map[uint32]types.Message, len(remote))
	var windowFloor uint32
	for _, msg := range remote {
		remoteByUID[msg.UIDOnServer] = msg
		if windowFloor == 0 || msg.UIDOnServer < windowFloor {
			windowFloor = msg.UIDOnServer
		}
	}
	// A short fetch means the window covered the whole mailbox, so every
	// cached UID is inside it.
	if len(remote) < limit {
		windowFloor = 0
	}

	claimed := make(map[uint32]bool, len(remote))
	synced := 0

	for _, row := range cached {
		switch {
		case !row.HasServerUID():
			if adopted, ok := e.adoptPlaceholder(row, remote, claimed); ok {
				if _, err := e.cache.UpsertMessage(adopted); err != nil {
					return synced, err
				}
				claimed[adopted.UIDOnServer] = true
				synced++
			}

		case inRemote(remoteByUID, row.UIDOnServer):
			merged := mergeMessage(row, remoteByUID[row.UIDOnServer])
			if _, err := e.cache.UpsertMessage(merged); err != nil {
				return synced, err
			}
			claimed[row.UIDOnServer] = true
			synced++

		case row.UIDOnServer >= windowFloor && !row.HasFlag(types.FlagDeleted):
			// Gone from the server within the window: mark, never remove.
			row.SetFlag(types.FlagDeleted)
			if _, err := e.cache.UpsertMessage(row); err != nil {
				return synced, err
			}
		}
	}

	for _, msg := range remote {
		if claimed[msg.UIDOnServer] {
			continue
		}
		if _, err := e.cache.UpsertMessage(msg); err != nil {
			return synced, err
		}
		synced++
	}

	if err := e.updateUnreadCount(folder); err != nil {
		return synced, err
	}

	e.logger.WithFields(logrus.Fields{
		"folder": folder.ServerPath,
		"synced": synced,
	}).Debug("Folder reconciled")
	return synced, nil
}

// adoptPlaceholder matches a cached row that lost its UID in a cross-folder
// move against the server's listing by content identity. On a match the row
// keeps its ID and takes the server's UID.
func (e *Engine) adoptPlaceholder(row types.Message, remote []types.Message, claimed map[uint32]bool) (types.Message, bool) {
	for _, msg := range remote {
		if claimed[msg.UIDOnServer] {
			continue
		}
		if sameContent(row, msg) {
			merged := mergeMessage(row, msg)
			e.logger.WithFields(logrus.Fields{
				"message": row.ID,
				"uid":     msg.UIDOnServer,
			}).Debug("Matched moved message to its new UID")
			return merged, true
		}
	}
	return types.Message{}, false
}

// sameContent is the identity check for rows whose UID is unknown: sender,
// subject and sent time together identify a message across a move.
func sameContent(a, b types.Message) bool {
	if a.Subject != b.Subject || a.Sender != b.Sender {
		return false
	}
	switch {
	case a.SentAt == nil && b.SentAt == nil:
		return true
	case a.SentAt == nil || b.SentAt == nil:
		return false
	default:
		return a.SentAt.Equal(*b.SentAt)
	}
}

// mergeMessage combines a cached row with the server's version of the same
// message. The row ID and locally derived fields survive; flags are unioned
// and read state is sticky so a local mark-as-read is not lost to a stale
// server listing.
func mergeMessage(cached, remote types.Message) types.Message {
	merged := remote
	merged.ID = cached.ID
	merged.FolderID = cached.FolderID
	merged.AccountID = cached.AccountID
	merged.IsRead = cached.IsRead || remote.IsRead
	if merged.PreviewText == "" {
		merged.PreviewText = cached.PreviewText
	}
	if merged.Flags == nil {
		merged.Flags = map[string]bool{}
	}
	for flag, set := range cached.Flags {
		if set && flag != types.FlagDeleted {
			merged.Flags[flag] = true
		}
	}
	if merged.IsRead {
		merged.Flags[types.FlagSeen] = true
	}
	return merged
}

func inRemote(remoteByUID map[uint32]types.Message, uid uint32) bool {
	_, ok := remoteByUID[uid]
	return ok
}

// updateUnreadCount recomputes the folder's unread total from the cache,
// ignoring rows flagged deleted.
func (e *Engine) updateUnreadCount(folder types.Folder) error {
	rows, err := e.cache.ListMessages(folder.ID, -1, 0)
	if err != nil {
		return err
	}
	unread := 0
	for _, row := range rows {
		if !row.IsRead && !row.HasFlag(types.FlagDeleted) {
			unread++
		}
	}
	folder.UnreadCount = unread
	_, err = e.cache.UpsertFolder(folder)
	return err
}

// FetchBody ensures a message's body is cached and returns the message with
// bodies populated. The network is hit at most once per message, empty bodies
// included; later calls are served from the cache.
func (e *Engine) FetchBody(ctx context.Context, messageID int64) (types.Message, error) {
	msg, err := e.cache.GetMessage(messageID)
	if err != nil {
		return types.Message{}, err
	}
	if msg.BodyFetched {
		return msg, nil
	}
	if !msg.HasServerUID() {
		return types.Message{}, fmt.Errorf("%w: message %d has no server UID yet", errs.ErrOperation, messageID)
	}
	if err := ctx.Err(); err != nil {
		return types.Message{}, err
	}

	folder, err := e.cache.GetFolder(msg.FolderID)
	if err != nil {
		return types.Message{}, err
	}

	body, err := e.mailbox.FetchBody(folder, msg.UIDOnServer)
	if err != nil {
		return types.Message{}, err
	}

	if err := e.cache.UpdateMessageBody(messageID, body.Plain, body.HTML); err != nil {
		return types.Message{}, err
	}
	if body.Preview != "" && msg.PreviewText == "" {
		msg.PreviewText = body.Preview
		if msg, err = e.cache.UpsertMessage(msg); err != nil {
			return types.Message{}, err
		}
	}
	if err := e.saveAttachments(messageID, body.Attachments); err != nil {
		e.logger.WithError(err).WithField("message", messageID).Warn("Failed to store attachments")
	}

	return e.cache.GetMessage(messageID)
}

func (e *Engine) saveAttachments(messageID int64, attachments []imapclient.BodyAttachment) error {
	if len(attachments) == 0 {
		return nil
	}
	dir := filepath.Join(e.opts.AttachmentDir, fmt.Sprintf("%d", messageID))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	for _, att := range attachments {
		name := filepath.Base(att.Filename)
		if name == "" || name == "." || name == "/" {
			name = "attachment"
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, att.Content, 0o600); err != nil {
			return err
		}
		if _, err := e.cache.AddAttachment(types.Attachment{
			MessageID: messageID,
			Filename:  name,
			MimeType:  att.MimeType,
			SizeBytes: int64(len(att.Content)),
			LocalPath: path,
		}); err != nil {
			return err
		}
	}
	return nil
}

// MarkMessageRead pushes a read-state change to the server, then mirrors it
// in the cache and the folder's unread count.
func (e *Engine) MarkMessageRead(messageID int64, isRead bool) error {
	msg, err := e.cache.GetMessage(messageID)
	if err != nil {
		return err
	}
	if msg.IsRead == isRead {
		return nil
	}
	folder, err := e.cache.GetFolder(msg.FolderID)
	if err != nil {
		return err
	}

	if msg.HasServerUID() {
		if err := e.mailbox.MarkRead(folder, msg.UIDOnServer, isRead); err != nil {
			return err
		}
	}
	if err := e.cache.MarkMessageRead(messageID, isRead); err != nil {
		return err
	}

	if isRead {
		folder.DecrementUnread()
	} else {
		folder.IncrementUnread()
	}
	_, err = e.cache.UpsertFolder(folder)
	return err
}

// DeleteMessage removes a message on the server and drops the cached row.
// Sync soft-deletes; an explicit delete is the one path that hard-removes.
func (e *Engine) DeleteMessage(messageID int64) error {
	msg, err := e.cache.GetMessage(messageID)
	if err != nil {
		return err
	}
	folder, err := e.cache.GetFolder(msg.FolderID)
	if err != nil {
		return err
	}

	if msg.HasServerUID() {
		if err := e.mailbox.DeleteMessage(folder, msg.UIDOnServer); err != nil {
			return err
		}
	}
	if err := e.cache.DeleteMessage(messageID); err != nil {
		return err
	}

	if !msg.IsRead {
		folder.DecrementUnread()
		if _, err := e.cache.UpsertFolder(folder); err != nil {
			return err
		}
	}
	return nil
}

func isInbox(f types.Folder) bool {
	return f.ServerPath == "INBOX" || f.Name == "Inbox"
}
