package syncer

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mailvault/mailvault/internal/errs"
	"github.com/mailvault/mailvault/internal/imapclient"
	"github.com/mailvault/mailvault/pkg/types"
)

// FolderRemote is the server surface the reconciler mutates. Satisfied by
// *imapclient.Client.
type FolderRemote interface {
	ListFolders() ([]types.Folder, error)
	CreateFolder(serverPath string) error
	RenameFolder(oldPath, newPath string) error
	DeleteFolder(serverPath string) error
	MoveMessage(src types.Folder, uid uint32, destPath string) error
}

// FolderCache is the cache surface the reconciler mirrors into. Satisfied by
// *store.Store.
type FolderCache interface {
	UpsertFolder(folder types.Folder) (types.Folder, error)
	GetFolder(id int64) (types.Folder, error)
	RenameFolder(id int64, name, serverPath string) error
	DeleteFolder(id int64) error
	GetMessage(id int64) (types.Message, error)
	UpsertMessage(msg types.Message) (types.Message, error)
}

// Reconciler applies folder and move operations remote-first: the server
// mutation happens before any cache write, so a server rejection leaves the
// cache untouched.
type Reconciler struct {
	account types.Account
	remote  FolderRemote
	cache   FolderCache
	logger  *logrus.Logger
}

// NewReconciler builds a folder reconciler for one account.
func NewReconciler(account types.Account, remote FolderRemote, cache FolderCache, logger *logrus.Logger) *Reconciler {
	return &Reconciler{account: account, remote: remote, cache: cache, logger: logger}
}

// CreateFolder creates a folder on the server and caches it. Creation is
// idempotent: when the server reports the folder already exists, the existing
// one is adopted from a fresh listing instead of failing.
func (r *Reconciler) CreateFolder(serverPath string) (types.Folder, error) {
	if err := r.remote.CreateFolder(serverPath); err != nil {
		adopted, ok := r.adoptExisting(serverPath)
		if !ok {
			return types.Folder{}, err
		}
		r.logger.WithField("folder", serverPath).Debug("Folder already existed on server, adopting")
		return r.cache.UpsertFolder(adopted)
	}

	return r.cache.UpsertFolder(types.Folder{
		AccountID:      r.account.ID,
		Name:           imapclient.DisplayName(serverPath),
		ServerPath:     serverPath,
		IsSystemFolder: imapclient.IsSystemFolder(serverPath),
	})
}

// adoptExisting re-lists the server's folders looking for the path a failed
// CREATE claimed was taken.
func (r *Reconciler) adoptExisting(serverPath string) (types.Folder, bool) {
	listed, err := r.remote.ListFolders()
	if err != nil {
		return types.Folder{}, false
	}
	for _, f := range listed {
		if strings.EqualFold(f.ServerPath, serverPath) {
			return f, true
		}
	}
	return types.Folder{}, false
}

// RenameFolder renames a folder on the server, then in the cache. System
// folders are rejected before any network traffic.
func (r *Reconciler) RenameFolder(folderID int64, newPath string) error {
	folder, err := r.cache.GetFolder(folderID)
	if err != nil {
		return err
	}
	if folder.IsSystemFolder {
		return fmt.Errorf("%w: cannot rename %q", errs.ErrSystemFolder, folder.Name)
	}

	if err := r.remote.RenameFolder(folder.ServerPath, newPath); err != nil {
		return err
	}
	return r.cache.RenameFolder(folderID, imapclient.DisplayName(newPath), newPath)
}

// DeleteFolder deletes a folder on the server, then drops it and its cached
// messages. System folders are rejected before any network traffic.
func (r *Reconciler) DeleteFolder(folderID int64) error {
	folder, err := r.cache.GetFolder(folderID)
	if err != nil {
		return err
	}
	if folder.IsSystemFolder {
		return fmt.Errorf("%w: cannot delete %q", errs.ErrSystemFolder, folder.Name)
	}

	if err := r.remote.DeleteFolder(folder.ServerPath); err != nil {
		return err
	}
	return r.cache.DeleteFolder(folderID)
}

// MoveMessage moves a message to another folder on the server and repoints
// the cached row. The server assigns the copy a UID this session never sees,
// so the row's UID drops to zero until the next sync of the destination
// folder matches it back by content.
func (r *Reconciler) MoveMessage(messageID, destFolderID int64) error {
	msg, err := r.cache.GetMessage(messageID)
	if err != nil {
		return err
	}
	if !msg.HasServerUID() {
		return fmt.Errorf("%w: message %d has no server UID yet", errs.ErrOperation, messageID)
	}
	src, err := r.cache.GetFolder(msg.FolderID)
	if err != nil {
		return err
	}
	dest, err := r.cache.GetFolder(destFolderID)
	if err != nil {
		return err
	}
	if src.ID == dest.ID {
		return nil
	}

	if err := r.remote.MoveMessage(src, msg.UIDOnServer, dest.ServerPath); err != nil {
		return err
	}

	msg.FolderID = dest.ID
	msg.UIDOnServer = 0
	if _, err := r.cache.UpsertMessage(msg); err != nil {
		return err
	}

	if !msg.IsRead {
		src.DecrementUnread()
		dest.IncrementUnread()
		if _, err := r.cache.UpsertFolder(src); err != nil {
			return err
		}
		if _, err := r.cache.UpsertFolder(dest); err != nil {
			return err
		}
	}

	r.logger.WithFields(logrus.Fields{
		"message": messageID,
		"from":    src.ServerPath,
		"to":      dest.ServerPath,
	}).Info("Moved message")
	return nil
}
