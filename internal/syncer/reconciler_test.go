package syncer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailvault/mailvault/internal/errs"
	"github.com/mailvault/mailvault/pkg/types"
)

func TestCreateFolderCachesAfterServerAccepts(t *testing.T) {
	cache := newFakeCache()
	mailbox := newFakeMailbox()

	rec := NewReconciler(testAccount(), mailbox, cache, testLogger())
	folder, err := rec.CreateFolder("Receipts")
	require.NoError(t, err)

	assert.Equal(t, 1, mailbox.createCalls)
	assert.Equal(t, "Receipts", folder.ServerPath)
	assert.NotZero(t, folder.ID)

	cached, err := cache.GetFolder(folder.ID)
	require.NoError(t, err)
	assert.Equal(t, "Receipts", cached.ServerPath)
}

func TestCreateFolderAdoptsExisting(t *testing.T) {
	cache := newFakeCache()
	mailbox := newFakeMailbox()
	mailbox.createErr = fmt.Errorf("%w: CREATE: mailbox already exists", errs.ErrOperation)
	mailbox.folders = []types.Folder{
		{AccountID: 1, Name: "Receipts", ServerPath: "Receipts"},
	}

	rec := NewReconciler(testAccount(), mailbox, cache, testLogger())
	folder, err := rec.CreateFolder("Receipts")
	require.NoError(t, err, "an existing folder is adopted, not an error")
	assert.Equal(t, "Receipts", folder.ServerPath)
	assert.NotZero(t, folder.ID)
}

func TestCreateFolderFailureLeavesCacheUntouched(t *testing.T) {
	cache := newFakeCache()
	mailbox := newFakeMailbox()
	mailbox.createErr = fmt.Errorf("%w: CREATE refused", errs.ErrOperation)

	rec := NewReconciler(testAccount(), mailbox, cache, testLogger())
	_, err := rec.CreateFolder("Receipts")
	assert.ErrorIs(t, err, errs.ErrOperation)

	folders, err := cache.ListFolders(1)
	require.NoError(t, err)
	assert.Empty(t, folders)
}

func TestRenameSystemFolderRejectedBeforeNetwork(t *testing.T) {
	cache := newFakeCache()
	mailbox := newFakeMailbox()
	folder := cache.addFolder(types.Folder{AccountID: 1, Name: "Inbox", ServerPath: "INBOX", IsSystemFolder: true})

	rec := NewReconciler(testAccount(), mailbox, cache, testLogger())
	err := rec.RenameFolder(folder.ID, "NotInbox")
	assert.ErrorIs(t, err, errs.ErrSystemFolder)
	assert.Zero(t, mailbox.renameCalls, "the server must never see the rejected rename")
}

func TestRenameFolderUpdatesCache(t *testing.T) {
	cache := newFakeCache()
	mailbox := newFakeMailbox()
	folder := cache.addFolder(types.Folder{AccountID: 1, Name: "Old", ServerPath: "Old"})

	rec := NewReconciler(testAccount(), mailbox, cache, testLogger())
	require.NoError(t, rec.RenameFolder(folder.ID, "New"))

	assert.Equal(t, 1, mailbox.renameCalls)
	updated, err := cache.GetFolder(folder.ID)
	require.NoError(t, err)
	assert.Equal(t, "New", updated.ServerPath)
	assert.Equal(t, "New", updated.Name)
}

func TestDeleteSystemFolderRejectedBeforeNetwork(t *testing.T) {
	cache := newFakeCache()
	mailbox := newFakeMailbox()
	folder := cache.addFolder(types.Folder{AccountID: 1, Name: "Trash", ServerPath: "[Gmail]/Trash", IsSystemFolder: true})

	rec := NewReconciler(testAccount(), mailbox, cache, testLogger())
	err := rec.DeleteFolder(folder.ID)
	assert.ErrorIs(t, err, errs.ErrSystemFolder)
	assert.Zero(t, mailbox.removeCalls)
}

func TestDeleteFolderDropsCachedMessages(t *testing.T) {
	cache := newFakeCache()
	mailbox := newFakeMailbox()
	folder := cache.addFolder(types.Folder{AccountID: 1, Name: "Old", ServerPath: "Old"})
	msg := cache.addMessage(types.Message{AccountID: 1, FolderID: folder.ID, UIDOnServer: 4})

	rec := NewReconciler(testAccount(), mailbox, cache, testLogger())
	require.NoError(t, rec.DeleteFolder(folder.ID))

	_, err := cache.GetFolder(folder.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = cache.GetMessage(msg.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestMoveMessageLeavesUIDPlaceholder(t *testing.T) {
	cache := newFakeCache()
	mailbox := newFakeMailbox()
	src := cache.addFolder(types.Folder{AccountID: 1, Name: "Inbox", ServerPath: "INBOX", UnreadCount: 1})
	dest := cache.addFolder(types.Folder{AccountID: 1, Name: "Archive", ServerPath: "Archive"})
	msg := cache.addMessage(types.Message{AccountID: 1, FolderID: src.ID, UIDOnServer: 17, Subject: "moving"})

	rec := NewReconciler(testAccount(), mailbox, cache, testLogger())
	require.NoError(t, rec.MoveMessage(msg.ID, dest.ID))

	assert.Equal(t, 1, mailbox.moveCalls)

	row, err := cache.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, dest.ID, row.FolderID)
	assert.False(t, row.HasServerUID(), "the copy's UID is unknown until the next sync")

	srcAfter, err := cache.GetFolder(src.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, srcAfter.UnreadCount)
	destAfter, err := cache.GetFolder(dest.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, destAfter.UnreadCount)
}

func TestMoveMessageWithoutUIDRejected(t *testing.T) {
	cache := newFakeCache()
	mailbox := newFakeMailbox()
	src := cache.addFolder(types.Folder{AccountID: 1, Name: "Inbox", ServerPath: "INBOX"})
	dest := cache.addFolder(types.Folder{AccountID: 1, Name: "Archive", ServerPath: "Archive"})
	msg := cache.addMessage(types.Message{AccountID: 1, FolderID: src.ID, UIDOnServer: 0})

	rec := NewReconciler(testAccount(), mailbox, cache, testLogger())
	err := rec.MoveMessage(msg.ID, dest.ID)
	assert.ErrorIs(t, err, errs.ErrOperation)
	assert.Zero(t, mailbox.moveCalls)
}
