package store

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailvault/mailvault/internal/crypto"
	"github.com/mailvault/mailvault/internal/errs"
	"github.com/mailvault/mailvault/pkg/types"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	dir := t.TempDir()
	cipher, err := crypto.NewCipher(filepath.Join(dir, "secret.key"), logger)
	require.NoError(t, err)

	s, err := Open(filepath.Join(dir, "cache.db"), cipher, logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedAccount(t *testing.T, s *Store) types.Account {
	t.Helper()
	acct, err := s.CreatePasswordAccount("custom", "user@example.com", "hunter2", "User", "imap.example.com", "smtp.example.com")
	require.NoError(t, err)
	return acct
}

func seedFolder(t *testing.T, s *Store, accountID int64, path string) types.Folder {
	t.Helper()
	folder, err := s.UpsertFolder(types.Folder{AccountID: accountID, Name: path, ServerPath: path})
	require.NoError(t, err)
	return folder
}

func TestFirstAccountBecomesDefault(t *testing.T) {
	s := testStore(t)

	first := seedAccount(t, s)
	assert.True(t, first.IsDefault)

	second, err := s.CreatePasswordAccount("gmail", "other@gmail.com", "pw", "", "", "")
	require.NoError(t, err)
	assert.False(t, second.IsDefault)
	assert.Equal(t, "imap.gmail.com", second.IMAPHost, "known providers fill in their hosts")

	got, err := s.GetDefaultAccount()
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestDuplicateAccountRejected(t *testing.T) {
	s := testStore(t)
	seedAccount(t, s)

	_, err := s.CreatePasswordAccount("custom", "user@example.com", "pw", "", "h", "h")
	assert.ErrorIs(t, err, errs.ErrAccountExists)
}

func TestDeleteDefaultAccountPromotesNext(t *testing.T) {
	s := testStore(t)
	first := seedAccount(t, s)
	second, err := s.CreatePasswordAccount("gmail", "other@gmail.com", "pw", "", "", "")
	require.NoError(t, err)

	require.NoError(t, s.DeleteAccount(first.ID))

	got, err := s.GetDefaultAccount()
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}

func TestTokenBundleRoundTrip(t *testing.T) {
	s := testStore(t)
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	acct, err := s.CreateOAuthAccount("gmail", "oauth@gmail.com", "OAuth User", types.TokenBundle{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    expires,
	})
	require.NoError(t, err)

	bundle, err := s.TokenBundle(acct.ID)
	require.NoError(t, err)
	require.NotNil(t, bundle)
	assert.Equal(t, "access", bundle.AccessToken)
	assert.Equal(t, "refresh", bundle.RefreshToken)
	assert.True(t, expires.Equal(bundle.ExpiresAt))

	// The credential column must not hold the token in the clear.
	blob, _, err := s.credential(acct.ID)
	require.NoError(t, err)
	assert.NotContains(t, blob, "access")
}

func TestPasswordRoundTrip(t *testing.T) {
	s := testStore(t)
	acct := seedAccount(t, s)

	pw, err := s.Password(acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", pw)
}

func TestUpsertFolderPreservesID(t *testing.T) {
	s := testStore(t)
	acct := seedAccount(t, s)

	folder := seedFolder(t, s, acct.ID, "INBOX")
	again, err := s.UpsertFolder(types.Folder{AccountID: acct.ID, Name: "Inbox", ServerPath: "INBOX", UnreadCount: 3})
	require.NoError(t, err)

	assert.Equal(t, folder.ID, again.ID)
	got, err := s.GetFolder(folder.ID)
	require.NoError(t, err)
	assert.Equal(t, "Inbox", got.Name)
	assert.Equal(t, 3, got.UnreadCount)
}

func TestUpsertMessagePreservesIdentity(t *testing.T) {
	s := testStore(t)
	acct := seedAccount(t, s)
	folder := seedFolder(t, s, acct.ID, "INBOX")

	sent := time.Now().UTC().Truncate(time.Second)
	msg, err := s.UpsertMessage(types.Message{
		AccountID: acct.ID, FolderID: folder.ID, UIDOnServer: 7,
		Sender: "alice@example.com", Subject: "v1", SentAt: &sent,
	})
	require.NoError(t, err)

	updated, err := s.UpsertMessage(types.Message{
		AccountID: acct.ID, FolderID: folder.ID, UIDOnServer: 7,
		Sender: "alice@example.com", Subject: "v2", SentAt: &sent, IsRead: true,
	})
	require.NoError(t, err)
	assert.Equal(t, msg.ID, updated.ID, "same identity key updates in place")

	rows, err := s.ListMessages(folder.ID, -1, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "v2", rows[0].Subject)
	assert.True(t, rows[0].IsRead)
}

func TestMultiplePlaceholderRowsAllowed(t *testing.T) {
	s := testStore(t)
	acct := seedAccount(t, s)
	folder := seedFolder(t, s, acct.ID, "Archive")

	a, err := s.UpsertMessage(types.Message{AccountID: acct.ID, FolderID: folder.ID, UIDOnServer: 0, Subject: "first move"})
	require.NoError(t, err)
	b, err := s.UpsertMessage(types.Message{AccountID: acct.ID, FolderID: folder.ID, UIDOnServer: 0, Subject: "second move"})
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID, "pending moves must coexist")

	rows, err := s.ListMessages(folder.ID, -1, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestMessageBodyEncryptedAtRest(t *testing.T) {
	s := testStore(t)
	acct := seedAccount(t, s)
	folder := seedFolder(t, s, acct.ID, "INBOX")
	msg, err := s.UpsertMessage(types.Message{AccountID: acct.ID, FolderID: folder.ID, UIDOnServer: 1, Subject: "s"})
	require.NoError(t, err)

	require.NoError(t, s.UpdateMessageBody(msg.ID, "plain secret", "<p>html secret</p>"))

	var stored string
	require.NoError(t, s.db.QueryRow("SELECT body_plain FROM messages WHERE id = ?", msg.ID).Scan(&stored))
	assert.NotContains(t, stored, "plain secret")

	got, err := s.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "plain secret", got.BodyPlain)
	assert.Equal(t, "<p>html secret</p>", got.BodyHTML)
}

func TestUpdateMessageBodyMarksFetched(t *testing.T) {
	s := testStore(t)
	acct := seedAccount(t, s)
	folder := seedFolder(t, s, acct.ID, "INBOX")
	msg, err := s.UpsertMessage(types.Message{AccountID: acct.ID, FolderID: folder.ID, UIDOnServer: 1})
	require.NoError(t, err)

	got, err := s.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.False(t, got.BodyFetched)

	// An empty body still marks the row fetched.
	require.NoError(t, s.UpdateMessageBody(msg.ID, "", ""))

	got, err = s.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.True(t, got.BodyFetched)
	assert.Empty(t, got.BodyPlain)
	assert.Empty(t, got.BodyHTML)
}

func TestSearchMessages(t *testing.T) {
	s := testStore(t)
	acct := seedAccount(t, s)
	inbox := seedFolder(t, s, acct.ID, "INBOX")
	archive := seedFolder(t, s, acct.ID, "Archive")

	received := time.Now().UTC().Truncate(time.Second)
	seed := func(folderID int64, uid uint32, sender, subject, preview string, read bool) types.Message {
		t.Helper()
		at := received.Add(-time.Duration(uid) * time.Minute)
		msg, err := s.UpsertMessage(types.Message{
			AccountID: acct.ID, FolderID: folderID, UIDOnServer: uid,
			Sender: sender, Subject: subject, PreviewText: preview,
			ReceivedAt: &at, IsRead: read,
		})
		require.NoError(t, err)
		return msg
	}

	budget := seed(inbox.ID, 1, "alice@example.com", "Budget review", "numbers attached", true)
	standup := seed(inbox.ID, 2, "bob@example.com", "Standup notes", "we discussed the budget", false)
	archived := seed(archive.ID, 3, "alice@example.com", "Old thread", "nothing here", false)

	rows, err := s.SearchMessages(SearchOptions{AccountID: acct.ID, Query: "budget"})
	require.NoError(t, err)
	require.Len(t, rows, 2, "query matches subject and preview text")
	assert.Equal(t, budget.ID, rows[0].ID, "newest first")
	assert.Equal(t, standup.ID, rows[1].ID)

	rows, err = s.SearchMessages(SearchOptions{Query: "alice"})
	require.NoError(t, err)
	assert.Len(t, rows, 2, "sender matches too")

	rows, err = s.SearchMessages(SearchOptions{FolderID: archive.ID})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, archived.ID, rows[0].ID)

	rows, err = s.SearchMessages(SearchOptions{AccountID: acct.ID, Query: "budget", ReadState: ReadStateUnread})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, standup.ID, rows[0].ID)

	rows, err = s.SearchMessages(SearchOptions{AccountID: acct.ID, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	rows, err = s.SearchMessages(SearchOptions{Query: "no such thing"})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestMarkMessageReadTracksSeenFlag(t *testing.T) {
	s := testStore(t)
	acct := seedAccount(t, s)
	folder := seedFolder(t, s, acct.ID, "INBOX")
	msg, err := s.UpsertMessage(types.Message{AccountID: acct.ID, FolderID: folder.ID, UIDOnServer: 1})
	require.NoError(t, err)

	require.NoError(t, s.MarkMessageRead(msg.ID, true))
	got, err := s.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.True(t, got.IsRead)
	assert.True(t, got.HasFlag(types.FlagSeen))

	require.NoError(t, s.MarkMessageRead(msg.ID, false))
	got, err = s.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.False(t, got.IsRead)
	assert.False(t, got.HasFlag(types.FlagSeen))
}

func TestDeleteMessageCascadesAttachments(t *testing.T) {
	s := testStore(t)
	acct := seedAccount(t, s)
	folder := seedFolder(t, s, acct.ID, "INBOX")
	msg, err := s.UpsertMessage(types.Message{AccountID: acct.ID, FolderID: folder.ID, UIDOnServer: 1})
	require.NoError(t, err)

	_, err = s.AddAttachment(types.Attachment{MessageID: msg.ID, Filename: "report.pdf", MimeType: "application/pdf", SizeBytes: 9})
	require.NoError(t, err)

	require.NoError(t, s.DeleteMessage(msg.ID))

	atts, err := s.ListAttachments(msg.ID)
	require.NoError(t, err)
	assert.Empty(t, atts)
}

func TestClearFolderMessages(t *testing.T) {
	s := testStore(t)
	acct := seedAccount(t, s)
	folder := seedFolder(t, s, acct.ID, "INBOX")
	_, err := s.UpsertMessage(types.Message{AccountID: acct.ID, FolderID: folder.ID, UIDOnServer: 1})
	require.NoError(t, err)

	require.NoError(t, s.ClearFolderMessages(folder.ID))

	rows, err := s.ListMessages(folder.ID, -1, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSettingsRoundTrip(t *testing.T) {
	s := testStore(t)

	_, err := s.Setting("theme")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, s.SetSetting("theme", "dark"))
	require.NoError(t, s.SetSetting("theme", "light"))

	got, err := s.Setting("theme")
	require.NoError(t, err)
	assert.Equal(t, "light", got)
}
