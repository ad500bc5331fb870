package imapclient

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mailvault/mailvault/pkg/types"
)

func folderFromPath(path string) types.Folder {
	return types.Folder{Name: DisplayName(path), ServerPath: path, IsSystemFolder: IsSystemFolder(path)}
}

func TestDisplayName(t *testing.T) {
	cases := map[string]string{
		"INBOX":             "Inbox",
		"[Gmail]/Sent Mail": "Sent",
		"[Gmail]/Trash":     "Trash",
		"Deleted Items":     "Trash",
		"Junk Email":        "Spam",
		"Receipts":          "Receipts",
		"Work/Projects":     "Projects",
	}
	for path, want := range cases {
		assert.Equal(t, want, DisplayName(path), "path %q", path)
	}
}

func TestDisplayNameDecodesEncodedNames(t *testing.T) {
	cases := map[string]string{
		"&BB8EQAQ4BDIENQRC-":           "Привет",
		"Entw&APw-rfe":                 "Entwürfe",
		"Work/&BCAEMAQxBD4EQgQw-":      "Работа",
		"=?utf-8?q?Entw=C3=BCrfe?=":    "Entwürfe",
		"=?UTF-8?B?0J/RgNC40LLQtdGC?=": "Привет",
	}
	for path, want := range cases {
		assert.Equal(t, want, DisplayName(path), "path %q", path)
	}
}

func TestDecodeMailboxNameLeavesPlainNamesAlone(t *testing.T) {
	for _, name := range []string{"INBOX", "Receipts", "Work/Projects", "A&B"} {
		assert.Equal(t, name, decodeMailboxName(name), "name %q", name)
	}
}

func TestIsSystemFolder(t *testing.T) {
	system := []string{"INBOX", "[Gmail]/Sent Mail", "Sent Items", "[Gmail]/Trash", "Deleted Items", "Junk", "Spam", "[Gmail]/Drafts"}
	for _, path := range system {
		assert.True(t, IsSystemFolder(path), "path %q", path)
	}

	custom := []string{"Receipts", "Work/Projects", "Family"}
	for _, path := range custom {
		assert.False(t, IsSystemFolder(path), "path %q", path)
	}
}

func TestSelectCandidates(t *testing.T) {
	got := selectCandidates("Sent")
	assert.Equal(t, "Sent", got[0], "the exact path is always tried first")
	assert.Contains(t, got, "[Gmail]/Sent Mail")
	assert.Contains(t, got, "Sent Items")

	got = selectCandidates("Receipts")
	assert.Equal(t, []string{"Receipts"}, got, "custom folders have no alternates")
}

func TestFolderRankOrdersInboxFirst(t *testing.T) {
	folders := []string{}
	for _, path := range []string{"Receipts", "[Gmail]/Sent Mail", "INBOX"} {
		folders = append(folders, folderRank(folderFromPath(path)))
	}
	assert.Less(t, folders[2], folders[1], "inbox ranks before system folders")
	assert.Less(t, folders[1], folders[0], "system folders rank before custom ones")
}
