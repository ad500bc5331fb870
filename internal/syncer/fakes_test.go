package syncer

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mailvault/mailvault/internal/errs"
	"github.com/mailvault/mailvault/internal/imapclient"
	"github.com/mailvault/mailvault/pkg/types"
)

// fakeCache is an in-memory Cache and FolderCache for engine tests.
type fakeCache struct {
	mu       sync.Mutex
	folders  map[int64]types.Folder
	messages map[int64]types.Message
	bodies   map[int64][2]string
	attached []types.Attachment
	nextID   int64
	cleared  []int64
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		folders:  make(map[int64]types.Folder),
		messages: make(map[int64]types.Message),
		bodies:   make(map[int64][2]string),
		nextID:   1000,
	}
}

func (c *fakeCache) addFolder(f types.Folder) types.Folder {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.ID == 0 {
		c.nextID++
		f.ID = c.nextID
	}
	c.folders[f.ID] = f
	return f
}

func (c *fakeCache) addMessage(m types.Message) types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m.ID == 0 {
		c.nextID++
		m.ID = c.nextID
	}
	c.messages[m.ID] = m
	return m
}

func (c *fakeCache) UpsertFolder(folder types.Folder) (types.Folder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, f := range c.folders {
		if f.AccountID == folder.AccountID && f.ServerPath == folder.ServerPath {
			folder.ID = id
			c.folders[id] = folder
			return folder, nil
		}
	}
	c.nextID++
	folder.ID = c.nextID
	c.folders[folder.ID] = folder
	return folder, nil
}

func (c *fakeCache) ListFolders(accountID int64) ([]types.Folder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []types.Folder
	for _, f := range c.folders {
		if f.AccountID == accountID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *fakeCache) GetFolder(id int64) (types.Folder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.folders[id]
	if !ok {
		return types.Folder{}, fmt.Errorf("%w: folder", errs.ErrNotFound)
	}
	return f, nil
}

func (c *fakeCache) RenameFolder(id int64, name, serverPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.folders[id]
	if !ok {
		return fmt.Errorf("%w: folder", errs.ErrNotFound)
	}
	f.Name = name
	f.ServerPath = serverPath
	c.folders[id] = f
	return nil
}

func (c *fakeCache) DeleteFolder(id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.folders, id)
	for mid, m := range c.messages {
		if m.FolderID == id {
			delete(c.messages, mid)
		}
	}
	return nil
}

func (c *fakeCache) ClearFolderMessages(folderID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleared = append(c.cleared, folderID)
	for id, m := range c.messages {
		if m.FolderID == folderID {
			delete(c.messages, id)
		}
	}
	return nil
}

func (c *fakeCache) UpsertMessage(msg types.Message) (types.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.ID != 0 {
		c.messages[msg.ID] = msg
		return msg, nil
	}
	if msg.UIDOnServer > 0 {
		for id, m := range c.messages {
			if m.AccountID == msg.AccountID && m.FolderID == msg.FolderID && m.UIDOnServer == msg.UIDOnServer {
				msg.ID = id
				c.messages[id] = msg
				return msg, nil
			}
		}
	}
	c.nextID++
	msg.ID = c.nextID
	c.messages[msg.ID] = msg
	return msg, nil
}

func (c *fakeCache) ListMessages(folderID int64, limit, offset int) ([]types.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []types.Message
	for _, m := range c.messages {
		if m.FolderID == folderID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *fakeCache) GetMessage(id int64) (types.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.messages[id]
	if !ok {
		return types.Message{}, fmt.Errorf("%w: message", errs.ErrNotFound)
	}
	if body, ok := c.bodies[id]; ok {
		m.BodyPlain, m.BodyHTML = body[0], body[1]
		m.BodyFetched = true
	}
	return m, nil
}

func (c *fakeCache) UpdateMessageBody(id int64, bodyPlain, bodyHTML string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bodies[id] = [2]string{bodyPlain, bodyHTML}
	return nil
}

func (c *fakeCache) MarkMessageRead(id int64, isRead bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.messages[id]
	if !ok {
		return fmt.Errorf("%w: message", errs.ErrNotFound)
	}
	if isRead {
		m.MarkRead()
	} else {
		m.MarkUnread()
	}
	c.messages[id] = m
	return nil
}

func (c *fakeCache) DeleteMessage(id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.messages, id)
	return nil
}

func (c *fakeCache) AddAttachment(att types.Attachment) (types.Attachment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	att.ID = c.nextID
	c.attached = append(c.attached, att)
	return att, nil
}

// fakeMailbox is a scriptable Mailbox and FolderRemote.
type fakeMailbox struct {
	mu sync.Mutex

	folders     []types.Folder
	headers     map[string][]types.Message
	uidValidity uint32
	body        *imapclient.Body

	listErr     error
	fetchErr    error
	fetchErrFor map[string]error
	bodyErr     error
	markErr     error
	createErr   error

	fetchGate chan struct{}

	listCalls         int
	fetchHeadersCalls int
	fetchBodyCalls    int
	markReadCalls     int
	deleteCalls       int
	createCalls       int
	renameCalls       int
	removeCalls       int
	moveCalls         int
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{
		headers:     make(map[string][]types.Message),
		fetchErrFor: make(map[string]error),
		uidValidity: 1,
	}
}

func (m *fakeMailbox) ListFolders() ([]types.Folder, error) {
	m.mu.Lock()
	m.listCalls++
	m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.folders, nil
}

func (m *fakeMailbox) FetchHeaders(folder types.Folder, limit int) ([]types.Message, uint32, error) {
	if m.fetchGate != nil {
		<-m.fetchGate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchHeadersCalls++
	if m.fetchErr != nil {
		return nil, 0, m.fetchErr
	}
	if err := m.fetchErrFor[folder.ServerPath]; err != nil {
		return nil, 0, err
	}
	msgs := m.headers[folder.ServerPath]
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	out := make([]types.Message, len(msgs))
	for i, msg := range msgs {
		msg.AccountID = folder.AccountID
		msg.FolderID = folder.ID
		out[i] = msg
	}
	return out, m.uidValidity, nil
}

func (m *fakeMailbox) FetchBody(folder types.Folder, uid uint32) (*imapclient.Body, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchBodyCalls++
	if m.bodyErr != nil {
		return nil, m.bodyErr
	}
	if m.body != nil {
		return m.body, nil
	}
	return &imapclient.Body{Plain: "body text"}, nil
}

func (m *fakeMailbox) MarkRead(folder types.Folder, uid uint32, read bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markReadCalls++
	return m.markErr
}

func (m *fakeMailbox) DeleteMessage(folder types.Folder, uid uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls++
	return nil
}

func (m *fakeMailbox) CreateFolder(serverPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	return m.createErr
}

func (m *fakeMailbox) RenameFolder(oldPath, newPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renameCalls++
	return nil
}

func (m *fakeMailbox) DeleteFolder(serverPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeCalls++
	return nil
}

func (m *fakeMailbox) MoveMessage(src types.Folder, uid uint32, destPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.moveCalls++
	return nil
}
