package presence

import "sort"

// Store holds the user table and the viewer-set table. Implementations do not
// need to be safe for concurrent use: the Registry serializes all access. The
// abstraction exists so a multi-instance deployment can back presence with a
// shared cache instead of process memory.
type Store interface {
	GetUser(userID string) (*OnlineUser, bool)
	PutUser(user *OnlineUser)
	DeleteUser(userID string)
	ListUsers() []*OnlineUser

	AddViewer(docKey, userID string)
	// RemoveViewer drops the user from the set, pruning the set entirely when
	// it becomes empty.
	RemoveViewer(docKey, userID string)
	Viewers(docKey string) []string
	ViewedDocumentCount() int
}

// memoryStore is the default single-instance Store.
type memoryStore struct {
	users   map[string]*OnlineUser
	viewers map[string]map[string]struct{}
}

// NewMemoryStore creates the in-process presence store.
func NewMemoryStore() Store {
	return &memoryStore{
		users:   make(map[string]*OnlineUser),
		viewers: make(map[string]map[string]struct{}),
	}
}

func (m *memoryStore) GetUser(userID string) (*OnlineUser, bool) {
	user, ok := m.users[userID]
	return user, ok
}

func (m *memoryStore) PutUser(user *OnlineUser) {
	m.users[user.UserID] = user
}

func (m *memoryStore) DeleteUser(userID string) {
	delete(m.users, userID)
}

func (m *memoryStore) ListUsers() []*OnlineUser {
	out := make([]*OnlineUser, 0, len(m.users))
	for _, user := range m.users {
		out = append(out, user)
	}
	return out
}

func (m *memoryStore) AddViewer(docKey, userID string) {
	set, ok := m.viewers[docKey]
	if !ok {
		set = make(map[string]struct{})
		m.viewers[docKey] = set
	}
	set[userID] = struct{}{}
}

func (m *memoryStore) RemoveViewer(docKey, userID string) {
	set, ok := m.viewers[docKey]
	if !ok {
		return
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(m.viewers, docKey)
	}
}

func (m *memoryStore) Viewers(docKey string) []string {
	set := m.viewers[docKey]
	out := make([]string, 0, len(set))
	for userID := range set {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

func (m *memoryStore) ViewedDocumentCount() int {
	return len(m.viewers)
}
