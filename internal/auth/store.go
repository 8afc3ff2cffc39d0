package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// FileStore keeps one JSON file per account under the auth directory. The
// external login tool writes these files; we read them at boot, rewrite
// them after token refresh, and pick up new logins on Reload.
type FileStore struct {
	dir string

	mu       sync.RWMutex
	accounts map[string]*Account
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir, accounts: map[string]*Account{}}
}

// Load reads every *.json account file in the directory. Unreadable files
// are skipped with a warning; a missing directory yields an empty store.
func (s *FileStore) Load() error {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("auth: read dir %s: %w", s.dir, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			log.Warnf("auth: skip %s: %v", path, err)
			continue
		}
		account := &Account{}
		if err = json.Unmarshal(raw, account); err != nil {
			log.Warnf("auth: skip %s: %v", path, err)
			continue
		}
		if account.ID == "" {
			account.ID = uuid.NewString()
		}
		if existing, ok := s.accounts[account.ID]; ok {
			// keep the in-memory token if it is fresher
			if existing.Expiry.After(account.Expiry) {
				continue
			}
		}
		s.accounts[account.ID] = account
	}
	return nil
}

// Reload re-scans the directory, picking up new or updated account files.
func (s *FileStore) Reload() error {
	return s.Load()
}

// Save writes the account back to its file.
func (s *FileStore) Save(account *Account) error {
	raw, err := json.MarshalIndent(account, "", "  ")
	if err != nil {
		return err
	}
	if err = os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(s.dir, account.ID+".json")
	return os.WriteFile(path, raw, 0o600)
}

// List returns the accounts ordered by email for stable iteration.
func (s *FileStore) List() []*Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Account, 0, len(s.accounts))
	for _, account := range s.accounts {
		out = append(out, account)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out
}

// Get looks an account up by id.
func (s *FileStore) Get(id string) (*Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[id]
	return account, ok
}

// Add registers an account in memory and persists it.
func (s *FileStore) Add(account *Account) error {
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	s.mu.Lock()
	s.accounts[account.ID] = account
	s.mu.Unlock()
	return s.Save(account)
}

// Remove drops the account from memory and deletes its file.
func (s *FileStore) Remove(id string) error {
	s.mu.Lock()
	delete(s.accounts, id)
	s.mu.Unlock()
	err := os.Remove(filepath.Join(s.dir, id+".json"))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
