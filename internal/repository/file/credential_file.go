package file

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/SimpnicServerTeam/scs-pggate/internal/models"
	"github.com/SimpnicServerTeam/scs-pggate/internal/repository"
	"github.com/SimpnicServerTeam/scs-pggate/internal/scram"
)

// userEntry mirrors one [[users]] block of the users file.
type userEntry struct {
	Name           string `mapstructure:"name"`
	Database       string `mapstructure:"database"`
	Password       string `mapstructure:"password"`
	ServerUser     string `mapstructure:"server_user"`
	ServerPassword string `mapstructure:"server_password"`
}

// snapshot is one immutable view of the users file. Resolve reads whichever
// snapshot is current; Reload builds a new one and swaps the pointer.
type snapshot struct {
	entries map[models.CredentialKey]*models.UserCredential
}

// FileCredentialStore implements repository.CredentialStore over a TOML
// users file. Plaintext passwords are converted to SCRAM verifiers at load
// time; entries may also carry a precomputed verifier instead of a
// plaintext.
type FileCredentialStore struct {
	path       string
	iterations int
	snap       atomic.Pointer[snapshot]
}

// NewFileCredentialStore loads the users file once and fails fast when it
// is missing or malformed.
func NewFileCredentialStore(path string) (*FileCredentialStore, error) {
	s := &FileCredentialStore{path: path, iterations: scram.DefaultIterations}
	if _, err := s.Reload(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Resolve looks the pair up in the current snapshot.
func (s *FileCredentialStore) Resolve(_ context.Context, name, database string) (*models.UserCredential, error) {
	snap := s.snap.Load()
	cred, ok := snap.entries[models.CredentialKey{Name: name, Database: database}]
	if !ok {
		return nil, repository.ErrCredentialNotFound
	}
	return cred, nil
}

// Entries returns the current snapshot sorted by (name, database).
func (s *FileCredentialStore) Entries() []*models.UserCredential {
	snap := s.snap.Load()
	out := make([]*models.UserCredential, 0, len(snap.entries))
	for _, cred := range snap.entries {
		out = append(out, cred)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Database < out[j].Database
	})
	return out
}

// Reload re-reads the users file and swaps the snapshot. The previous
// snapshot survives any load error.
func (s *FileCredentialStore) Reload(_ context.Context) (int, error) {
	v := viper.New()
	v.SetConfigFile(s.path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return 0, fmt.Errorf("failed to read users file %s: %w", s.path, err)
	}

	var raw struct {
		Users []userEntry `mapstructure:"users"`
	}
	if err := v.Unmarshal(&raw); err != nil {
		return 0, fmt.Errorf("failed to parse users file %s: %w", s.path, err)
	}

	entries := make(map[models.CredentialKey]*models.UserCredential, len(raw.Users))
	for i, entry := range raw.Users {
		cred, err := repository.BuildLocalCredential(entry.Name, entry.Database, entry.Password,
			entry.ServerUser, entry.ServerPassword, s.iterations)
		if err != nil {
			return 0, fmt.Errorf("users[%d]: %w", i, err)
		}
		if _, exists := entries[cred.Key()]; exists {
			return 0, fmt.Errorf("users[%d] %s/%s: %w", i, cred.Name, cred.Database, repository.ErrDuplicateCredential)
		}
		entries[cred.Key()] = cred
	}

	s.snap.Store(&snapshot{entries: entries})
	return len(entries), nil
}

// Watch reloads the store whenever the users file changes on disk. It
// blocks until ctx is cancelled; run it on its own goroutine. Editors and
// config management tools usually replace the file, so the parent
// directory is watched rather than the file itself.
func (s *FileCredentialStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	base := filepath.Base(s.path)

	// Replacing a file fires several events back to back; the timer
	// coalesces them into one reload.
	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()
	reloads := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(250*time.Millisecond, func() {
				select {
				case reloads <- struct{}{}:
				default:
				}
			})
		case <-reloads:
			count, err := s.Reload(ctx)
			if err != nil {
				log.Printf("[FileCredentialStore.Watch] ERROR: Reload of '%s' failed, keeping previous snapshot: %v", s.path, err)
				continue
			}
			log.Printf("[FileCredentialStore.Watch] Reloaded '%s': %d users", s.path, count)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("[FileCredentialStore.Watch] ERROR: watcher: %v", err)
		}
	}
}

var _ repository.CredentialStore = (*FileCredentialStore)(nil)
