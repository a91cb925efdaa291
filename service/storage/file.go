package storage

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// FileStore keeps credentials in a JSON file, for desk/kiosk deployments
// without shared infrastructure. Writes are atomic (temp file + rename) so a
// crash mid-save never leaves a truncated credential file behind.
type FileStore struct {
	current
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

var _ Store = (*FileStore)(nil)

func (s *FileStore) Load() (Credentials, bool, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Credentials{}, false, nil
		}
		return Credentials{}, false, errors.Wrap(err, "read credential file")
	}
	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		// 文件损坏按“无凭证”处理，重新登录即可恢复。
		_ = os.Remove(s.path)
		return Credentials{}, false, nil
	}
	if creds.Empty() {
		return Credentials{}, false, nil
	}
	s.set(creds)
	return creds, true, nil
}

func (s *FileStore) Save(creds Credentials) error {
	raw, err := json.Marshal(creds)
	if err != nil {
		return errors.Wrap(err, "encode credentials")
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "create credential dir")
	}
	tmp, err := os.CreateTemp(dir, ".creds-*")
	if err != nil {
		return errors.Wrap(err, "create temp credential file")
	}
	name := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return errors.Wrap(err, "write credentials")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return errors.Wrap(err, "close credential file")
	}
	if err := os.Chmod(name, 0o600); err != nil {
		_ = os.Remove(name)
		return errors.Wrap(err, "chmod credential file")
	}
	if err := os.Rename(name, s.path); err != nil {
		_ = os.Remove(name)
		return errors.Wrap(err, "replace credential file")
	}
	s.set(creds)
	return nil
}

func (s *FileStore) Clear() error {
	s.set(Credentials{})
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove credential file")
	}
	return nil
}
