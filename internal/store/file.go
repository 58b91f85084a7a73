package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"filippo.io/age"
	"github.com/fxamacker/cbor/v2"
)

// DefaultWorkFactor is the scrypt log2 work factor used to seal the file.
const DefaultWorkFactor = 18

// ErrWrongPassphrase is returned when the store file cannot be opened with
// the given passphrase.
var ErrWrongPassphrase = errors.New("wrong passphrase or corrupted store")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("store: CBOR decoder initialization failed: " + err.Error())
	}
}

// FileOptions configures a file store.
type FileOptions struct {
	// WorkFactor overrides DefaultWorkFactor. Tests use small values.
	WorkFactor int
}

// File is a KV persisted as a single age-encrypted file. The whole map is
// CBOR-encoded and sealed to a scrypt passphrase recipient on every write.
// Wrap it in Coalescing when writes are frequent.
type File struct {
	path       string
	passphrase string
	workFactor int

	mu   sync.Mutex
	data map[string][]byte
}

// OpenFile opens or creates the store at path.
func OpenFile(path, passphrase string, opts FileOptions) (*File, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("store passphrase is required")
	}
	wf := opts.WorkFactor
	if wf <= 0 {
		wf = DefaultWorkFactor
	}

	f := &File{
		path:       path,
		passphrase: passphrase,
		workFactor: wf,
		data:       make(map[string][]byte),
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store: %w", err)
	}

	data, err := f.open(raw)
	if err != nil {
		return nil, err
	}
	f.data = data
	return f, nil
}

// Path returns the file path.
func (f *File) Path() string {
	return f.path
}

// Get returns a copy of the value for key.
func (f *File) Get(key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v, ok := f.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(v), nil
}

// Set stores value under key and persists the file.
func (f *File) Set(key string, value []byte) error {
	return f.WriteBatch([]Change{{Key: key, Value: value}})
}

// Delete removes key and persists the file.
func (f *File) Delete(key string) error {
	f.mu.Lock()
	_, ok := f.data[key]
	f.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return f.WriteBatch([]Change{{Key: key, Delete: true}})
}

// WriteBatch applies changes and persists once. On a persist failure the
// in-memory map is left unchanged.
func (f *File) WriteBatch(changes []Change) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := make(map[string][]byte, len(f.data)+len(changes))
	for k, v := range f.data {
		next[k] = v
	}
	for _, c := range changes {
		if c.Delete {
			delete(next, c.Key)
			continue
		}
		next[c.Key] = cloneBytes(c.Value)
	}

	if err := f.persist(next); err != nil {
		return err
	}
	f.data = next
	return nil
}

func (f *File) persist(data map[string][]byte) error {
	plain, err := encMode.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}

	recipient, err := age.NewScryptRecipient(f.passphrase)
	if err != nil {
		return fmt.Errorf("create recipient: %w", err)
	}
	recipient.SetWorkFactor(f.workFactor)

	var sealed bytes.Buffer
	w, err := age.Encrypt(&sealed, recipient)
	if err != nil {
		return fmt.Errorf("create encryptor: %w", err)
	}
	if _, err := w.Write(plain); err != nil {
		return fmt.Errorf("encrypt store: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".store-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(sealed.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write store: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replace store: %w", err)
	}
	return nil
}

func (f *File) open(raw []byte) (map[string][]byte, error) {
	identity, err := age.NewScryptIdentity(f.passphrase)
	if err != nil {
		return nil, fmt.Errorf("create identity: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(raw), identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrongPassphrase, err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrongPassphrase, err)
	}

	data := make(map[string][]byte)
	if err := decMode.Unmarshal(plain, &data); err != nil {
		return nil, fmt.Errorf("decode store: %w", err)
	}
	return data, nil
}
