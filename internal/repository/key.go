package repository

import (
	"context"
	"encoding/json"
	"os"
	"os/user"
	"time"

	"github.com/sealvault/sealvault/internal/backend"
	"github.com/sealvault/sealvault/internal/crypto"
	"github.com/sealvault/sealvault/internal/debug"
	"github.com/sealvault/sealvault/internal/errors"
	"github.com/sealvault/sealvault/internal/objects"
)

// ErrNoKeyFound is returned when SearchKey cannot decrypt any key file in
// the repository with the given password.
var ErrNoKeyFound = errors.New("wrong password or no key found")

// ErrMaxKeysReached is returned by SearchKey once it has tried more than
// maxKeys key files without success.
var ErrMaxKeysReached = errors.New("maximum number of keys reached")

// Key represents an encrypted master key stored in a repository's key
// file. Username/Hostname are informational only and never verified.
type Key struct {
	Created  time.Time `json:"created"`
	Username string    `json:"username"`
	Hostname string    `json:"hostname"`

	KDF  string `json:"kdf"`
	N    int    `json:"N"`
	R    int    `json:"r"`
	P    int    `json:"p"`
	Salt []byte `json:"salt"`
	Data []byte `json:"data"`

	user   *crypto.Key
	master *crypto.Key
	name   string
}

// Master returns the key's plaintext master key, once decrypted by OpenKey
// or createKeyFile.
func (k *Key) Master() *crypto.Key {
	return k.master
}

// Name returns the backend ID this key was (or will be) stored under.
func (k *Key) Name() string {
	return k.name
}

// LoadKey loads and decrypts the key file named id in repo, unwrapping its
// master key with the derived key from password.
func LoadKey(ctx context.Context, repo *Repository, id objects.ID) (*Key, error) {
	h := backend.Handle{Type: backend.KeyFile, Name: id.String()}
	buf, err := backend.LoadAll(ctx, nil, repo.be, h)
	if err != nil {
		return nil, err
	}

	k := &Key{}
	if err := json.Unmarshal(buf, k); err != nil {
		return nil, errors.Wrap(err, "Unmarshal")
	}
	k.name = id.String()

	return k, nil
}

func (k *Key) decrypt(password string) (*crypto.Key, error) {
	params := crypto.Params{N: k.N, R: k.R, P: k.P}
	user, err := crypto.KDF(params, k.Salt, password)
	if err != nil {
		return nil, err
	}

	plaintext := make([]byte, 0, crypto.PlaintextLength(len(k.Data)))
	n, err := user.Decrypt(plaintext[:cap(plaintext)], k.Data)
	if err != nil {
		return nil, ErrNoKeyFound
	}
	plaintext = plaintext[:n]

	master := &crypto.Key{}
	if err := json.Unmarshal(plaintext, master); err != nil {
		return nil, errors.Wrap(err, "Unmarshal")
	}

	k.user = user
	return master, nil
}

// SearchKey tries every key file in repo's backend, up to maxKeys (0 means
// unlimited), returning the first one password decrypts. If keyHint is
// non-empty, that key file is tried first. It sets repo's key and config on
// success.
func (repo *Repository) SearchKey(ctx context.Context, password string, maxKeys int, keyHint string) error {
	checked := 0

	tryKey := func(id objects.ID) (*Key, error) {
		k, err := LoadKey(ctx, repo, id)
		if err != nil {
			return nil, err
		}

		master, err := k.decrypt(password)
		if err != nil {
			return nil, err
		}
		k.master = master
		return k, nil
	}

	if keyHint != "" {
		if id, err := objects.Find(ctx, repo.be, objects.KeyFile, keyHint); err == nil {
			if k, err := tryKey(id); err == nil {
				return repo.openWithKey(ctx, id, k)
			}
		}
	}

	var lastErr error
	err := repo.be.List(ctx, objects.KeyFile, func(fi objects.FileInfo) error {
		if maxKeys > 0 && checked >= maxKeys {
			return ErrMaxKeysReached
		}
		checked++

		id, err := objects.ParseID(fi.Name)
		if err != nil {
			return nil
		}

		k, err := tryKey(id)
		if err != nil {
			debug.Log("key %v rejected: %v", id.Str(), err)
			lastErr = err
			return nil
		}

		return repo.openWithKey(ctx, id, k)
	})
	if err != nil && errors.Is(err, errAlreadyOpened) {
		return nil
	}
	if err != nil {
		return err
	}
	if repo.key == nil {
		if lastErr != nil {
			return ErrNoKeyFound
		}
		return ErrNoKeyFound
	}
	return nil
}

var errAlreadyOpened = errors.New("repository key already found")

// openWithKey finalizes repo's key/config state once a usable key has been
// found, signalling List to stop via errAlreadyOpened.
func (repo *Repository) openWithKey(ctx context.Context, id objects.ID, k *Key) error {
	repo.key = k.master
	repo.keyName = id.String()

	cfg, err := objects.LoadConfig(ctx, repo)
	if err != nil {
		return errors.Fatalf("config cannot be loaded: %v", err)
	}
	repo.cfg = cfg
	repo.initPackerManager()
	return errAlreadyOpened
}

// AddKey creates and saves a new key file derived from password, wrapping
// master (or repo's current key, if master is nil).
func AddKey(ctx context.Context, repo *Repository, password, username, hostname string, master *crypto.Key) (*Key, error) {
	if master == nil {
		master = repo.key
	}

	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, err
	}

	params := repo.opts.KDFParams
	if params == (crypto.Params{}) {
		params = crypto.DefaultKDFParams
	}

	user, err := crypto.KDF(params, salt, password)
	if err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(master)
	if err != nil {
		return nil, errors.Wrap(err, "Marshal")
	}

	ciphertext := crypto.NewBlobBuffer(len(plaintext))
	ciphertext, err = user.Encrypt(ciphertext, plaintext)
	if err != nil {
		return nil, err
	}

	if username == "" {
		if u, err := user2CurrentUsername(); err == nil {
			username = u
		}
	}
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	k := &Key{
		Created:  time.Now(),
		Username: username,
		Hostname: hostname,
		KDF:      "scrypt",
		N:        params.N,
		R:        params.R,
		P:        params.P,
		Salt:     salt,
		Data:     ciphertext,
	}

	buf, err := json.Marshal(k)
	if err != nil {
		return nil, errors.Wrap(err, "Marshal")
	}

	id, err := repo.SaveUnpacked(ctx, objects.KeyFile, buf)
	if err != nil {
		return nil, err
	}
	k.name = id.String()
	k.user = user
	k.master = master

	return k, nil
}

func user2CurrentUsername() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	return u.Username, nil
}
