package ssh

import (
	"fmt"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
	xssh "golang.org/x/crypto/ssh"
)

// KeyStore loads per-cluster private keys from a directory. File name is the
// cluster's key name (or the cluster id when no key name is configured).
// Parsed signers are cached; key files rarely change while a worker runs.
type KeyStore struct {
	dir   string
	cache *lru.Cache[string, xssh.Signer]
}

func NewKeyStore(dir string) (*KeyStore, error) {
	cache, err := lru.New[string, xssh.Signer](128)
	if err != nil {
		return nil, err
	}
	return &KeyStore{dir: dir, cache: cache}, nil
}

// Signer returns the parsed private key for name, decrypting with passphrase
// when one is given.
func (k *KeyStore) Signer(name, passphrase string) (xssh.Signer, error) {
	if s, ok := k.cache.Get(name); ok {
		return s, nil
	}
	path := filepath.Join(k.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	var signer xssh.Signer
	if passphrase != "" {
		signer, err = xssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
	} else {
		signer, err = xssh.ParsePrivateKey(data)
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", name, err)
	}
	k.cache.Add(name, signer)
	return signer, nil
}
