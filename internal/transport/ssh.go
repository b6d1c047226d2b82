package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"

	cssh "github.com/cirro-hpc/cirro/internal/ssh"
	"github.com/cirro-hpc/cirro/pkg/api"
)

// sshConn holds one SSH session plus a lazily-opened SFTP channel, reused
// for all operations within the connection scope.
type sshConn struct {
	client *xssh.Client
	sftp   *sftp.Client
}

func openSSH(ctx context.Context, cluster *api.Cluster, keys *cssh.KeyStore, opts Options) (Connection, error) {
	keyName := cluster.Config.SSH.Key
	if keyName == "" {
		keyName = cluster.ID
	}
	signer, err := keys.Signer(keyName, cluster.Config.SSH.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("cluster %s: %w", cluster.ID, err)
	}
	port := cluster.Config.Port
	if port == 0 {
		port = 22
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	client := &cssh.Client{
		Addr:    fmt.Sprintf("%s:%d", cluster.Config.Host, port),
		User:    cluster.Config.SSH.User,
		Signer:  signer,
		Timeout: timeout,
		Retries: opts.Retries,
		Backoff: 500 * time.Millisecond,
	}
	cli, err := cssh.Dial(ctx, client)
	if err != nil {
		return nil, &ConnectError{Err: err}
	}
	return &sshConn{client: cli}, nil
}

func (c *sshConn) sf() (*sftp.Client, error) {
	if c.sftp != nil {
		return c.sftp, nil
	}
	sf, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, &ConnectError{Err: fmt.Errorf("sftp client: %w", err)}
	}
	c.sftp = sf
	return sf, nil
}

func (c *sshConn) Execute(ctx context.Context, cmd string, ignoreExitStatus bool) ([]string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, &ConnectError{Err: fmt.Errorf("new session: %w", err)}
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(cmd)
		ch <- result{out: out, err: err}
	}()
	var r result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r = <-ch:
	}
	lines := splitLines(string(r.out))
	if r.err != nil {
		var ee *xssh.ExitError
		if errors.As(r.err, &ee) {
			if ignoreExitStatus {
				return lines, nil
			}
			return lines, &ExitError{Cmd: cmd, Status: ee.ExitStatus(), Output: lines}
		}
		return lines, &ConnectError{Err: fmt.Errorf("exec %q: %w", cmd, r.err)}
	}
	return lines, nil
}

func (c *sshConn) Get(p string) (io.ReadCloser, error) {
	sf, err := c.sf()
	if err != nil {
		return nil, err
	}
	f, err := sf.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open remote %s: %w", p, err)
	}
	return f, nil
}

func (c *sshConn) Put(p string, r io.Reader) error {
	sf, err := c.sf()
	if err != nil {
		return err
	}
	if err := sf.MkdirAll(path.Dir(p)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	dst, err := sf.Create(p)
	if err != nil {
		return fmt.Errorf("create remote %s: %w", p, err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, r); err != nil {
		return fmt.Errorf("copy to %s: %w", p, err)
	}
	return nil
}

func (c *sshConn) Mkdir(p string, ignoreFailure bool) error {
	sf, err := c.sf()
	if err != nil {
		return err
	}
	if err := sf.Mkdir(p); err != nil && !ignoreFailure {
		return fmt.Errorf("mkdir %s: %w", p, err)
	}
	return nil
}

func (c *sshConn) Makedirs(p string) error {
	sf, err := c.sf()
	if err != nil {
		return err
	}
	if err := sf.MkdirAll(p); err != nil {
		return fmt.Errorf("makedirs %s: %w", p, err)
	}
	return nil
}

func (c *sshConn) Stat(p string) (api.FileEntry, error) {
	sf, err := c.sf()
	if err != nil {
		return api.FileEntry{}, err
	}
	fi, err := sf.Stat(p)
	if err != nil {
		return api.FileEntry{}, fmt.Errorf("stat %s: %w", p, err)
	}
	return toFileEntry(fi), nil
}

func (c *sshConn) Remove(p string) error {
	sf, err := c.sf()
	if err != nil {
		return err
	}
	if err := sf.Remove(p); err != nil {
		return fmt.Errorf("remove %s: %w", p, err)
	}
	return nil
}

func (c *sshConn) IsFile(p string) (bool, error) {
	sf, err := c.sf()
	if err != nil {
		return false, err
	}
	fi, err := sf.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", p, err)
	}
	return !fi.IsDir(), nil
}

func (c *sshConn) List(p string) ([]api.FileEntry, error) {
	sf, err := c.sf()
	if err != nil {
		return nil, err
	}
	infos, err := sf.ReadDir(p)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", p, err)
	}
	entries := make([]api.FileEntry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, toFileEntry(fi))
	}
	return entries, nil
}

func (c *sshConn) Close() error {
	if c.sftp != nil {
		_ = c.sftp.Close()
	}
	return c.client.Close()
}

func toFileEntry(fi os.FileInfo) api.FileEntry {
	return api.FileEntry{
		Name: fi.Name(),
		Mode: fi.Mode().String(),
		Date: fi.ModTime().Format(time.RFC3339),
		Size: fi.Size(),
		Dir:  fi.IsDir(),
	}
}

func splitLines(out string) []string {
	out = strings.TrimRight(out, "\n")
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}
