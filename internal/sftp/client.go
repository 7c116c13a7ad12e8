// Package sftp layers file operations over an existing SSH connection.
// The subsystem channel is opened lazily so transports that never touch
// files pay nothing for it.
package sftp

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Client wraps the SFTP subsystem on one SSH connection.
type Client struct {
	sshConn *ssh.Client
	client  *sftp.Client
	mu      sync.Mutex
	closed  bool
}

// NewClient creates a lazy SFTP client on an existing connection.
func NewClient(sshConn *ssh.Client) *Client {
	return &Client{sshConn: sshConn}
}

func (c *Client) ensure() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("sftp client is closed")
	}
	if c.client != nil {
		return c.client, nil
	}
	if c.sshConn == nil {
		return nil, fmt.Errorf("ssh connection is nil")
	}

	client, err := sftp.NewClient(c.sshConn)
	if err != nil {
		return nil, fmt.Errorf("open sftp subsystem: %w", err)
	}
	c.client = client
	return client, nil
}

// Close shuts down the subsystem channel, leaving the SSH connection alone.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.client != nil {
		err := c.client.Close()
		c.client = nil
		return err
	}
	return nil
}

// Entry is one directory listing row, shaped for the gateway's JSON events.
type Entry struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	Mode    string `json:"mode"`
	ModTime int64  `json:"mod_time"`
	IsDir   bool   `json:"is_dir"`
	IsLink  bool   `json:"is_link"`
}

func toEntry(info os.FileInfo) Entry {
	return Entry{
		Name:    info.Name(),
		Size:    info.Size(),
		Mode:    info.Mode().String(),
		ModTime: info.ModTime().Unix(),
		IsDir:   info.IsDir(),
		IsLink:  info.Mode()&os.ModeSymlink != 0,
	}
}

// List returns the entries of a remote directory.
func (c *Client) List(path string) ([]Entry, error) {
	client, err := c.ensure()
	if err != nil {
		return nil, err
	}

	infos, err := client.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", path, err)
	}
	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, toEntry(info))
	}
	return entries, nil
}

// Stat returns metadata for one remote path.
func (c *Client) Stat(path string) (Entry, error) {
	client, err := c.ensure()
	if err != nil {
		return Entry{}, err
	}
	info, err := client.Stat(path)
	if err != nil {
		return Entry{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return toEntry(info), nil
}

// ReadFile reads the entire contents of a remote file.
func (c *Client) ReadFile(path string) ([]byte, error) {
	client, err := c.ensure()
	if err != nil {
		return nil, err
	}

	file, err := client.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()
	return io.ReadAll(file)
}

// WriteFile writes data to a remote file, creating it if necessary.
func (c *Client) WriteFile(path string, data []byte, perm os.FileMode) error {
	client, err := c.ensure()
	if err != nil {
		return err
	}

	file, err := client.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if perm != 0 {
		if err := file.Chmod(perm); err != nil {
			return fmt.Errorf("chmod %s: %w", path, err)
		}
	}
	return nil
}

// Download streams a remote file into w.
func (c *Client) Download(path string, w io.Writer) (int64, error) {
	client, err := c.ensure()
	if err != nil {
		return 0, err
	}

	file, err := client.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()
	return io.Copy(w, file)
}

// Upload streams r into a remote file.
func (c *Client) Upload(path string, r io.Reader, perm os.FileMode) (int64, error) {
	client, err := c.ensure()
	if err != nil {
		return 0, err
	}

	file, err := client.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}
	defer file.Close()

	n, err := io.Copy(file, r)
	if err != nil {
		return n, fmt.Errorf("write %s: %w", path, err)
	}
	if perm != 0 {
		if err := file.Chmod(perm); err != nil {
			return n, fmt.Errorf("chmod %s: %w", path, err)
		}
	}
	return n, nil
}

// Mkdir creates a remote directory, including parents.
func (c *Client) Mkdir(path string) error {
	client, err := c.ensure()
	if err != nil {
		return err
	}
	return client.MkdirAll(path)
}

// Remove deletes a remote file or empty directory.
func (c *Client) Remove(path string) error {
	client, err := c.ensure()
	if err != nil {
		return err
	}
	return client.Remove(path)
}

// Rename moves a remote file or directory.
func (c *Client) Rename(oldPath, newPath string) error {
	client, err := c.ensure()
	if err != nil {
		return err
	}
	return client.Rename(oldPath, newPath)
}

// Chmod changes remote file permissions.
func (c *Client) Chmod(path string, mode os.FileMode) error {
	client, err := c.ensure()
	if err != nil {
		return err
	}
	return client.Chmod(path, mode)
}
