package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
)

// TemplateTransfer uploads VM templates to a host over SFTP.
type TemplateTransfer struct {
	Client *Client
}

// Push uploads localPath to remotePath and verifies the remote sha256 sum.
// A file whose checksum does not match is removed from the host.
func (t *TemplateTransfer) Push(ctx context.Context, localPath, remotePath string) (string, error) {
	sum, err := fileChecksum(localPath)
	if err != nil {
		return "", fmt.Errorf("checksum %s: %w", localPath, err)
	}
	cli, err := t.Client.Dial(ctx)
	if err != nil {
		return "", err
	}
	defer cli.Close()

	logger := log.With().Str("system", "ssh").Str("addr", t.Client.Addr).Str("path", remotePath).Logger()
	logger.Info().Str("sha256", sum).Msg("uploading template")
	if err := PushFile(ctx, cli, localPath, remotePath); err != nil {
		return "", err
	}
	if err := verifyRemoteChecksum(ctx, cli, remotePath, sum); err != nil {
		if _, rmErr := Run(ctx, cli, "rm -f "+shellQuote(remotePath), nil); rmErr != nil {
			logger.Warn().Err(rmErr).Msg("could not remove corrupt template")
		}
		return "", fmt.Errorf("checksum verification failed: %w", err)
	}
	return sum, nil
}

// PushFile uploads a local file to a remote path via SFTP.
func PushFile(ctx context.Context, client *xssh.Client, localPath, remotePath string) error {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local: %w", err)
	}
	defer src.Close()
	dst, err := sf.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, &ctxReader{ctx: ctx, r: src}); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func fileChecksum(name string) (string, error) {
	f, err := os.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func verifyRemoteChecksum(ctx context.Context, cli *xssh.Client, remotePath, want string) error {
	out, err := Run(ctx, cli, "sha256sum "+shellQuote(remotePath), nil)
	if err != nil {
		return fmt.Errorf("remote checksum: %w", err)
	}
	got, _, _ := strings.Cut(strings.TrimSpace(string(out)), " ")
	if got != want {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", want, got)
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
