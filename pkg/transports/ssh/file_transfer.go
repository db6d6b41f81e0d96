package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// Stage uploads localPath into the remote staging directory over SFTP and
// returns the remote path. Staged names carry a content hash, so an
// identical file already on the host is reused.
func (r *Runner) Stage(ctx context.Context, localPath string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", &TransportError{Op: "stage", Err: fmt.Errorf("failed to read %s: %w", localPath, err)}
	}

	sum := sha256.Sum256(data)
	dir := r.client.config.StagingDir
	remote := path.Join(dir, hex.EncodeToString(sum[:8])+"-"+filepath.Base(localPath))

	if err := ctx.Err(); err != nil {
		return "", err
	}

	sc, err := r.client.newSFTP(ctx)
	if err != nil {
		return "", err
	}
	defer sc.Close()

	if info, err := sc.Stat(remote); err == nil && info.Size() == int64(len(data)) {
		log.Debug().Str("remote", remote).Msg("file already staged")
		return remote, nil
	}

	if err := sc.MkdirAll(dir); err != nil {
		return "", &TransportError{Op: "stage", Err: fmt.Errorf("failed to create %s: %w", dir, err), IsTemporary: true}
	}
	if err := sc.Chmod(dir, 0o700); err != nil {
		return "", &TransportError{Op: "stage", Err: fmt.Errorf("failed to chmod %s: %w", dir, err)}
	}

	partial := remote + ".part"
	f, err := sc.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return "", &TransportError{Op: "stage", Err: fmt.Errorf("failed to create %s: %w", partial, err), IsTemporary: true}
	}
	if err := f.Chmod(0o600); err != nil {
		_ = f.Close()
		return "", &TransportError{Op: "stage", Err: err}
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return "", &TransportError{Op: "stage", Err: fmt.Errorf("failed to write %s: %w", partial, err), IsTemporary: true}
	}
	if err := f.Close(); err != nil {
		return "", &TransportError{Op: "stage", Err: err, IsTemporary: true}
	}
	if err := sc.PosixRename(partial, remote); err != nil {
		return "", &TransportError{Op: "stage", Err: fmt.Errorf("failed to rename %s: %w", partial, err), IsTemporary: true}
	}

	log.Debug().
		Str("local", localPath).
		Str("remote", remote).
		Int("bytes", len(data)).
		Msg("file staged")

	return remote, nil
}
