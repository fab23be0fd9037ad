package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

// scanLocks keeps at most one scan per source inside this process. File
// locks in LockDir extend that to other processes on the same host.
var scanLocks sync.Map

type scanLock struct {
	source string
	file   *flock.Flock
}

func acquireScanLock(lockDir, source string) (*scanLock, error) {
	if _, loaded := scanLocks.LoadOrStore(source, struct{}{}); loaded {
		return nil, ErrScanInProgress
	}
	l := &scanLock{source: source}
	if strings.TrimSpace(lockDir) == "" {
		return l, nil
	}

	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		scanLocks.Delete(source)
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	l.file = flock.New(LockPath(lockDir, source))
	ok, err := l.file.TryLock()
	if err != nil {
		scanLocks.Delete(source)
		return nil, fmt.Errorf("acquire scan lock: %w", err)
	}
	if !ok {
		scanLocks.Delete(source)
		return nil, ErrScanInProgress
	}
	return l, nil
}

func (l *scanLock) release() error {
	defer scanLocks.Delete(l.source)
	if l.file == nil {
		return nil
	}
	return l.file.Unlock()
}

// LockPath returns the lock file used for source under lockDir. The name is
// the sanitized source plus a hash of the raw one, so sources that sanitize
// alike ("a b", "a_b") still get their own file.
func LockPath(lockDir, source string) string {
	sum := sha256.Sum256([]byte(source))
	return filepath.Join(lockDir, sanitizeLockName(source)+"-"+hex.EncodeToString(sum[:4])+".lock")
}

func sanitizeLockName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
