package memfs

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"rvos/kernel/abi"
	kfs "rvos/kernel/fs"

	"github.com/klauspost/readahead"
	"go.uber.org/zap"
)

// The helpers in this file build the root image before any process exists.
// They take no locks; the caller must own f exclusively.

// resolve walks path from the root without locking or counting references.
func (f *FS) resolve(path string) (*Inode, error) {
	ip := f.root
	for {
		name, rest, ok := kfs.SkipElem(path)
		if !ok {
			return ip, nil
		}
		if ip.typ != abi.TDir {
			return nil, kfs.ErrNotDir
		}
		inum, _, found := ip.lookup(name)
		if !found {
			return nil, kfs.ErrNotFound
		}
		ip, path = f.inodes[inum], rest
	}
}

// mkentry creates the last element of path inside its (existing) parent.
func (f *FS) mkentry(path string, typ, major, minor int16) (*Inode, error) {
	dir, base := filepath.Split(filepath.Clean("/" + path))
	dp, err := f.resolve(dir)
	if err != nil {
		return nil, err
	}
	if dp.typ != abi.TDir {
		return nil, kfs.ErrNotDir
	}
	if len(base) > kfs.DIRSIZ {
		base = base[:kfs.DIRSIZ]
	}

	if inum, _, ok := dp.lookup(base); ok {
		ip := f.inodes[inum]
		if ip.typ != typ {
			return nil, kfs.ErrExists
		}
		return ip, nil
	}

	ip := f.alloc(typ)
	ip.major, ip.minor = major, minor
	ip.nlink = 1
	if typ == abi.TDir {
		ip.dir = []dirent{{ip.inum, "."}, {dp.inum, ".."}}
		dp.nlink++
	}
	if err := dp.link(base, ip.inum); err != nil {
		delete(f.inodes, ip.inum)
		return nil, err
	}
	return ip, nil
}

// MkdirAll creates the directory path along with any missing parents.
func (f *FS) MkdirAll(path string) error {
	cur := ""
	for {
		name, rest, ok := kfs.SkipElem(path)
		if !ok {
			return nil
		}
		cur += "/" + name
		if _, err := f.mkentry(cur, abi.TDir, 0, 0); err != nil {
			return err
		}
		path = rest
	}
}

// WriteFile creates or replaces the regular file at path. Its parent
// directory must exist.
func (f *FS) WriteFile(path string, data []byte) error {
	ip, err := f.mkentry(path, abi.TFile, 0, 0)
	if err != nil {
		return err
	}
	ip.data = nil
	if _, kerr := ip.WriteAt(data, 0); kerr != nil {
		return kerr
	}
	return nil
}

// Mknod creates the device node path.
func (f *FS) Mknod(path string, major, minor int16) error {
	_, err := f.mkentry(path, abi.TDevice, major, minor)
	return err
}

// Stat returns the metadata of the inode at path.
func (f *FS) Stat(path string) (abi.Stat, error) {
	ip, err := f.resolve(path)
	if err != nil {
		return abi.Stat{}, err
	}
	return ip.Stat(), nil
}

// Populate copies the host directory tree rooted at hostDir into f.
// Symbolic links and special files are skipped.
func (f *FS) Populate(hostDir string) error {
	var files, bytes int
	err := filepath.WalkDir(hostDir, func(hostPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(hostDir, hostPath)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		switch {
		case d.IsDir():
			return f.MkdirAll(rel)
		case d.Type().IsRegular():
			data, err := readHostFile(hostPath)
			if err != nil {
				return err
			}
			if err := f.WriteFile(rel, data); err != nil {
				return err
			}
			files++
			bytes += len(data)
		}
		return nil
	})
	if err != nil {
		return err
	}

	f.log.Info("root image populated", zap.String("host", hostDir), zap.Int("files", files), zap.Int("bytes", bytes))
	return nil
}

func readHostFile(path string) ([]byte, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	st, err := fh.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() > maxFileSize {
		return nil, errFileTooLarge
	}

	ra, err := readahead.NewReaderSize(fh, 4, 64<<10)
	if err != nil {
		return nil, err
	}
	defer ra.Close()

	return io.ReadAll(ra)
}
